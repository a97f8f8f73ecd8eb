package query

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/beads-live/internal/schema"
)

func TestWithPaging_DoesNotModifyBase(t *testing.T) {
	base := New()
	base.Predicate.Traits = []schema.TraitKind{schema.TraitTask}
	base.Paging.AfterOrderingValue = OrderingValue("a").Ptr()

	page := base.WithPaging(Paging{Count: 10, BeforeOrderingValue: OrderingValue("z").Ptr()})
	page.Predicate.Traits[0] = schema.TraitLink
	*page.Paging.BeforeOrderingValue = "y"

	if base.Paging.Count != DefaultCount {
		t.Errorf("base count = %d, want %d", base.Paging.Count, DefaultCount)
	}
	if base.Paging.BeforeOrderingValue != nil {
		t.Error("base gained a before boundary")
	}
	if *base.Paging.AfterOrderingValue != "a" {
		t.Errorf("base after = %q, want a", *base.Paging.AfterOrderingValue)
	}
	if base.Predicate.Traits[0] != schema.TraitTask {
		t.Error("page query shares the trait slice with the base")
	}
}

func TestPagingClone_Independent(t *testing.T) {
	p := Paging{Count: 2, AfterOrderingValue: OrderingValue("b").Ptr()}
	c := p.Clone()
	*c.AfterOrderingValue = "c"
	if *p.AfterOrderingValue != "b" {
		t.Errorf("Clone() shares the after boundary")
	}
}

func TestQuery_Validate(t *testing.T) {
	q := New()
	if err := q.Validate(); err != nil {
		t.Fatalf("Validate() failed for default query: %v", err)
	}

	q.Paging.Count = -1
	if err := q.Validate(); err == nil {
		t.Error("Validate() should reject negative counts")
	}

	q = New()
	q.Ordering.Field = OrderField(99)
	if err := q.Validate(); err == nil {
		t.Error("Validate() should reject unknown order fields")
	}
}

func TestQuery_Limit(t *testing.T) {
	if got := (Query{}).Limit(); got != DefaultCount {
		t.Errorf("Limit() = %d, want %d", got, DefaultCount)
	}
	if got := New().WithPaging(Paging{Count: 7}).Limit(); got != 7 {
		t.Errorf("Limit() = %d, want 7", got)
	}
}

func TestQuery_JSON(t *testing.T) {
	q := Query{
		Predicate: Predicate{Traits: []schema.TraitKind{schema.TraitTask}, Status: "open"},
		Ordering:  Ordering{Field: OrderByPriority, Descending: true},
		Paging:    Paging{Count: 3, AfterOrderingValue: OrderingValue("k").Ptr()},
	}

	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	for _, want := range []string{`"traits":["task"]`, `"field":"priority"`, `"after_ordering_value":"k"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("marshaled query %s is missing %s", data, want)
		}
	}

	var got Query
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if diff := cmp.Diff(q, got); diff != "" {
		t.Errorf("decoded query mismatch (-want +got):\n%s", diff)
	}

	if err := json.Unmarshal([]byte(`{"ordering":{"field":"color"}}`), &got); err == nil {
		t.Error("Unmarshal() should reject unknown order fields")
	}
}

func TestUpdate_JSONCarriesError(t *testing.T) {
	data, err := json.Marshal(Update{Status: StatusError, Err: errors.New("boom")})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if u.Status != StatusError || u.Err == nil || u.Err.Error() != "boom" {
		t.Errorf("decoded update = %+v", u)
	}
	if !u.Failed() {
		t.Error("error update should report Failed()")
	}
}
