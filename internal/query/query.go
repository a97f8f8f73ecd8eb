// Package query defines the request and result types exchanged with the entity store.
//
// A Query is a plain value. Paged consumers derive page queries from a base query
// with WithPaging, which never modifies the receiver.
//
// # Paging boundaries
//
// AfterOrderingValue and BeforeOrderingValue bound a page in ordering-value space,
// independent of the ordering direction. The bound a page starts from is
// exclusive and the bound it ends at is inclusive: ascending pages start after
// AfterOrderingValue and end at BeforeOrderingValue, descending pages start
// before BeforeOrderingValue and end at AfterOrderingValue. A page continuing
// from Snapshot.NextPage therefore begins just past the previous page's last
// row, and a page pinned to end at that value still holds it.
package query

import (
	"fmt"

	"github.com/steveyegge/beads-live/internal/schema"
)

// OrderField selects the value results are sorted by.
type OrderField uint8

const (
	// OrderByUpdated sorts by last modification time.
	OrderByUpdated OrderField = iota
	// OrderByCreated sorts by creation time.
	OrderByCreated
	// OrderByPriority sorts by task priority; entities without a task sort last.
	OrderByPriority
	// OrderByID sorts by entity identifier.
	OrderByID
)

var orderFieldNames = map[OrderField]string{
	OrderByUpdated:  "updated",
	OrderByCreated:  "created",
	OrderByPriority: "priority",
	OrderByID:       "id",
}

// String returns the field name.
func (f OrderField) String() string {
	if name, ok := orderFieldNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseOrderField resolves a field name such as "updated".
func ParseOrderField(name string) (OrderField, error) {
	for f, n := range orderFieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown order field %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (f OrderField) MarshalText() ([]byte, error) {
	name, ok := orderFieldNames[f]
	if !ok {
		return nil, fmt.Errorf("unknown order field %d", f)
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *OrderField) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderField(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// OrderingValue is a store-defined position in an ordering. It is opaque to
// consumers: they only copy it between Snapshot.NextPage and Paging boundaries.
type OrderingValue string

// Ptr returns a pointer to a copy of v.
func (v OrderingValue) Ptr() *OrderingValue {
	return &v
}

// Predicate restricts which entities match. Empty fields do not filter.
type Predicate struct {
	// Traits requires the entity to carry every listed trait kind.
	Traits []schema.TraitKind `json:"traits,omitempty"`
	// Status requires the task trait status to equal this value.
	Status string `json:"status,omitempty"`
	// Collection requires membership in the named collection.
	Collection string `json:"collection,omitempty"`
	// IDs restricts results to the listed entity identifiers.
	IDs []string `json:"ids,omitempty"`
}

// Ordering defines the result order.
type Ordering struct {
	Field      OrderField `json:"field"`
	Descending bool       `json:"descending,omitempty"`
}

// Paging bounds the page window of a query.
type Paging struct {
	// Count is the maximum number of entities returned.
	Count int `json:"count"`
	// AfterOrderingValue, if set, excludes entities ordered below it
	// (and the value itself on ascending pages).
	AfterOrderingValue *OrderingValue `json:"after_ordering_value,omitempty"`
	// BeforeOrderingValue, if set, excludes entities ordered above it
	// (and the value itself on descending pages).
	BeforeOrderingValue *OrderingValue `json:"before_ordering_value,omitempty"`
}

// Clone returns a copy that shares no pointers with p.
func (p Paging) Clone() Paging {
	out := Paging{Count: p.Count}
	if p.AfterOrderingValue != nil {
		out.AfterOrderingValue = p.AfterOrderingValue.Ptr()
	}
	if p.BeforeOrderingValue != nil {
		out.BeforeOrderingValue = p.BeforeOrderingValue.Ptr()
	}
	return out
}

// DefaultCount is the page size used when a query leaves Count unset.
const DefaultCount = 50

// Query is a request for a page of entities.
type Query struct {
	Predicate Predicate `json:"predicate"`
	Ordering  Ordering  `json:"ordering"`
	Paging    Paging    `json:"paging"`
}

// New returns a query with the default page size.
func New() Query {
	return Query{Paging: Paging{Count: DefaultCount}}
}

// Clone returns a deep copy of q.
func (q Query) Clone() Query {
	out := q
	if q.Predicate.Traits != nil {
		out.Predicate.Traits = append([]schema.TraitKind(nil), q.Predicate.Traits...)
	}
	if q.Predicate.IDs != nil {
		out.Predicate.IDs = append([]string(nil), q.Predicate.IDs...)
	}
	out.Paging = q.Paging.Clone()
	return out
}

// WithPaging returns a copy of q with its paging replaced by a copy of p.
func (q Query) WithPaging(p Paging) Query {
	out := q.Clone()
	out.Paging = p.Clone()
	return out
}

// Validate checks that the query can be executed.
func (q Query) Validate() error {
	if q.Paging.Count < 0 {
		return fmt.Errorf("paging count must not be negative (got %d)", q.Paging.Count)
	}
	if _, ok := orderFieldNames[q.Ordering.Field]; !ok {
		return fmt.Errorf("unknown order field %d", q.Ordering.Field)
	}
	for _, k := range q.Predicate.Traits {
		if k.String() == "unknown" {
			return fmt.Errorf("unknown trait kind %d", k)
		}
	}
	return nil
}

// Limit returns the effective page size.
func (q Query) Limit() int {
	if q.Paging.Count == 0 {
		return DefaultCount
	}
	return q.Paging.Count
}
