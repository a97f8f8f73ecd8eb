package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestEntity(id string) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Traits: []Trait{
			NewTaskTrait(TaskTrait{Title: "Write docs", Type: "task", Status: "open", Priority: 2}),
			NewCollectionTrait("inbox"),
		},
	}
}

func TestEntity_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		entity  Entity
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid entity",
			entity: *newTestEntity("bl-1"),
		},
		{
			name:    "missing id",
			entity:  Entity{CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "id with separator",
			entity:  Entity{ID: "a/b", CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "path separators",
		},
		{
			name:    "missing created_at",
			entity:  Entity{ID: "bl-1", UpdatedAt: now},
			wantErr: true,
			errMsg:  "created_at is required",
		},
		{
			name: "task priority out of range",
			entity: Entity{ID: "bl-1", CreatedAt: now, UpdatedAt: now, Traits: []Trait{
				NewTaskTrait(TaskTrait{Title: "x", Type: "task", Status: "open", Priority: 7}),
			}},
			wantErr: true,
			errMsg:  "priority must be between 0 and 4",
		},
		{
			name: "two task traits",
			entity: Entity{ID: "bl-1", CreatedAt: now, UpdatedAt: now, Traits: []Trait{
				NewTaskTrait(TaskTrait{Title: "x", Type: "task", Status: "open"}),
				NewTaskTrait(TaskTrait{Title: "y", Type: "task", Status: "open"}),
			}},
			wantErr: true,
			errMsg:  "at most one task trait",
		},
		{
			name: "invalid link type",
			entity: Entity{ID: "bl-1", CreatedAt: now, UpdatedAt: now, Traits: []Trait{
				NewLinkTrait("bl-2", "owns"),
			}},
			wantErr: true,
			errMsg:  "invalid link type",
		},
		{
			name: "kind does not match value",
			entity: Entity{ID: "bl-1", CreatedAt: now, UpdatedAt: now, Traits: []Trait{
				{Kind: TraitLink, Collection: &CollectionTrait{Name: "inbox"}},
			}},
			wantErr: true,
			errMsg:  "no link value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entity.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestEntity_SetDefaults(t *testing.T) {
	e := &Entity{Traits: []Trait{NewTaskTrait(TaskTrait{Title: "x"})}}
	e.SetDefaults()

	if e.ID == "" {
		t.Error("SetDefaults() did not assign an id")
	}
	if e.CreatedAt.IsZero() || e.UpdatedAt.IsZero() {
		t.Error("SetDefaults() did not assign timestamps")
	}
	task := e.Task()
	if task.Status != "open" || task.Type != "task" {
		t.Errorf("task defaults = %q/%q, want open/task", task.Status, task.Type)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("Validate() after SetDefaults() failed: %v", err)
	}
}

func TestEntity_SameVersion(t *testing.T) {
	a := &Entity{ID: "bl-1", Version: 3}
	b := &Entity{ID: "bl-1", Version: 3}
	c := &Entity{ID: "bl-1", Version: 4}

	if !a.SameVersion(b) {
		t.Error("identical id and version should be the same version")
	}
	if a.SameVersion(c) {
		t.Error("different versions should not compare equal")
	}
	if a.SameVersion(nil) {
		t.Error("entity should not equal nil")
	}
}

func TestEntity_Accessors(t *testing.T) {
	e := newTestEntity("bl-1")
	e.Traits = append(e.Traits, NewLinkTrait("bl-2", LinkBlocks), NewCollectionTrait("work"))

	if got := e.Task().Title; got != "Write docs" {
		t.Errorf("Task().Title = %q", got)
	}
	if got := e.Collections(); len(got) != 2 || got[0] != "inbox" || got[1] != "work" {
		t.Errorf("Collections() = %v", got)
	}
	if got := e.Links(); len(got) != 1 || got[0].To != "bl-2" {
		t.Errorf("Links() = %v", got)
	}
	kinds := e.Kinds()
	if len(kinds) != 3 || kinds[0] != TraitTask || kinds[1] != TraitCollection || kinds[2] != TraitLink {
		t.Errorf("Kinds() = %v", kinds)
	}
}

func TestTrait_JSON(t *testing.T) {
	data, err := json.Marshal(NewLinkTrait("bl-2", LinkBlocks))
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"link"`) {
		t.Errorf("marshaled trait = %s, want kind name", data)
	}

	var unknown Trait
	if err := json.Unmarshal([]byte(`{"kind":"contact"}`), &unknown); err == nil {
		t.Error("Unmarshal() should reject unregistered trait kinds")
	}
}

func TestEntityIDFromFilename(t *testing.T) {
	id, err := EntityIDFromFilename("/tmp/entities/bl-42.json")
	if err != nil {
		t.Fatalf("EntityIDFromFilename() failed: %v", err)
	}
	if id != "bl-42" {
		t.Errorf("id = %q, want bl-42", id)
	}
	if _, err := EntityIDFromFilename("notes.txt"); err == nil {
		t.Error("EntityIDFromFilename() should reject non-json names")
	}
}

func TestWriteReadEntityFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "entities")
	e := newTestEntity("bl-1")

	if err := WriteEntityFile(dir, e); err != nil {
		t.Fatalf("WriteEntityFile() failed: %v", err)
	}

	got, err := ReadEntityFile(filepath.Join(dir, "bl-1.json"))
	if err != nil {
		t.Fatalf("ReadEntityFile() failed: %v", err)
	}
	if got.ID != e.ID || got.Task().Title != "Write docs" {
		t.Errorf("read back %+v", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the entity file in %s, got %d entries", dir, len(entries))
	}
}

func TestReadAllEntityFiles_SkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := WriteEntityFile(dir, newTestEntity("bl-1")); err != nil {
		t.Fatalf("WriteEntityFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatalf("Failed to write broken file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644); err != nil {
		t.Fatalf("Failed to write readme: %v", err)
	}

	entities, err := ReadAllEntityFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllEntityFiles() failed: %v", err)
	}
	if len(entities) != 1 {
		t.Errorf("got %d entities, want 1", len(entities))
	}

	missing, err := ReadAllEntityFiles(filepath.Join(dir, "missing"))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing directory should yield no entities, got %v, %v", missing, err)
	}
}
