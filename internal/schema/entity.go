// Package schema provides the entity and trait types stored by beads-live.
package schema

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity is one record in the store. ID is stable for the life of the entity;
// Version is assigned by the store and grows on every write.
type Entity struct {
	ID      string `json:"id"`
	Version uint64 `json:"version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Traits []Trait `json:"traits"`
}

// NewID returns a new time-ordered entity identifier.
func NewID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// Validate checks if the Entity has valid field values.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(e.ID, `/\`) {
		return fmt.Errorf("id must not contain path separators")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	for i := range e.Traits {
		if err := e.Traits[i].Validate(); err != nil {
			return fmt.Errorf("trait %d: %w", i, err)
		}
	}
	if n := e.count(TraitTask); n > 1 {
		return fmt.Errorf("at most one task trait allowed (got %d)", n)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *Entity) SetDefaults() {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.Traits == nil {
		e.Traits = []Trait{}
	}
	if task := e.Task(); task != nil {
		if task.Status == "" {
			task.Status = "open"
		}
		if task.Type == "" {
			task.Type = "task"
		}
	}
}

// UpdateTimestamp sets UpdatedAt to current time.
func (e *Entity) UpdateTimestamp() {
	e.UpdatedAt = time.Now().UTC()
}

// SameVersion reports whether other is the same revision of the same entity.
func (e *Entity) SameVersion(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.ID == other.ID && e.Version == other.Version
}

// Task returns the entity's task trait, or nil.
func (e *Entity) Task() *TaskTrait {
	for _, t := range e.Traits {
		if t.Kind == TraitTask {
			return t.Task
		}
	}
	return nil
}

// Links returns every link trait of the entity.
func (e *Entity) Links() []LinkTrait {
	var links []LinkTrait
	for _, t := range e.Traits {
		if t.Kind == TraitLink && t.Link != nil {
			links = append(links, *t.Link)
		}
	}
	return links
}

// Collections returns the names of the collections the entity belongs to.
func (e *Entity) Collections() []string {
	var names []string
	for _, t := range e.Traits {
		if t.Kind == TraitCollection && t.Collection != nil {
			names = append(names, t.Collection.Name)
		}
	}
	return names
}

// Kinds returns the distinct trait kinds carried by the entity, in first-seen order.
func (e *Entity) Kinds() []TraitKind {
	var kinds []TraitKind
	seen := make(map[TraitKind]bool)
	for _, t := range e.Traits {
		if !seen[t.Kind] {
			seen[t.Kind] = true
			kinds = append(kinds, t.Kind)
		}
	}
	return kinds
}

func (e *Entity) count(kind TraitKind) int {
	n := 0
	for _, t := range e.Traits {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// Filename returns the canonical filename for this entity: {id}.json
func (e *Entity) Filename() string {
	return fmt.Sprintf("%s.json", e.ID)
}

// EntityIDFromFilename extracts the entity ID from a {id}.json filename.
func EntityIDFromFilename(name string) (string, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") || len(base) == len(".json") {
		return "", fmt.Errorf("not an entity filename: %s", name)
	}
	return strings.TrimSuffix(base, ".json"), nil
}

// ReadEntityFile reads and parses an entity JSON file from the given path.
func ReadEntityFile(path string) (*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity file %s: %w", path, err)
	}

	var entity Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("failed to parse entity file %s: %w", path, err)
	}

	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity file %s: %w", path, err)
	}

	return &entity, nil
}

// WriteEntityFile writes an Entity to dir/{id}.json with pretty-printed formatting.
// The file is written to a temporary name first and renamed into place so
// watchers never observe a partial file.
func WriteEntityFile(dir string, entity *Entity) error {
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid entity: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create entities directory: %w", err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s: %w", entity.ID, err)
	}

	path := filepath.Join(dir, entity.Filename())
	tmp := filepath.Join(dir, "."+entity.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write entity file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move entity file into place %s: %w", path, err)
	}

	return nil
}

// ReadAllEntityFiles reads all entity files from the given directory.
// Invalid files are skipped with a warning to stderr.
func ReadAllEntityFiles(dir string) ([]*Entity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Entity{}, nil // Empty directory is valid
		}
		return nil, fmt.Errorf("failed to read entities directory: %w", err)
	}

	var entities []*Entity
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		entity, err := ReadEntityFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid entity file %s: %v\n", entry.Name(), err)
			continue
		}

		entities = append(entities, entity)
	}

	return entities, nil
}
