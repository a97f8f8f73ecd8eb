package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// TraitKind identifies one of the trait types an entity can carry.
// The set is closed: every kind is listed in traitKindNames at compile time.
type TraitKind uint8

const (
	// TraitTask marks an entity as a unit of work.
	TraitTask TraitKind = iota + 1
	// TraitLink relates an entity to another entity.
	TraitLink
	// TraitCollection places an entity in a named collection.
	TraitCollection
)

var traitKindNames = map[TraitKind]string{
	TraitTask:       "task",
	TraitLink:       "link",
	TraitCollection: "collection",
}

var traitKindsByName = func() map[string]TraitKind {
	m := make(map[string]TraitKind, len(traitKindNames))
	for k, name := range traitKindNames {
		m[name] = k
	}
	return m
}()

// String returns the registered name of the kind.
func (k TraitKind) String() string {
	if name, ok := traitKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseTraitKind resolves a registered kind name.
func ParseTraitKind(name string) (TraitKind, error) {
	k, ok := traitKindsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown trait kind %q", name)
	}
	return k, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k TraitKind) MarshalText() ([]byte, error) {
	name, ok := traitKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown trait kind %d", k)
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TraitKind) UnmarshalText(text []byte) error {
	parsed, err := ParseTraitKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TaskTrait holds the work-tracking fields of an entity.
type TaskTrait struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`   // bug, feature, task, epic, chore
	Status      string `json:"status"` // open, in_progress, blocked, closed

	Priority int `json:"priority"` // 0-4 (P0=critical, P4=backlog)

	AssignedAgent string   `json:"assigned_agent,omitempty"`
	Tags          []string `json:"tags,omitempty"`

	DueAt      *time.Time `json:"due_at,omitempty"`
	DeferUntil *time.Time `json:"defer_until,omitempty"`
}

// Validate checks the task fields.
func (t *TaskTrait) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if t.Type == "" {
		return fmt.Errorf("type is required")
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// Valid link types.
const (
	LinkBlocks         = "blocks"
	LinkRelated        = "related"
	LinkParentChild    = "parent-child"
	LinkDiscoveredFrom = "discovered-from"
)

// LinkTrait relates the owning entity to another entity.
type LinkTrait struct {
	To   string `json:"to"`
	Type string `json:"type"`
}

// Validate checks the link fields.
func (l *LinkTrait) Validate() error {
	if l.To == "" {
		return fmt.Errorf("link target is required")
	}
	switch l.Type {
	case LinkBlocks, LinkRelated, LinkParentChild, LinkDiscoveredFrom:
		return nil
	default:
		return fmt.Errorf("invalid link type %q", l.Type)
	}
}

// CollectionTrait places the owning entity in a collection.
type CollectionTrait struct {
	Name string `json:"name"`
}

// Trait is a tagged union: Kind selects which one of the pointer fields is set.
type Trait struct {
	Kind       TraitKind
	Task       *TaskTrait
	Link       *LinkTrait
	Collection *CollectionTrait
}

// NewTaskTrait wraps a task as a trait.
func NewTaskTrait(t TaskTrait) Trait {
	return Trait{Kind: TraitTask, Task: &t}
}

// NewLinkTrait wraps a link as a trait.
func NewLinkTrait(to, typ string) Trait {
	return Trait{Kind: TraitLink, Link: &LinkTrait{To: to, Type: typ}}
}

// NewCollectionTrait wraps a collection membership as a trait.
func NewCollectionTrait(name string) Trait {
	return Trait{Kind: TraitCollection, Collection: &CollectionTrait{Name: name}}
}

// Validate checks that exactly the field matching Kind is set and valid.
func (t *Trait) Validate() error {
	set := 0
	if t.Task != nil {
		set++
	}
	if t.Link != nil {
		set++
	}
	if t.Collection != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%s trait must carry exactly one value (got %d)", t.Kind, set)
	}

	switch t.Kind {
	case TraitTask:
		if t.Task == nil {
			return fmt.Errorf("task trait has no task value")
		}
		return t.Task.Validate()
	case TraitLink:
		if t.Link == nil {
			return fmt.Errorf("link trait has no link value")
		}
		return t.Link.Validate()
	case TraitCollection:
		if t.Collection == nil || t.Collection.Name == "" {
			return fmt.Errorf("collection trait requires a name")
		}
		return nil
	default:
		return fmt.Errorf("unknown trait kind %d", t.Kind)
	}
}

type traitJSON struct {
	Kind       TraitKind        `json:"kind"`
	Task       *TaskTrait       `json:"task,omitempty"`
	Link       *LinkTrait       `json:"link,omitempty"`
	Collection *CollectionTrait `json:"collection,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (t Trait) MarshalJSON() ([]byte, error) {
	return json.Marshal(traitJSON(t))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Trait) UnmarshalJSON(data []byte) error {
	var raw traitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Trait(raw)
	return nil
}
