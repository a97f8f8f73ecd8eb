package query

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/beads-live/internal/schema"
)

// Snapshot is the full current content of one page.
type Snapshot struct {
	Entities []schema.Entity `json:"entities"`
	// HasNextPage reports whether entities exist past the end of this page.
	HasNextPage bool `json:"has_next_page"`
	// NextPage is the paging window continuing after this page. It is set
	// whenever the page returned at least one entity.
	NextPage *Paging `json:"next_page,omitempty"`
}

// Status classifies a subscription update.
type Status uint8

const (
	// StatusOK carries a fresh snapshot.
	StatusOK Status = iota
	// StatusError reports that the stream failed and will deliver nothing more.
	StatusError
	// StatusDone reports that the store ended the stream.
	StatusDone
)

var statusNames = map[Status]string{
	StatusOK:    "ok",
	StatusError: "error",
	StatusDone:  "done",
}

// String returns the status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown status %d", s)
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Update is one delivery on a subscription.
type Update struct {
	Status   Status
	Snapshot *Snapshot
	Err      error
}

// Failed reports whether the update ends the stream.
func (u Update) Failed() bool {
	return u.Status != StatusOK
}

type updateJSON struct {
	Status   Status    `json:"status"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (u Update) MarshalJSON() ([]byte, error) {
	raw := updateJSON{Status: u.Status, Snapshot: u.Snapshot}
	if u.Err != nil {
		raw.Error = u.Err.Error()
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Update) UnmarshalJSON(data []byte) error {
	var raw updateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = Update{Status: raw.Status, Snapshot: raw.Snapshot}
	if raw.Error != "" {
		u.Err = errors.New(raw.Error)
	}
	return nil
}

// Subscription is a live query. Updates delivers snapshots in the order the
// store produced them; the channel is closed when the stream ends, after an
// error or done update, or after Close.
type Subscription interface {
	Updates() <-chan Update
	// Close releases the subscription. It is safe to call more than once.
	Close()
}
