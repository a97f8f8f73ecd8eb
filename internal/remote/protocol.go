// Package remote serves live queries over WebSocket and consumes them from
// the other end.
//
// Every frame is a JSON Message. A client opens a live query with a watch
// message carrying a client-chosen ID and receives update messages with the
// same ID until it sends unwatch or the stream ends. Server-wide events
// (entity changes, sync runs, statistics) are broadcast to every connection.
package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/beads-live/internal/query"
)

// MessageType defines the type of a protocol message
type MessageType string

const (
	// MessageTypeWatch opens a live query (client to server)
	MessageTypeWatch MessageType = "watch"

	// MessageTypeUnwatch closes a live query (client to server)
	MessageTypeUnwatch MessageType = "unwatch"

	// MessageTypeUpdate carries one live query update (server to client)
	MessageTypeUpdate MessageType = "update"

	// MessageTypeEntityUpdate indicates an entity was created, updated, or deleted
	MessageTypeEntityUpdate MessageType = "entity_update"

	// MessageTypeSyncComplete indicates a full sync completed
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats carries store statistics
	MessageTypeStats MessageType = "stats"
)

// Message is one WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WatchRequest is the payload of a watch message.
type WatchRequest struct {
	Query query.Query `json:"query"`
}

// EntityUpdateData contains entity change information
type EntityUpdateData struct {
	EntityID string   `json:"entity_id"`
	Action   string   `json:"action"` // created, updated, deleted
	Version  uint64   `json:"version,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
	Title    string   `json:"title,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// SyncCompleteData contains sync completion information
type SyncCompleteData struct {
	EntitiesProcessed int           `json:"entities_processed"`
	EntitiesFailed    int           `json:"entities_failed"`
	EntitiesDeleted   int           `json:"entities_deleted"`
	Duration          time.Duration `json:"duration"`
}

// NewMessage builds a message with data marshaled as its payload.
func NewMessage(typ MessageType, id string, data interface{}) (Message, error) {
	msg := Message{Type: typ, ID: id, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
