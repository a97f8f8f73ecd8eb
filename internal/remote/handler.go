package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/schema"
)

// Handler turns store events into broadcast messages.
// It bridges between the sync daemon and the WebSocket server.
type Handler struct {
	server *Server
	log    zerolog.Logger
}

// NewHandler creates a new event handler connected to a server
func NewHandler(server *Server, logger *zerolog.Logger) *Handler {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "handler").Logger()
	}
	return &Handler{server: server, log: log}
}

// OnEntityPut handles entity writes. old is nil for a new entity.
func (h *Handler) OnEntityPut(old, entity *schema.Entity) {
	action := "updated"
	if old == nil {
		action = "created"
	}
	h.log.Debug().Str("entity", entity.ID).Str("action", action).Uint64("version", entity.Version).Msg("entity written")

	data := EntityUpdateData{
		EntityID: entity.ID,
		Action:   action,
		Version:  entity.Version,
	}
	for _, k := range entity.Kinds() {
		data.Kinds = append(data.Kinds, k.String())
	}
	if task := entity.Task(); task != nil {
		data.Title = task.Title
		data.Status = task.Status
	}

	h.send(MessageTypeEntityUpdate, data)
	h.broadcastStats()
}

// OnEntityDeleted handles entity deletion events
func (h *Handler) OnEntityDeleted(id string) {
	h.log.Debug().Str("entity", id).Msg("entity deleted")

	h.send(MessageTypeEntityUpdate, EntityUpdateData{EntityID: id, Action: "deleted"})
	h.broadcastStats()
}

// OnSyncComplete handles full sync completion events
func (h *Handler) OnSyncComplete(processed, failed, deleted int, duration time.Duration) {
	h.log.Info().
		Int("processed", processed).
		Int("failed", failed).
		Int("deleted", deleted).
		Dur("duration", duration).
		Msg("sync complete")

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		EntitiesProcessed: processed,
		EntitiesFailed:    failed,
		EntitiesDeleted:   deleted,
		Duration:          duration,
	})
	h.broadcastStats()
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	stats, err := h.server.backend.Stats(context.Background())
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read stats")
		return
	}
	h.send(MessageTypeStats, stats)
}

func (h *Handler) send(typ MessageType, data interface{}) {
	msg, err := NewMessage(typ, "", data)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build message")
		return
	}
	h.server.Broadcast(msg)
}
