// Package filesync keeps the entity store in sync with the entity files on disk.
//
// Files are the source of truth: each {id}.json file in the entities directory
// holds one entity. A full sync upserts every valid file and removes store
// entities whose file is gone. Individual file failures are logged and counted;
// they do not stop a full sync.
package filesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/schema"
	"github.com/steveyegge/beads-live/internal/store"
)

// Syncer applies entity files to the store.
type Syncer interface {
	// SyncEntity reads one entity file and upserts it.
	//
	// Example:
	//   change, err := syncer.SyncEntity("/path/to/entities/01hx....json")
	SyncEntity(path string) (Change, error)

	// DeleteEntity removes an entity whose file was deleted. Deleting a
	// missing entity is not an error.
	DeleteEntity(id string) (Change, error)

	// FullSync applies every file in dir and prunes entities without a file.
	FullSync(dir string) (*Result, error)
}

// Change describes what one sync step did to the store.
type Change struct {
	ID string
	// Old is the stored entity before the change, nil if there was none.
	Old *schema.Entity
	// Entity is the stored entity after the change, nil after a delete.
	Entity *schema.Entity
}

// Applied reports whether the store was modified.
func (c Change) Applied() bool {
	return c.Old != nil || c.Entity != nil
}

// Deleted reports whether the change removed an entity.
func (c Change) Deleted() bool {
	return c.Old != nil && c.Entity == nil
}

// Result summarizes a full sync.
type Result struct {
	Processed int
	Unchanged int
	Failed    int
	Deleted   int
	Duration  time.Duration
	Changes   []Change
}

type syncer struct {
	store *store.Store
	log   zerolog.Logger
}

// New creates a Syncer writing to s. A nil logger disables logging.
func New(s *store.Store, logger *zerolog.Logger) Syncer {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "filesync").Logger()
	}
	return &syncer{store: s, log: log}
}

// SyncEntity implements Syncer.SyncEntity.
func (s *syncer) SyncEntity(path string) (Change, error) {
	entity, err := schema.ReadEntityFile(path)
	if err != nil {
		return Change{}, err
	}
	if id, err := schema.EntityIDFromFilename(path); err == nil && id != entity.ID {
		return Change{}, fmt.Errorf("entity file %s holds id %s", filepath.Base(path), entity.ID)
	}

	ctx := context.Background()
	old, err := s.store.GetContext(ctx, entity.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Change{}, fmt.Errorf("failed to load entity %s: %w", entity.ID, err)
	}
	if old != nil && sameContent(old, entity) {
		return Change{ID: entity.ID}, nil
	}

	if err := s.store.PutContext(ctx, entity); err != nil {
		return Change{}, fmt.Errorf("failed to sync entity to store: %w", err)
	}

	s.log.Debug().Str("entity", entity.ID).Uint64("version", entity.Version).Msg("synced entity")
	return Change{ID: entity.ID, Old: old, Entity: entity}, nil
}

// DeleteEntity implements Syncer.DeleteEntity.
func (s *syncer) DeleteEntity(id string) (Change, error) {
	ctx := context.Background()
	old, err := s.store.GetContext(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Change{ID: id}, nil
	}
	if err != nil {
		return Change{}, fmt.Errorf("failed to load entity %s: %w", id, err)
	}
	if err := s.store.DeleteContext(ctx, id); err != nil {
		return Change{}, fmt.Errorf("failed to delete entity: %w", err)
	}

	s.log.Debug().Str("entity", id).Msg("deleted entity")
	return Change{ID: id, Old: old}, nil
}

// FullSync implements Syncer.FullSync.
func (s *syncer) FullSync(dir string) (*Result, error) {
	start := time.Now()
	res := &Result{}
	s.log.Info().Str("dir", dir).Msg("starting full sync")

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read entities directory: %w", err)
	}
	if os.IsNotExist(err) {
		s.log.Info().Str("dir", dir).Msg("entities directory doesn't exist (pruning only)")
	}

	onDisk := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id, err := schema.EntityIDFromFilename(entry.Name())
		if err != nil {
			continue
		}
		onDisk[id] = true

		change, err := s.SyncEntity(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to sync entity")
			res.Failed++
			continue
		}
		res.Processed++
		if change.Applied() {
			res.Changes = append(res.Changes, change)
		} else {
			res.Unchanged++
		}
	}

	ids, err := s.store.IDs(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to list stored entities: %w", err)
	}
	for _, id := range ids {
		if onDisk[id] {
			continue
		}
		change, err := s.DeleteEntity(id)
		if err != nil {
			s.log.Warn().Err(err).Str("entity", id).Msg("failed to prune entity")
			res.Failed++
			continue
		}
		if change.Deleted() {
			res.Deleted++
			res.Changes = append(res.Changes, change)
		}
	}

	res.Duration = time.Since(start)
	s.log.Info().
		Int("processed", res.Processed).
		Int("unchanged", res.Unchanged).
		Int("failed", res.Failed).
		Int("deleted", res.Deleted).
		Dur("duration", res.Duration).
		Msg("full sync complete")
	return res, nil
}

// sameContent compares everything the file controls; Version belongs to the store.
func sameContent(stored, file *schema.Entity) bool {
	a, b := *stored, *file
	a.Version, b.Version = 0, 0
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
