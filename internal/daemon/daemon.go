// Package daemon provides the sync daemon that keeps the entity store in step
// with the entity files on disk.
//
// The daemon:
// 1. Performs a full sync on start
// 2. Watches the entities directory for *.json changes
// 3. Applies changes after a debounce interval, so bursts of writes collapse
// 4. Periodically re-runs a full sync to repair missed events
// 5. Tells an optional Notifier about every applied change
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/filesync"
	"github.com/steveyegge/beads-live/internal/schema"
)

// Notifier receives the changes the daemon applied to the store.
type Notifier interface {
	OnEntityPut(old, entity *schema.Entity)
	OnEntityDeleted(id string)
	OnSyncComplete(processed, failed, deleted int, duration time.Duration)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must stay quiet before it is synced
	DebounceInterval time.Duration

	// FullSyncInterval is how often to re-run a full sync (0 disables)
	FullSyncInterval time.Duration

	// Notifier is told about applied changes (optional)
	Notifier Notifier

	// Logger for daemon activity (default: disabled)
	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		FullSyncInterval: 5 * time.Minute,
	}
}

// Daemon orchestrates file watching and store synchronization.
type Daemon struct {
	syncer filesync.Syncer
	dir    string
	config *Config
	log    zerolog.Logger

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	// syncMu serializes full syncs with incremental changes
	syncMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon applying files in dir through syncer. Use Start() to
// begin watching and syncing.
func New(syncer filesync.Syncer, dir string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("entities directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "daemon").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		dir:         dir,
		config:      &cfg,
		log:         log,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start performs the initial full sync, then watches and syncs until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info().Str("dir", d.dir).Msg("starting daemon")

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("failed to create entities directory: %w", err)
	}

	// Watch before the initial sync so no change slips between the two
	if err := d.watcher.Start(d.dir); err != nil {
		return err
	}

	if _, err := d.PerformFullSync(); err != nil {
		_ = d.watcher.Stop()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.config.FullSyncInterval > 0 {
		d.wg.Add(1)
		go d.periodicFullSync()
	}

	select {
	case <-ctx.Done():
		d.log.Info().Msg("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.log.Info().Msg("stopping daemon")

	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.log.Warn().Err(err).Msg("error closing watcher")
	}

	d.wg.Wait()

	d.log.Info().Msg("daemon stopped")
	return nil
}

// PerformFullSync applies every entity file and prunes entities without one.
func (d *Daemon) PerformFullSync() (*filesync.Result, error) {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	res, err := d.syncer.FullSync(d.dir)
	if err != nil {
		return nil, err
	}
	for _, change := range res.Changes {
		d.notify(change)
	}
	if n := d.config.Notifier; n != nil {
		n.OnSyncComplete(res.Processed, res.Failed, res.Deleted, res.Duration)
	}
	return res, nil
}

// watchFileEvents queues changes reported by the file watcher.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	events := d.watcher.Events()
	errs := d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			d.log.Debug().Str("op", event.Op.String()).Str("path", event.Path).Msg("file event")
			d.queueChange(event.Path)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	now := time.Now()
	var ready []string

	d.changeQueueMu.Lock()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	if len(ready) == 0 {
		return
	}

	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	for _, path := range ready {
		if err := d.syncFile(path); err != nil {
			d.log.Warn().Err(err).Str("path", path).Msg("failed to sync entity file")
		}
	}
}

// syncFile applies the current state of one entity file.
func (d *Daemon) syncFile(path string) error {
	var (
		change filesync.Change
		err    error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		id, idErr := schema.EntityIDFromFilename(path)
		if idErr != nil {
			return idErr
		}
		change, err = d.syncer.DeleteEntity(id)
	} else {
		change, err = d.syncer.SyncEntity(path)
	}
	if err != nil {
		return err
	}
	d.notify(change)
	return nil
}

func (d *Daemon) notify(change filesync.Change) {
	n := d.config.Notifier
	if n == nil || !change.Applied() {
		return
	}
	if change.Deleted() {
		n.OnEntityDeleted(change.ID)
		return
	}
	n.OnEntityPut(change.Old, change.Entity)
}

// periodicFullSync repairs drift from missed file events.
func (d *Daemon) periodicFullSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if _, err := d.PerformFullSync(); err != nil {
				d.log.Warn().Err(err).Msg("periodic full sync failed")
			}
		}
	}
}
