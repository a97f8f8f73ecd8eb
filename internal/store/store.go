// Package store provides the embedded SQLite entity store behind beads-live.
//
// Entities are kept in a single table with one precomputed ordering key per
// ordering field, so every query is a keyset scan over an index:
//
//   - Database file: .beads-live/entities.db
//   - WAL mode: live queries read while the daemon writes
//   - Ordering keys: zero-padded sort value followed by the entity ID, which
//     makes every key unique and lets a page boundary sit on an exact row
//
// Query returns one page. Watch keeps a query live and re-runs it after every
// committed mutation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/query"
	"github.com/steveyegge/beads-live/internal/schema"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// noTaskPriority sorts entities without a task trait after every real priority.
const noTaskPriority = 9

// Config holds configuration for a Store.
type Config struct {
	// DebounceInterval batches mutations before live queries re-run
	DebounceInterval time.Duration

	// BusyTimeout is how long a connection waits on a locked database
	BusyTimeout time.Duration

	// Logger for store activity (default: disabled)
	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 50 * time.Millisecond,
		BusyTimeout:      5 * time.Second,
	}
}

// Store is an entity store backed by an embedded SQLite database.
type Store struct {
	conn   *sql.DB
	path   string
	config *Config
	log    zerolog.Logger

	watchersMu sync.Mutex
	watchers   map[*watcher]struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Open creates a store at path, creating the parent directory and schema as
// needed. A nil config uses DefaultConfig.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	s, err := store.Open(".beads-live/entities.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
func Open(path string, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "store").Logger()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:     conn,
		path:     path,
		config:   config,
		log:      log,
		watchers: make(map[*watcher]struct{}),
		closing:  make(chan struct{}),
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close ends every live query and closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.wg.Wait()

		if _, cerr := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
			s.log.Warn().Err(cerr).Msg("failed to checkpoint WAL")
		}
		if cerr := s.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	})
	return err
}

func (s *Store) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// InitSchema creates the entities table and its ordering indexes. It is
// idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		traits TEXT NOT NULL,       -- JSON array of traits
		kinds TEXT NOT NULL,        -- JSON array of trait kind names
		collections TEXT NOT NULL,  -- JSON array of collection names
		status TEXT,                -- task status, NULL without a task trait
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,

		-- Ordering keys, unique per row
		ord_created TEXT NOT NULL,
		ord_updated TEXT NOT NULL,
		ord_priority TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
	CREATE INDEX IF NOT EXISTS idx_entities_ord_created ON entities(ord_created);
	CREATE INDEX IF NOT EXISTS idx_entities_ord_updated ON entities(ord_updated);
	CREATE INDEX IF NOT EXISTS idx_entities_ord_priority ON entities(ord_priority);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Put inserts or replaces an entity and stores the new version in e.Version.
func (s *Store) Put(e *schema.Entity) error {
	return s.PutContext(context.Background(), e)
}

// PutContext inserts or replaces an entity with context support.
func (s *Store) PutContext(ctx context.Context, e *schema.Entity) error {
	if s.closed() {
		return ErrClosed
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	row, err := newEntityRow(e)
	if err != nil {
		return err
	}

	stmt := `
	INSERT INTO entities (
		id, version, traits, kinds, collections, status,
		created_at, updated_at, ord_created, ord_updated, ord_priority
	) VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		version = entities.version + 1,
		traits = excluded.traits,
		kinds = excluded.kinds,
		collections = excluded.collections,
		status = excluded.status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		ord_created = excluded.ord_created,
		ord_updated = excluded.ord_updated,
		ord_priority = excluded.ord_priority
	RETURNING version
	`

	var version uint64
	err = s.conn.QueryRowContext(ctx, stmt,
		e.ID,
		row.traits,
		row.kinds,
		row.collections,
		row.status,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		row.ordCreated,
		row.ordUpdated,
		row.ordPriority,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to put entity %s: %w", e.ID, err)
	}
	e.Version = version

	s.notifyWatchers()
	return nil
}

// Delete removes an entity. Deleting a missing entity is not an error.
func (s *Store) Delete(id string) error {
	return s.DeleteContext(context.Background(), id)
}

// DeleteContext removes an entity with context support.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	if s.closed() {
		return ErrClosed
	}
	res, err := s.conn.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyWatchers()
	}
	return nil
}

// Get retrieves a single entity. Returns ErrNotFound if it does not exist.
func (s *Store) Get(id string) (*schema.Entity, error) {
	return s.GetContext(context.Background(), id)
}

// GetContext retrieves a single entity with context support.
func (s *Store) GetContext(ctx context.Context, id string) (*schema.Entity, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, version, traits, created_at, updated_at
	FROM entities
	WHERE id = ?
	`, id)

	var e schema.Entity
	var traits, createdAt, updatedAt string
	if err := row.Scan(&e.ID, &e.Version, &traits, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	if err := decodeEntity(&e, traits, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// IDs returns the identifiers of every stored entity.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity ids: %w", err)
	}
	return ids, nil
}

// Stats summarizes the store contents.
type Stats struct {
	Entities    int            `json:"entities" toml:"entities" yaml:"entities"`
	Tasks       int            `json:"tasks" toml:"tasks" yaml:"tasks"`
	ByStatus    map[string]int `json:"by_status" toml:"by_status" yaml:"by_status"`
	Collections map[string]int `json:"collections" toml:"collections" yaml:"collections"`
	Watchers    int            `json:"watchers" toml:"watchers" yaml:"watchers"`
}

// Count returns the total number of entities.
func (s *Store) Count() (int, error) {
	return s.CountContext(context.Background())
}

// CountContext returns the total number of entities with context support.
func (s *Store) CountContext(ctx context.Context) (int, error) {
	if s.closed() {
		return 0, ErrClosed
	}
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get entity count: %w", err)
	}
	return count, nil
}

// Stats returns entity counts by task status and collection.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	count, err := s.CountContext(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Entities:    count,
		ByStatus:    make(map[string]int),
		Collections: make(map[string]int),
	}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT status, COUNT(*) FROM entities
	WHERE status IS NOT NULL
	GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Tasks += n
	}
	rows.Close()

	rows, err = s.conn.QueryContext(ctx, `
	SELECT json_each.value, COUNT(*) FROM entities, json_each(entities.collections)
	GROUP BY json_each.value
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count collections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan collection count: %w", err)
		}
		stats.Collections[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}

	s.watchersMu.Lock()
	stats.Watchers = len(s.watchers)
	s.watchersMu.Unlock()
	return stats, nil
}

// Query runs q and returns one page of results.
func (s *Store) Query(ctx context.Context, q query.Query) (*query.Snapshot, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	stmt, args := buildSelect(q)
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	limit := q.Limit()
	snap := &query.Snapshot{Entities: make([]schema.Entity, 0, limit)}
	var lastOrd string
	for rows.Next() {
		var e schema.Entity
		var traits, createdAt, updatedAt, ord string
		if err := rows.Scan(&e.ID, &e.Version, &traits, &createdAt, &updatedAt, &ord); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if len(snap.Entities) == limit {
			snap.HasNextPage = true
			break
		}
		if err := decodeEntity(&e, traits, createdAt, updatedAt); err != nil {
			return nil, err
		}
		snap.Entities = append(snap.Entities, e)
		lastOrd = ord
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	if len(snap.Entities) > 0 {
		next := q.Paging.Clone()
		next.Count = limit
		if q.Ordering.Descending {
			next.BeforeOrderingValue = query.OrderingValue(lastOrd).Ptr()
		} else {
			next.AfterOrderingValue = query.OrderingValue(lastOrd).Ptr()
		}
		snap.NextPage = &next
	}
	return snap, nil
}

// buildSelect renders q as a keyset query fetching one row past the page.
func buildSelect(q query.Query) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	for _, kind := range q.Predicate.Traits {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(e.kinds) WHERE json_each.value = ?)")
		args = append(args, kind.String())
	}
	if q.Predicate.Status != "" {
		conditions = append(conditions, "e.status = ?")
		args = append(args, q.Predicate.Status)
	}
	if q.Predicate.Collection != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(e.collections) WHERE json_each.value = ?)")
		args = append(args, q.Predicate.Collection)
	}
	if len(q.Predicate.IDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.Predicate.IDs)), ",")
		conditions = append(conditions, "e.id IN ("+marks+")")
		for _, id := range q.Predicate.IDs {
			args = append(args, id)
		}
	}

	col := orderColumn(q.Ordering.Field)
	desc := q.Ordering.Descending
	if after := q.Paging.AfterOrderingValue; after != nil {
		op := ">"
		if desc {
			op = ">="
		}
		conditions = append(conditions, fmt.Sprintf("e.%s %s ?", col, op))
		args = append(args, string(*after))
	}
	if before := q.Paging.BeforeOrderingValue; before != nil {
		op := "<="
		if desc {
			op = "<"
		}
		conditions = append(conditions, fmt.Sprintf("e.%s %s ?", col, op))
		args = append(args, string(*before))
	}

	stmt := fmt.Sprintf(`SELECT e.id, e.version, e.traits, e.created_at, e.updated_at, e.%s
	FROM entities e`, col)
	if len(conditions) > 0 {
		stmt += " WHERE " + strings.Join(conditions, " AND ")
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	stmt += fmt.Sprintf(" ORDER BY e.%s %s LIMIT ?", col, dir)
	args = append(args, q.Limit()+1)

	return stmt, args
}

func orderColumn(f query.OrderField) string {
	switch f {
	case query.OrderByCreated:
		return "ord_created"
	case query.OrderByPriority:
		return "ord_priority"
	case query.OrderByID:
		return "id"
	default:
		return "ord_updated"
	}
}

// OrderingValue returns the key e sorts by under field, as used in page
// boundaries.
func OrderingValue(e *schema.Entity, field query.OrderField) query.OrderingValue {
	switch field {
	case query.OrderByCreated:
		return query.OrderingValue(timeKey(e.CreatedAt, e.ID))
	case query.OrderByPriority:
		priority := noTaskPriority
		if task := e.Task(); task != nil {
			priority = task.Priority
		}
		return query.OrderingValue(fmt.Sprintf("%d|%s", priority, timeKey(e.CreatedAt, e.ID)))
	case query.OrderByID:
		return query.OrderingValue(e.ID)
	default:
		return query.OrderingValue(timeKey(e.UpdatedAt, e.ID))
	}
}

func timeKey(t time.Time, id string) string {
	nanos := t.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return fmt.Sprintf("%020d|%s", nanos, id)
}

type entityRow struct {
	traits      string
	kinds       string
	collections string
	status      sql.NullString
	ordCreated  string
	ordUpdated  string
	ordPriority string
}

func newEntityRow(e *schema.Entity) (*entityRow, error) {
	traits := e.Traits
	if traits == nil {
		traits = []schema.Trait{}
	}
	traitsJSON, err := json.Marshal(traits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal traits: %w", err)
	}

	kinds := make([]string, 0, len(traits))
	for _, k := range e.Kinds() {
		kinds = append(kinds, k.String())
	}
	kindsJSON, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trait kinds: %w", err)
	}

	collections := e.Collections()
	if collections == nil {
		collections = []string{}
	}
	collectionsJSON, err := json.Marshal(collections)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal collections: %w", err)
	}

	row := &entityRow{
		traits:      string(traitsJSON),
		kinds:       string(kindsJSON),
		collections: string(collectionsJSON),
		ordCreated:  string(OrderingValue(e, query.OrderByCreated)),
		ordUpdated:  string(OrderingValue(e, query.OrderByUpdated)),
		ordPriority: string(OrderingValue(e, query.OrderByPriority)),
	}
	if task := e.Task(); task != nil {
		row.status = sql.NullString{String: task.Status, Valid: true}
	}
	return row, nil
}

func decodeEntity(e *schema.Entity, traits, createdAt, updatedAt string) error {
	if err := json.Unmarshal([]byte(traits), &e.Traits); err != nil {
		return fmt.Errorf("failed to unmarshal traits of %s: %w", e.ID, err)
	}
	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return fmt.Errorf("failed to parse created_at of %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return fmt.Errorf("failed to parse updated_at of %s: %w", e.ID, err)
	}
	return nil
}
