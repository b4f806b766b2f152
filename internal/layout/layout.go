// Package layout saves and restores the rendered graph as a local
// convenience snapshot. The backend stays authoritative; a stored layout
// only puts locations back where the user last left them.
package layout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/logging"
)

// Key is the key the graph snapshot is stored under.
const Key = "graphPositions"

// ErrNotFound indicates no value is stored under the key.
var ErrNotFound = errors.New("layout not found")

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		s.log = logging.OrNoop(l)
	}
}

// WithNow replaces time.Now for saved-at stamps.
func WithNow(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Store is a small SQLite key/value table.
type Store struct {
	db  *sql.DB
	log logging.Logger
	now func() time.Time
}

// Open opens or creates the layout database at path. ":memory:" gives a
// private in-memory store.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening layout database: %w", err)
	}
	// SQLite doesn't support concurrent writes, and an in-memory database
	// lives on a single connection.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  saved_at TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating layout schema: %w", err)
	}

	s := &Store{db: db, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, saved_at) VALUES (?, ?, ?)`, key, string(value), stamp)
	if err != nil {
		return fmt.Errorf("storing %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key and when it was saved.
func (s *Store) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	var value, stamp string
	err := s.db.QueryRowContext(ctx, `SELECT value, saved_at FROM kv WHERE key = ?`, key).Scan(&value, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading %q: %w", key, err)
	}
	savedAt, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading %q: bad saved_at %q: %w", key, stamp, err)
	}
	return []byte(value), savedAt, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

// Save stores the whole graph as {nodes, edges} under Key.
func (s *Store) Save(ctx context.Context, g *graph.Graph) error {
	return s.SaveSnapshot(ctx, g.Export())
}

// SaveSnapshot stores snap under Key.
func (s *Store) SaveSnapshot(ctx context.Context, snap graph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding layout: %w", err)
	}
	if err := s.Put(ctx, Key, data); err != nil {
		return err
	}
	s.log.Info(ctx, "layout saved",
		logging.Int("nodes", len(snap.Nodes)), logging.Int("edges", len(snap.Edges)))
	return nil
}

// Load returns the stored snapshot and when it was saved.
func (s *Store) Load(ctx context.Context) (graph.Snapshot, time.Time, error) {
	data, savedAt, err := s.Get(ctx, Key)
	if err != nil {
		return graph.Snapshot{}, time.Time{}, err
	}
	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return graph.Snapshot{}, time.Time{}, fmt.Errorf("decoding layout: %w", err)
	}
	return snap, savedAt, nil
}

// Apply moves every location of g that appears in snap to its stored
// position and returns how many were moved. Items are left to the
// animation, and nodes missing on either side are ignored.
func Apply(g *graph.Graph, snap graph.Snapshot) int {
	moved := 0
	for _, n := range snap.Nodes {
		if n.Type != graph.TypeLocation || g.NodeType(n.ID) != graph.TypeLocation {
			continue
		}
		x, okX := number(n.Attrs[graph.AttrX])
		y, okY := number(n.Attrs[graph.AttrY])
		if !okX || !okY {
			continue
		}
		p, _ := g.Position(n.ID)
		if p.X == x && p.Y == y {
			continue
		}
		p.X, p.Y = x, y
		if err := g.SetPosition(n.ID, p); err == nil {
			moved++
		}
	}
	return moved
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Restore loads the stored layout and applies it to g.
func (s *Store) Restore(ctx context.Context, g *graph.Graph) (int, error) {
	snap, _, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	moved := Apply(g, snap)
	s.log.Info(ctx, "layout restored", logging.Int("moved", moved))
	return moved, nil
}
