package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/wachiwi/recarga/pkg/code"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	_ "modernc.org/sqlite"
)

var prunedCounter metric.Int64Counter

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/recarga/pkg/history")
	prunedCounter, err = meter.Int64Counter("recarga.history.pruned",
		metric.WithDescription("Dial history entries removed by retention"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		slog.Error("Failed to create history prune counter", "error", err)
	}
}

// Entry is one dialed recharge code.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Dial      string    `json:"dial"`
	Timestamp time.Time `json:"timestamp"`
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS dials (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	code TEXT NOT NULL,
	dial TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dials_created_at ON dials(created_at);
`

// Open opens (and creates if needed) the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add stores e, filling in ID and Timestamp when unset.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Code == "" {
		return e, errors.New("history entry without code")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dials(id, session_id, code, dial, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Code, e.Dial, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return e, fmt.Errorf("insert dial: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, code, dial, created_at FROM dials ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dials: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ns int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Code, &e.Dial, &ns); err != nil {
			return nil, fmt.Errorf("scan dial: %w", err)
		}
		e.Timestamp = time.Unix(0, ns).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than retention and returns how many went.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM dials WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	prunedCounter.Add(ctx, n)
	return n, nil
}

// Recorder appends every triggered code to the store.
type Recorder struct {
	Store     *Store
	SessionID string
}

func (r *Recorder) Trigger(ctx context.Context, c string, tmpl code.Template) error {
	_, err := r.Store.Add(ctx, Entry{SessionID: r.SessionID, Code: c, Dial: tmpl.Format(c)})
	return err
}
