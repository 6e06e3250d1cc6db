package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/seanhagen/chatwire/internal/domain"
)

const defaultPollInterval = 100 * time.Millisecond

// SQLite is a durable queue backed by a single table. Items survive
// process restarts; an item claimed by a worker that crashes before
// acking becomes visible again once its window lapses.
type SQLite struct {
	db         *sql.DB
	visibility time.Duration
	poll       time.Duration
}

// SQLiteOption configures a SQLite queue.
type SQLiteOption func(*SQLite)

// WithSQLiteVisibility sets the redelivery window for claimed items.
func WithSQLiteVisibility(d time.Duration) SQLiteOption {
	return func(q *SQLite) { q.visibility = d }
}

// WithPollInterval sets how often a blocked Dequeue re-checks the table.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(q *SQLite) { q.poll = d }
}

// NewSQLite opens (creating if needed) a durable queue at dbPath.
func NewSQLite(dbPath string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	q := &SQLite{
		db:         db,
		visibility: defaultVisibility,
		poll:       defaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return q, nil
}

func (q *SQLite) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'ready',
			visible_at INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_state ON queue_items(state, visible_at)`,
	}

	for _, stmt := range statements {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Enqueue inserts one ready item.
func (q *SQLite) Enqueue(ctx context.Context, item domain.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_items (payload, state, visible_at, created_at) VALUES (?, 'ready', 0, ?)`,
		string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Dequeue claims the oldest deliverable item, polling until one exists
// or ctx is done. Batch size is one: a worker owns a single generation
// at a time.
func (q *SQLite) Dequeue(ctx context.Context) (domain.WorkItem, Handle, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		item, handle, ok, err := q.tryClaim(ctx)
		if err != nil {
			return domain.WorkItem{}, "", err
		}
		if ok {
			return item, handle, nil
		}

		select {
		case <-ctx.Done():
			return domain.WorkItem{}, "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLite) tryClaim(ctx context.Context) (domain.WorkItem, Handle, bool, error) {
	now := time.Now().UnixNano()
	deadline := time.Now().Add(q.visibility).UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, "", false, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload FROM queue_items
		WHERE state = 'ready' OR (state = 'inflight' AND visible_at <= ?)
		ORDER BY id LIMIT 1`, now).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, "", false, nil
	}
	if err != nil {
		return domain.WorkItem{}, "", false, fmt.Errorf("failed to select item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET state = 'inflight', visible_at = ?, attempts = attempts + 1
		WHERE id = ?`, deadline, id); err != nil {
		return domain.WorkItem{}, "", false, fmt.Errorf("failed to claim item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, "", false, fmt.Errorf("failed to commit claim: %w", err)
	}

	var item domain.WorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return domain.WorkItem{}, "", false, fmt.Errorf("failed to unmarshal work item: %w", err)
	}

	return item, Handle(strconv.FormatInt(id, 10)), true, nil
}

// Ack deletes the completed item.
func (q *SQLite) Ack(ctx context.Context, handle Handle) error {
	id, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return ErrUnknownHandle
	}

	result, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ? AND state = 'inflight'`, id)
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	if rows == 0 {
		return ErrUnknownHandle
	}
	return nil
}

// Nack makes the item deliverable again immediately.
func (q *SQLite) Nack(ctx context.Context, handle Handle) error {
	id, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return ErrUnknownHandle
	}

	result, err := q.db.ExecContext(ctx,
		`UPDATE queue_items SET state = 'ready', visible_at = 0 WHERE id = ? AND state = 'inflight'`, id)
	if err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	if rows == 0 {
		return ErrUnknownHandle
	}
	return nil
}

// Close closes the underlying database.
func (q *SQLite) Close() error {
	return q.db.Close()
}

var _ Queue = (*SQLite)(nil)
