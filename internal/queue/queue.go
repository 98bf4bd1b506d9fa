// Package queue is the on-device durable telemetry queue. A packet handed to
// Enqueue stays in the queue until DeleteByIDs confirms its batch was
// accepted remotely.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/saviobatista/fleetsync/internal/codec"
	"github.com/saviobatista/fleetsync/internal/types"
)

// ErrDurability is returned when a packet could not be persisted locally.
// It is the only error the ingestion path treats as fatal.
var ErrDurability = errors.New("packet not durably persisted")

// Queue stores QueueItems in the local SQLite database
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a queue over an opened local database (see localdb.Open)
func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// NewWithClock is New with an injected time source for CreatedAt
func NewWithClock(db *sql.DB, now func() time.Time) *Queue {
	return &Queue{db: db, now: now}
}

// Enqueue persists packet for sessionID and returns the stored item. The
// write is committed before Enqueue returns. Enqueuing the same session and
// capture millisecond twice keeps the first item; inserted is false for the
// second call.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, packet types.TelemetryPacket) (item types.QueueItem, inserted bool, err error) {
	created := q.now()
	if packet.Timestamp.IsZero() {
		packet.Timestamp = created
	}

	item = types.QueueItem{
		ID:        types.QueueItemID(sessionID, packet.Timestamp),
		SessionID: sessionID,
		Packet:    packet,
		Status:    types.QueuePending,
		CreatedAt: created,
	}

	payload, err := codec.Marshal(packet)
	if err != nil {
		return types.QueueItem{}, false, fmt.Errorf("%w: failed to encode packet %s: %w", ErrDurability, item.ID, err)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_items (id, session_id, status, retry_count, created_at, captured_at, payload)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		item.ID, sessionID, string(types.QueuePending), created.UnixMilli(), packet.Timestamp.UnixMilli(), payload,
	)
	if err != nil {
		return types.QueueItem{}, false, fmt.Errorf("%w: failed to insert %s: %w", ErrDurability, item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.QueueItem{}, false, fmt.Errorf("%w: failed to confirm insert of %s: %w", ErrDurability, item.ID, err)
	}
	return item, n == 1, nil
}

// PeekBatch returns up to limit PENDING items, oldest capture first. It does
// not change any item.
func (q *Queue) PeekBatch(ctx context.Context, limit int) ([]types.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, session_id, status, retry_count, created_at, payload
		 FROM queue_items
		 WHERE status = ?
		 ORDER BY captured_at, id
		 LIMIT ?`,
		string(types.QueuePending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending batch: %w", err)
	}
	return scanItems(rows)
}

// ListBySession returns every queued item of one session in capture order
func (q *Queue) ListBySession(ctx context.Context, sessionID string) ([]types.QueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, session_id, status, retry_count, created_at, payload
		 FROM queue_items
		 WHERE session_id = ?
		 ORDER BY captured_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session %s: %w", sessionID, err)
	}
	return scanItems(rows)
}

// DeleteByIDs removes the given items in one transaction. Unknown ids are
// ignored.
func (q *Queue) DeleteByIDs(ctx context.Context, ids []string) error {
	return q.forEachID(ctx, ids, `DELETE FROM queue_items WHERE id = ?`)
}

// RecordAttempt increments the retry counter of the given items after a
// failed upload
func (q *Queue) RecordAttempt(ctx context.Context, ids []string) error {
	return q.forEachID(ctx, ids, `UPDATE queue_items SET retry_count = retry_count + 1 WHERE id = ?`)
}

// CountPending returns the number of PENDING items
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status = ?`, string(types.QueuePending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}

// CountPendingForSession returns the PENDING count of one session
func (q *Queue) CountPendingForSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE session_id = ? AND status = ?`,
		sessionID, string(types.QueuePending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items of %s: %w", sessionID, err)
	}
	return n, nil
}

// CountPendingBySession returns PENDING counts keyed by session id
func (q *Queue) CountPendingBySession(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*) FROM queue_items WHERE status = ? GROUP BY session_id`,
		string(types.QueuePending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending items by session: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			session string
			n       int
		)
		if err := rows.Scan(&session, &n); err != nil {
			return nil, err
		}
		counts[session] = n
	}
	return counts, rows.Err()
}

func (q *Queue) forEachID(ctx context.Context, ids []string, stmt string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("failed to prepare %q: %w", firstWord(stmt), err)
	}
	defer prepared.Close()

	for _, id := range ids {
		if _, err := prepared.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to %s item %s: %w", strings.ToLower(firstWord(stmt)), id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func scanItems(rows *sql.Rows) ([]types.QueueItem, error) {
	defer rows.Close()

	var items []types.QueueItem
	for rows.Next() {
		var (
			item      types.QueueItem
			status    string
			createdMs int64
			payload   []byte
		)
		if err := rows.Scan(&item.ID, &item.SessionID, &status, &item.RetryCount, &createdMs, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if err := codec.Unmarshal(payload, &item.Packet); err != nil {
			return nil, fmt.Errorf("failed to decode queue item %s: %w", item.ID, err)
		}
		item.Status = types.QueueStatus(status)
		item.CreatedAt = time.UnixMilli(createdMs)
		items = append(items, item)
	}
	return items, rows.Err()
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
