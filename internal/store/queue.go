package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Operation kinds for queue items.
const (
	OpUpload = "upload"
	OpDelete = "delete"
)

// deadLetterSentinel is the next_eligible value of a dead-lettered item.
// Far enough in the future that GetNext never returns it; ReviveDeadLetters
// resets it when the user forces a sync.
const deadLetterSentinel = math.MaxInt64

// QueueItem is one pending remote operation. At most one item exists per
// session id: a later enqueue replaces the earlier one.
type QueueItem struct {
	ID           string
	Kind         string
	SessionID    string
	EnqueuedAt   int64
	RetryCount   int
	NextEligible int64
	LastError    string
}

// BackoffPolicy controls retry pacing for failed queue items.
type BackoffPolicy struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	Jitter     float64 // fraction of the delay, ±
	MaxRetries int     // dead-letter threshold
}

// DefaultBackoff is the conservative default: base 30s, factor 2, cap
// 1h, ±25% jitter, dead-letter after 10 retries.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       30 * time.Second,
		Factor:     2.0,
		Max:        time.Hour,
		Jitter:     0.25,
		MaxRetries: 10,
	}
}

// delay computes the backoff for the given retry count (1-based).
func (p BackoffPolicy) delay(retryCount int) time.Duration {
	d := float64(p.Base) * math.Pow(p.Factor, float64(retryCount-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(d)
}

// Enqueue adds a pending operation for a session. If an item for the
// same session already exists it is replaced (a later delete supersedes
// an earlier upload and vice versa) and retry state resets. The replace
// happens in one transaction so concurrent queue readers never observe
// two items for one session.
func (s *Store) Enqueue(ctx context.Context, kind, sessionID string) error {
	if kind != OpUpload && kind != OpDelete {
		return fmt.Errorf("store: unknown queue kind %q", kind)
	}

	now := s.nowFunc().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: enqueue begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: enqueue replacing %s: %w", sessionID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_queue (id, kind, session_id, enqueued_at, retry_count, next_eligible)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		uuid.New().String(), kind, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("store: enqueue %s for %s: %w", kind, sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: enqueue commit: %w", err)
	}

	s.logger.Debug("operation enqueued",
		slog.String("kind", kind),
		slog.String("session_id", sessionID),
	)

	return nil
}

// GetNext returns the oldest item whose next_eligible time has passed,
// or (nil, nil) when nothing is due.
func (s *Store) GetNext(ctx context.Context) (*QueueItem, error) {
	now := s.nowFunc().UnixMilli()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, session_id, enqueued_at, retry_count, next_eligible, last_error
		 FROM sync_queue WHERE next_eligible <= ?
		 ORDER BY enqueued_at LIMIT 1`, now)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil item means "queue drained"
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting next queue item: %w", err)
	}

	return item, nil
}

// MarkComplete removes a finished item.
func (s *Store) MarkComplete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: completing queue item %s: %w", id, err)
	}

	return nil
}

// MarkFailed records a failed attempt: the retry counter is bumped and
// the item becomes eligible again after the policy's backoff. Items past
// the retry ceiling are dead-lettered and never retried automatically.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	item, err := s.getQueueItem(ctx, id)
	if err != nil {
		return err
	}

	if item == nil {
		return fmt.Errorf("store: failing queue item %s: not found", id)
	}

	retryCount := item.RetryCount + 1

	var nextEligible int64
	if retryCount >= s.backoff.MaxRetries {
		nextEligible = deadLetterSentinel

		s.logger.Warn("queue item dead-lettered",
			slog.String("session_id", item.SessionID),
			slog.String("kind", item.Kind),
			slog.Int("retries", retryCount),
			slog.String("last_error", errMsg),
		)
	} else {
		nextEligible = s.nowFunc().Add(s.backoff.delay(retryCount)).UnixMilli()
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = ?, next_eligible = ?, last_error = ? WHERE id = ?`,
		retryCount, nextEligible, errMsg, id)
	if err != nil {
		return fmt.Errorf("store: failing queue item %s: %w", id, err)
	}

	return nil
}

// ReviveDeadLetters makes dead-lettered items immediately eligible
// again. Called when the user forces a sync.
func (s *Store) ReviveDeadLetters(ctx context.Context) (int, error) {
	now := s.nowFunc().UnixMilli()

	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET next_eligible = ?, retry_count = 0 WHERE next_eligible = ?`,
		now, int64(deadLetterSentinel))
	if err != nil {
		return 0, fmt.Errorf("store: reviving dead letters: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("store: reviving dead letters rows affected: %w", rowsErr)
	}

	return int(n), nil
}

// PendingCount returns the number of queued items (including ones not
// yet eligible).
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: counting queue: %w", err)
	}

	return count, nil
}

// ListQueue returns all queue items ordered by enqueue time. Used by the
// status surface.
func (s *Store) ListQueue(ctx context.Context) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, session_id, enqueued_at, retry_count, next_eligible, last_error
		 FROM sync_queue ORDER BY enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("store: listing queue: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem

	for rows.Next() {
		item, scanErr := scanQueueItem(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning queue row: %w", scanErr)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating queue rows: %w", err)
	}

	return items, nil
}

// PurgeQueue removes every queued item.
func (s *Store) PurgeQueue(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`)
	if err != nil {
		return fmt.Errorf("store: purging queue: %w", err)
	}

	return nil
}

// getQueueItem fetches a single item by id, or (nil, nil).
func (s *Store) getQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, session_id, enqueued_at, retry_count, next_eligible, last_error
		 FROM sync_queue WHERE id = ?`, id)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil item means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting queue item %s: %w", id, err)
	}

	return item, nil
}

// scanQueueItem scans a queue row from *sql.Row or *sql.Rows.
func scanQueueItem(sc sessionScanner) (*QueueItem, error) {
	var (
		item    QueueItem
		lastErr sql.NullString
	)

	err := sc.Scan(&item.ID, &item.Kind, &item.SessionID,
		&item.EnqueuedAt, &item.RetryCount, &item.NextEligible, &lastErr)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}

	item.LastError = lastErr.String

	return &item, nil
}
