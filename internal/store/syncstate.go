package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SyncState is the single persistent sync-status record backing the
// progress surface.
type SyncState struct {
	Syncing          bool
	LastSyncAt       int64 // ms epoch, 0 when never synced
	LastError        string
	PendingCount     int
	CurrentOperation string
}

// GetSyncState reads the status record.
func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	var (
		state      SyncState
		syncing    int
		lastSyncAt sql.NullInt64
		lastError  sql.NullString
		currentOp  sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT syncing, last_sync_at, last_error, pending_count, current_operation
		 FROM sync_state WHERE id = 1`).
		Scan(&syncing, &lastSyncAt, &lastError, &state.PendingCount, &currentOp)
	if err != nil {
		return nil, fmt.Errorf("store: reading sync state: %w", err)
	}

	state.Syncing = syncing == 1
	state.LastSyncAt = lastSyncAt.Int64
	state.LastError = lastError.String
	state.CurrentOperation = currentOp.String

	return &state, nil
}

// SetSyncing flips the in-flight flag and records the current operation
// label for progress display.
func (s *Store) SetSyncing(ctx context.Context, syncing bool, currentOp string) error {
	val := 0
	if syncing {
		val = 1
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET syncing = ?, current_operation = ? WHERE id = 1`,
		val, nullString(currentOp))
	if err != nil {
		return fmt.Errorf("store: setting syncing flag: %w", err)
	}

	return nil
}

// SetCurrentOperation updates only the progress label.
func (s *Store) SetCurrentOperation(ctx context.Context, op string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET current_operation = ? WHERE id = 1`, nullString(op))
	if err != nil {
		return fmt.Errorf("store: setting current operation: %w", err)
	}

	return nil
}

// SetLastSync records a successful sync and clears the last error.
func (s *Store) SetLastSync(ctx context.Context, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET last_sync_at = ?, last_error = NULL WHERE id = 1`, at)
	if err != nil {
		return fmt.Errorf("store: setting last sync: %w", err)
	}

	return nil
}

// SetLastError records a sync failure.
func (s *Store) SetLastError(ctx context.Context, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET last_error = ? WHERE id = 1`, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("store: setting last error: %w", err)
	}

	return nil
}

// SetPendingCount mirrors the queue depth into the status record.
func (s *Store) SetPendingCount(ctx context.Context, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET pending_count = ? WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("store: setting pending count: %w", err)
	}

	return nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
