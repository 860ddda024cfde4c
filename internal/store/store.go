// Package store persists all device-local sync state in one SQLite
// database: the session library, the durable operation queue, the sync
// status record, and the set of session ids this device has ever synced.
// The database uses WAL mode with a sole-writer connection; schema
// changes ship as embedded goose migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/sessionvault/sessionvault/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store is the sole writer to the local state database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	backoff BackoffPolicy
	nowFunc func() time.Time // injectable for deterministic tests
}

// New opens the SQLite database at dbPath, runs migrations, and returns
// a ready-to-use store. Use ":memory:" for tests.
func New(dbPath string, backoff BackoffPolicy, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(%d)",
		dbPath, walJournalSizeLimit,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local state database ready", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		backoff: backoff,
		nowFunc: time.Now,
	}, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}

// DB returns the underlying database connection for components that need
// to participate in the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Session CRUD ---

const sqlUpsertSession = `INSERT INTO sessions
	(id, name, created_at, updated_at, origin, windows)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 name = excluded.name,
	 updated_at = excluded.updated_at,
	 origin = excluded.origin,
	 windows = excluded.windows`

// GetSession retrieves a session by id. Returns (nil, nil) when no
// session exists; callers use the nil session to distinguish "unknown
// id" from "known session".
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at, origin, windows
		 FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil session means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting session %s: %w", id, err)
	}

	return sess, nil
}

// PutSession inserts or updates a session.
func (s *Store) PutSession(ctx context.Context, sess *session.Session) error {
	windows, err := json.Marshal(sess.Windows)
	if err != nil {
		return fmt.Errorf("store: encoding windows for %s: %w", sess.ID, err)
	}

	_, err = s.db.ExecContext(ctx, sqlUpsertSession,
		sess.ID, sess.Name, sess.CreatedAt, sess.UpdatedAt, string(sess.Origin), string(windows))
	if err != nil {
		return fmt.Errorf("store: upserting session %s: %w", sess.ID, err)
	}

	return nil
}

// DeleteSession removes a session by id. Deleting an absent id is a no-op.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting session %s: %w", id, err)
	}

	return nil
}

// ListSessions returns all sessions ordered by last modification,
// newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at, origin, windows
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session

	for rows.Next() {
		sess, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning session row: %w", scanErr)
		}

		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating session rows: %w", err)
	}

	return sessions, nil
}

// CountSessions returns the number of stored sessions.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var count int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: counting sessions: %w", err)
	}

	return count, nil
}

// sessionScanner abstracts the Scan method shared by *sql.Rows and
// *sql.Row, allowing one scan implementation for both.
type sessionScanner interface {
	Scan(dest ...any) error
}

// scanSession scans a session row, decoding the windows JSON column.
func scanSession(sc sessionScanner) (*session.Session, error) {
	var (
		sess    session.Session
		origin  string
		windows string
	)

	if err := sc.Scan(&sess.ID, &sess.Name, &sess.CreatedAt, &sess.UpdatedAt, &origin, &windows); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}

	parsed, err := session.ParseOrigin(origin)
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}

	sess.Origin = parsed

	if err := json.Unmarshal([]byte(windows), &sess.Windows); err != nil {
		return nil, fmt.Errorf("decoding windows for %s: %w", sess.ID, err)
	}

	return &sess, nil
}

// --- Synced-set methods ---

// MarkSynced records that this device has synced the given session id.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synced_ids (session_id, first_synced_at) VALUES (?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		id, s.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: marking %s synced: %w", id, err)
	}

	return nil
}

// UnmarkSynced forgets a session id (after its deletion propagated).
func (s *Store) UnmarkSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM synced_ids WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: unmarking %s synced: %w", id, err)
	}

	return nil
}

// SyncedIDs returns every session id this device has ever synced.
func (s *Store) SyncedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM synced_ids ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing synced ids: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning synced id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating synced ids: %w", err)
	}

	return ids, nil
}
