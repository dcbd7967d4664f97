// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides command/session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS device_commands (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL,
			command     TEXT NOT NULL,
			payload     BLOB,
			status      TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			sent_at     DATETIME,
			executed_at DATETIME,
			response    TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_by  TEXT NOT NULL,

			CHECK (status IN ('PENDING', 'SENT', 'EXECUTED', 'FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_device_status
			ON device_commands(device_id, status);

		CREATE INDEX IF NOT EXISTS idx_commands_device_created
			ON device_commands(device_id, created_at);

		CREATE TABLE IF NOT EXISTS remote_sessions (
			id           TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			session_type TEXT NOT NULL,
			status       TEXT NOT NULL,
			session_key  TEXT NOT NULL,
			started_at   DATETIME,
			ended_at     DATETIME,
			end_reason   TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,

			CHECK (session_type IN ('VIEW', 'CONTROL', 'SHELL')),
			CHECK (status IN ('PENDING', 'ACTIVE', 'ENDED'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_device
			ON remote_sessions(device_id, status);

		CREATE TABLE IF NOT EXISTS devices (
			device_id    TEXT PRIMARY KEY,
			org_id       TEXT NOT NULL,
			last_seen_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// UpsertDevice records the device's org binding from its latest connection.
// A device that moves orgs overwrites its previous binding.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, deviceID, orgID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, org_id, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET org_id = excluded.org_id, last_seen_at = excluded.last_seen_at`,
		deviceID, orgID, seenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// DeviceOrg returns the org the device last connected under, or ErrNotFound
// for a device that has never connected.
func (s *SQLiteStore) DeviceOrg(ctx context.Context, deviceID string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx, `SELECT org_id FROM devices WHERE device_id = ?`, deviceID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading device org: %w", err)
	}
	return orgID, nil
}

// CreateCommand inserts a new command row.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *DeviceCommand) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_commands (id, device_id, command, payload, status, created_at, response, error, created_by)
		VALUES (?, ?, ?, ?, ?, ?, '', '', ?)`,
		cmd.ID, cmd.DeviceID, cmd.Command, cmd.Payload, cmd.Status, cmd.CreatedAt.UTC(), cmd.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// GetCommand returns the command with the given id, or ErrNotFound.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*DeviceCommand, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, command, payload, status, created_at, sent_at, executed_at, response, error, created_by
		FROM device_commands WHERE id = ?`, id)
	return scanCommand(row)
}

// MarkCommandSent records the delivery attempt timestamp and moves the
// command to SENT. Only a PENDING or SENT command may be marked; terminal
// rows are left untouched.
func (s *SQLiteStore) MarkCommandSent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_commands SET status = ?, sent_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		CommandSent, sentAt.UTC(), id, CommandPending, CommandSent,
	)
	if err != nil {
		return fmt.Errorf("marking command sent: %w", err)
	}
	return requireRow(res)
}

// CompleteCommand moves a SENT command to a terminal state. The WHERE guard
// makes terminal states immutable at the storage layer too.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, id, status, response, errMsg string, executedAt time.Time) error {
	if status != CommandExecuted && status != CommandFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_commands SET status = ?, response = ?, error = ?, executed_at = ?
		WHERE id = ? AND status = ?`,
		status, response, errMsg, executedAt.UTC(), id, CommandSent,
	)
	if err != nil {
		return fmt.Errorf("completing command: %w", err)
	}
	return requireRow(res)
}

// ListOpenCommands returns non-terminal commands for a device in enqueue
// order. Both PENDING and SENT rows are included so a reconnect can resume
// delivery and re-offer the one command that may have been lost in flight.
func (s *SQLiteStore) ListOpenCommands(ctx context.Context, deviceID string) ([]*DeviceCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, command, payload, status, created_at, sent_at, executed_at, response, error, created_by
		FROM device_commands
		WHERE device_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC`, deviceID, CommandPending, CommandSent)
	if err != nil {
		return nil, fmt.Errorf("listing open commands: %w", err)
	}
	defer rows.Close()

	var cmds []*DeviceCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// CreateSession inserts a new remote session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *RemoteSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_sessions (id, device_id, user_id, session_type, status, session_key, created_at, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		sess.ID, sess.DeviceID, sess.UserID, sess.SessionType, sess.Status, sess.SessionKey, sess.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*RemoteSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, user_id, session_type, status, session_key, started_at, ended_at, end_reason, created_at
		FROM remote_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ActivateSession moves a PENDING session to ACTIVE.
func (s *SQLiteStore) ActivateSession(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE remote_sessions SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		SessionActive, startedAt.UTC(), id, SessionPending,
	)
	if err != nil {
		return fmt.Errorf("activating session: %w", err)
	}
	return requireRow(res)
}

// EndSession closes a session from any open state and reports whether this
// call performed the transition. Ending an already ENDED session is a no-op
// that returns false, so racing end paths settle on a single winner.
func (s *SQLiteStore) EndSession(ctx context.Context, id, reason string, endedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE remote_sessions SET status = ?, end_reason = ?, ended_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		SessionEnded, reason, endedAt.UTC(), id, SessionPending, SessionActive,
	)
	if err != nil {
		return false, fmt.Errorf("ending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// ActiveSessionForDevice returns the device's PENDING or ACTIVE session, or
// ErrNotFound when the exclusivity slot is free.
func (s *SQLiteStore) ActiveSessionForDevice(ctx context.Context, deviceID string) (*RemoteSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, user_id, session_type, status, session_key, started_at, ended_at, end_reason, created_at
		FROM remote_sessions
		WHERE device_id = ? AND status IN (?, ?)
		LIMIT 1`, deviceID, SessionPending, SessionActive)
	return scanSession(row)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*DeviceCommand, error) {
	var cmd DeviceCommand
	var sentAt, executedAt sql.NullTime
	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Command, &cmd.Payload, &cmd.Status,
		&cmd.CreatedAt, &sentAt, &executedAt, &cmd.Response, &cmd.Error, &cmd.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}
	if sentAt.Valid {
		cmd.SentAt = &sentAt.Time
	}
	if executedAt.Valid {
		cmd.ExecutedAt = &executedAt.Time
	}
	return &cmd, nil
}

func scanSession(row rowScanner) (*RemoteSession, error) {
	var sess RemoteSession
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.UserID, &sess.SessionType, &sess.Status,
		&sess.SessionKey, &startedAt, &endedAt, &sess.EndReason, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
