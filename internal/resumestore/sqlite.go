package resumestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nyxloma/guacamole-hub/internal/domain"
	"github.com/nyxloma/guacamole-hub/internal/shared"
)

// SQLite is a durable resume store for single-node deployments without a
// Redis dependency. TTL is not storage-native here (unlike Redis), and
// Load returns a stored row whatever its expires_at; expiry is enforced
// by the hub at resume time (spec §4.8).
//
// Adapted from store/sqlite.go's WAL-mode open, upsert-on-conflict, and
// SQLITE_BUSY retry idiom.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite-backed resume store.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("resumestore: create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("resumestore: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("resumestore: ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("resumestore: initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS resume_state (
		resume_token TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		last_server_seq INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		outbound_frames_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resume_state_expires ON resume_state(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) Load(ctx context.Context, token string) (*domain.ResumeState, error) {
	query := `SELECT resume_token, account_id, device_id, last_server_seq, expires_at, outbound_frames_json
		FROM resume_state WHERE resume_token = ?`

	row := s.db.QueryRowContext(ctx, query, token)

	var state domain.ResumeState
	var framesJSON string
	err := row.Scan(&state.ResumeToken, &state.AccountID, &state.DeviceID,
		&state.LastServerSeq, &state.ExpiresAt, &framesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resumestore: scan resume state: %w", err)
	}

	if err := json.Unmarshal([]byte(framesJSON), &state.OutboundFrames); err != nil {
		return nil, fmt.Errorf("resumestore: unmarshal outbound frames: %w", err)
	}

	return &state, nil
}

func (s *SQLite) Persist(ctx context.Context, state *domain.ResumeState) error {
	framesJSON, err := json.Marshal(state.OutboundFrames)
	if err != nil {
		return fmt.Errorf("resumestore: marshal outbound frames: %w", err)
	}

	query := `
	INSERT INTO resume_state (resume_token, account_id, device_id, last_server_seq, expires_at, outbound_frames_json)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(resume_token) DO UPDATE SET
		account_id = excluded.account_id,
		device_id = excluded.device_id,
		last_server_seq = excluded.last_server_seq,
		expires_at = excluded.expires_at,
		outbound_frames_json = excluded.outbound_frames_json`

	return s.withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, state.ResumeToken, state.AccountID, state.DeviceID,
			state.LastServerSeq, state.ExpiresAt, string(framesJSON))
		return err
	})
}

func (s *SQLite) Drop(ctx context.Context, token string) error {
	return s.withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM resume_state WHERE resume_token = ?`, token)
		return err
	})
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// withBusyRetry retries a write on SQLITE_BUSY/"database is locked" with
// exponential backoff, matching store/sqlite.go's DeleteAgentSession.
func (s *SQLite) withBusyRetry(fn func() error) error {
	const maxRetries = 3
	const baseDelay = 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return fmt.Errorf("resumestore: write failed after %d attempts: %w", i+1, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return err
}

var _ Store = (*SQLite)(nil)
