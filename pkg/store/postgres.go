package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ============================================
// POSTGRES STORE
// pgx-backed implementation of the persistence boundary
// ============================================

// PostgresStore persists call sessions, events, transcripts and recordings
// to Postgres via a pooled connection. Grounded on the teacher's own use
// of *pgxpool.Pool in pkg/telephony/call-initiator.go.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an already-configured pool. Migrations and schema
// are external collaborators (spec.md §1) — this type only issues DML.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// UpsertCallSession inserts a call row, or updates it in place if the
// call id already exists (the registry's own idempotent create may race
// with a previous crash-recovered row).
func (s *PostgresStore) UpsertCallSession(ctx context.Context, row CallSessionRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_sessions (session_id, call_id, direction, peer_number, created_at, status)
		VALUES ($1, $2, $3, $4, $5, 'in_progress')
		ON CONFLICT (call_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			direction = EXCLUDED.direction,
			peer_number = EXCLUDED.peer_number
	`, row.SessionID, row.CallID, row.Direction, row.PeerNumber, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert call session: %w", err)
	}
	return nil
}

// UpdateCallSessionEnd closes out a call row with its final duration and
// status (e.g. "completed", "error"), inside a transaction. It is called on
// every call end, including calls whose recording was discarded as too
// short (spec.md §4.3 recorder rule, §8 scenario 5).
func (s *PostgresStore) UpdateCallSessionEnd(ctx context.Context, callID string, durationSeconds int, status string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin call-end tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE call_sessions
		SET duration_seconds = $2, status = $3, ended_at = $4
		WHERE call_id = $1
	`, callID, durationSeconds, status, time.Now()); err != nil {
		return fmt.Errorf("store: update call session end: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit call-end tx: %w", err)
	}
	return nil
}

// AppendEvent persists one EventRecord. Whether every event (vs only a
// terminal summary) is persisted is a caller-side toggle
// (bridge.Config.PersistEvents, DESIGN.md open question 3).
func (s *PostgresStore) AppendEvent(ctx context.Context, sessionID string, kind string, direction string, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_events (session_id, kind, direction, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, kind, direction, payload, time.Now())
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// AppendTranscript persists one final TranscriptFragment.
func (s *PostgresStore) AppendTranscript(ctx context.Context, sessionID string, speaker string, text string, relativeTimestampMs int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_transcripts (session_id, speaker, text, relative_timestamp_ms)
		VALUES ($1, $2, $3, $4)
	`, sessionID, speaker, text, relativeTimestampMs)
	if err != nil {
		return fmt.Errorf("store: append transcript: %w", err)
	}
	return nil
}

// InsertRecording persists a finished Recording row. Callers only invoke
// this once the recorder has confirmed the artifact met the 1-second
// minimum duration (spec.md §4.3, §8 scenario 5).
func (s *PostgresStore) InsertRecording(ctx context.Context, row RecordingRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_recordings (recording_id, call_id, path, duration_seconds, bytes)
		VALUES ($1, $2, $3, $4, $5)
	`, row.RecordingID, row.CallID, row.Path, row.DurationSeconds, row.Bytes)
	if err != nil {
		return fmt.Errorf("store: insert recording: %w", err)
	}
	return nil
}

// GetCallSession fetches one call row by call id.
func (s *PostgresStore) GetCallSession(ctx context.Context, callID string) (CallSessionRow, error) {
	var row CallSessionRow
	err := s.db.QueryRow(ctx, `
		SELECT session_id, call_id, direction, peer_number, created_at
		FROM call_sessions WHERE call_id = $1
	`, callID).Scan(&row.SessionID, &row.CallID, &row.Direction, &row.PeerNumber, &row.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return CallSessionRow{}, fmt.Errorf("store: call session %s: %w", callID, ErrNotFound)
		}
		return CallSessionRow{}, fmt.Errorf("store: get call session: %w", err)
	}
	return row, nil
}

// ListCallSessions returns the most recent call rows, most recent first.
func (s *PostgresStore) ListCallSessions(ctx context.Context, limit int) ([]CallSessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, call_id, direction, peer_number, created_at
		FROM call_sessions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list call sessions: %w", err)
	}
	defer rows.Close()

	var out []CallSessionRow
	for rows.Next() {
		var row CallSessionRow
		if err := rows.Scan(&row.SessionID, &row.CallID, &row.Direction, &row.PeerNumber, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan call session: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ErrNotFound is returned (wrapped) when a query finds no matching row.
var ErrNotFound = fmt.Errorf("not found")
