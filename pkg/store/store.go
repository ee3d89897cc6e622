// Package store defines the persistence boundary the core consumes
// (spec.md §6.4). The SQL schema, migrations and the actual database are
// external collaborators; this package only defines the interface and one
// pgx-backed implementation of it.
package store

import (
	"context"
	"time"
)

// CallSessionRow is the persisted shape of a CallSession at call start.
type CallSessionRow struct {
	SessionID  string
	CallID     string
	Direction  string
	PeerNumber string
	CreatedAt  time.Time
}

// RecordingRow is the persisted shape of a finished Recording (spec.md §3).
type RecordingRow struct {
	RecordingID     string
	CallID          string
	Path            string
	DurationSeconds int
	Bytes           int64
}

// Store is the opaque persistence interface the core expects (spec.md
// §6.4). Implementations must run the call-start and call-end paths in a
// transaction.
type Store interface {
	UpsertCallSession(ctx context.Context, row CallSessionRow) error
	UpdateCallSessionEnd(ctx context.Context, callID string, durationSeconds int, status string) error
	AppendEvent(ctx context.Context, sessionID string, kind string, direction string, payload []byte) error
	AppendTranscript(ctx context.Context, sessionID string, speaker string, text string, relativeTimestampMs int64) error
	InsertRecording(ctx context.Context, row RecordingRow) error

	GetCallSession(ctx context.Context, callID string) (CallSessionRow, error)
	ListCallSessions(ctx context.Context, limit int) ([]CallSessionRow, error)
}
