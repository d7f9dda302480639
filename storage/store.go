package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Event lifecycle. Pending and Failed rows are both eligible for the next
// drain pass; Publishing marks a row claimed by an in-flight drain and is
// never a terminal state (stuck recovery resets it). Dead rows have exhausted
// their attempts and wait for the dead-letter service.
const (
	StatusPending    = 0
	StatusPublished  = 1
	StatusFailed     = 2
	StatusPublishing = 3
	StatusDead       = 4
)

// ErrEventAlreadyExists is returned when inserting a row with a duplicate event_id.
var ErrEventAlreadyExists = errors.New("event already exists")

// DBTX is satisfied by *sql.DB, *sql.Tx and the transaction-manager Tr type,
// so the caller decides the atomicity boundary.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// EventRecord is the database representation of an outbox row.
// Payload holds the already-serialized event envelope; it is written once at
// insert time and never rewritten, so retries republish the identical bytes.
type EventRecord struct {
	ID            int64
	EventID       string
	EventType     string
	RoutingKey    string
	Payload       []byte
	Status        int
	RetryCount    int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// DeadLetterRecord is a quarantined row that exhausted its publish attempts.
type DeadLetterRecord struct {
	ID         int64
	EventID    string
	EventType  string
	RoutingKey string
	Payload    []byte
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

// Store defines the persistence operations the relay needs. Implementations
// exist for MySQL (sqlstore) and PostgreSQL (pgstore).
type Store interface {
	// CreateEvent inserts one pending row using the caller-supplied
	// transaction handle. It never opens its own transaction.
	CreateEvent(ctx context.Context, tx DBTX, event *EventRecord) error

	// ClaimEvents atomically selects up to batchSize rows that are due for
	// publishing (pending or failed, next attempt reached), oldest first, and
	// moves them to StatusPublishing before returning them. Two concurrent
	// callers never receive the same row.
	ClaimEvents(ctx context.Context, batchSize int) ([]EventRecord, error)

	// MarkPublished transitions a claimed row to StatusPublished and stamps
	// published_at. Published rows are never fetched again.
	MarkPublished(ctx context.Context, id int64) error

	// ScheduleRetry transitions a claimed row back to StatusFailed,
	// increments retry_count and records the failure reason and next attempt.
	ScheduleRetry(ctx context.Context, id int64, nextAttemptAt time.Time, lastError string) error

	// MarkExhausted transitions a row to StatusDead after its final attempt.
	MarkExhausted(ctx context.Context, id int64, lastError string) error

	// FetchStuckEvents returns rows stuck in StatusPublishing longer than
	// stuckTimeout (a drainer crashed between claim and outcome).
	FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]EventRecord, error)

	// ResetStuckEvents returns stuck rows to StatusFailed so the next drain
	// pass re-claims them.
	ResetStuckEvents(ctx context.Context, ids []int64, nextAttemptAt time.Time) error

	// FetchDeadLetterCandidates returns StatusDead rows awaiting quarantine.
	FetchDeadLetterCandidates(ctx context.Context, batchSize int) ([]EventRecord, error)

	// MoveToDeadLetter copies a row into the dead-letter table and removes it
	// from the outbox, atomically.
	MoveToDeadLetter(ctx context.Context, event EventRecord) error

	// DeletePublishedEvents removes published rows older than retention and
	// reports how many were deleted.
	DeletePublishedEvents(ctx context.Context, retention time.Duration) (int64, error)

	// DeleteDeadLetters removes quarantined rows older than retention.
	DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error)

	// EnsureTables creates the outbox tables if they do not exist.
	EnsureTables(ctx context.Context) error
}
