package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	// Register the pgx stdlib driver so callers can sql.Open("pgx", dsn).
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/outbus/outbus/storage"
)

const (
	tableEvents      = "outbox_events"
	tableDeadLetters = "outbox_deadletters"
)

const uniqueViolation = "23505"

const (
	createQuery = `
		INSERT INTO outbox_events (event_id, event_type, routing_key, payload, status)
		VALUES ($1, $2, $3, $4, $5)`

	claimSelectQuery = `
		SELECT id, event_id, event_type, routing_key, payload, retry_count, last_error
		FROM outbox_events
		WHERE status IN ($1, $2) AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		ORDER BY id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`

	markPublishedQuery = `UPDATE outbox_events SET status = $1, published_at = $2, updated_at = now() WHERE id = $3`

	scheduleRetryQuery = `
		UPDATE outbox_events
		SET status = $1, retry_count = retry_count + 1, next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $4`

	markExhaustedQuery = `
		UPDATE outbox_events
		SET status = $1, retry_count = retry_count + 1, next_attempt_at = NULL, last_error = $2, updated_at = now()
		WHERE id = $3`

	fetchStuckQuery = `
		SELECT id, event_id, event_type, routing_key, payload, retry_count, last_error
		FROM outbox_events
		WHERE status = $1 AND updated_at < $2
		ORDER BY id
		LIMIT $3`

	fetchDeadQuery = `
		SELECT id, event_id, event_type, routing_key, payload, retry_count, last_error
		FROM outbox_events
		WHERE status = $1
		ORDER BY id
		LIMIT $2`

	moveToDeadLetterQuery = `
		INSERT INTO outbox_deadletters (id, event_id, event_type, routing_key, payload, retry_count, last_error, created_at)
		SELECT id, event_id, event_type, routing_key, payload, retry_count, $1, created_at
		FROM outbox_events
		WHERE id = $2`

	deleteFromEventsQuery = `DELETE FROM outbox_events WHERE id = $1`

	deletePublishedQuery = `
		DELETE FROM outbox_events
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = $1 AND published_at < $2
			LIMIT $3
		)`

	deleteDeadLettersQuery = `
		DELETE FROM outbox_deadletters
		WHERE id IN (
			SELECT id FROM outbox_deadletters
			WHERE created_at < $1
			LIMIT $2
		)`
)

const createEventsTableDDL = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id              BIGSERIAL PRIMARY KEY,
	event_id        UUID         NOT NULL UNIQUE,
	event_type      VARCHAR(255) NOT NULL,
	routing_key     VARCHAR(255) NOT NULL,
	payload         JSONB        NOT NULL,
	status          INT          NOT NULL DEFAULT 0,
	retry_count     INT          NOT NULL DEFAULT 0,
	last_error      TEXT         NULL,
	next_attempt_at TIMESTAMPTZ  NULL,
	created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
	published_at    TIMESTAMPTZ  NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_events_status_next_attempt ON outbox_events (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_events_created_at ON outbox_events (created_at);
`

const createDeadLettersTableDDL = `
CREATE TABLE IF NOT EXISTS outbox_deadletters (
	id          BIGINT PRIMARY KEY,
	event_id    UUID          NOT NULL UNIQUE,
	event_type  VARCHAR(255)  NOT NULL,
	routing_key VARCHAR(255)  NOT NULL,
	payload     JSONB         NOT NULL,
	retry_count INT           NOT NULL,
	last_error  VARCHAR(2000) NULL,
	created_at  TIMESTAMPTZ   NOT NULL,
	moved_at    TIMESTAMPTZ   NOT NULL DEFAULT now()
);
`

const cleanupBatchLimit = 1000

// PGStore is the PostgreSQL implementation of storage.Store, using the pgx
// stdlib driver. Query shapes mirror sqlstore; only placeholders and DDL differ.
type PGStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPGStore(db *sql.DB, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{
		db:     db,
		logger: logger,
	}
}

func (s *PGStore) CreateEvent(ctx context.Context, tx storage.DBTX, event *storage.EventRecord) error {
	_, err := tx.ExecContext(ctx, createQuery,
		event.EventID,
		event.EventType,
		event.RoutingKey,
		event.Payload,
		storage.StatusPending,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (s *PGStore) ClaimEvents(ctx context.Context, batchSize int) ([]storage.EventRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, claimSelectQuery,
		storage.StatusPending,
		storage.StatusFailed,
		time.Now().UTC(),
		batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due events: %w", err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(events))
	for i, event := range events {
		ids[i] = event.ID
	}

	update := fmt.Sprintf(
		`UPDATE outbox_events SET status = $1, updated_at = now() WHERE id IN (%s)`,
		placeholders(2, len(ids)),
	)
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, storage.StatusPublishing)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	for i := range events {
		events[i].Status = storage.StatusPublishing
	}
	return events, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, markPublishedQuery, storage.StatusPublished, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark event %d as published: %w", id, err)
	}
	return nil
}

func (s *PGStore) ScheduleRetry(ctx context.Context, id int64, nextAttemptAt time.Time, lastError string) error {
	if _, err := s.db.ExecContext(ctx, scheduleRetryQuery, storage.StatusFailed, nextAttemptAt.UTC(), truncateError(lastError), id); err != nil {
		return fmt.Errorf("failed to schedule retry for event %d: %w", id, err)
	}
	return nil
}

func (s *PGStore) MarkExhausted(ctx context.Context, id int64, lastError string) error {
	if _, err := s.db.ExecContext(ctx, markExhaustedQuery, storage.StatusDead, truncateError(lastError), id); err != nil {
		return fmt.Errorf("failed to mark event %d as exhausted: %w", id, err)
	}
	return nil
}

func (s *PGStore) FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]storage.EventRecord, error) {
	threshold := time.Now().UTC().Add(-stuckTimeout)
	rows, err := s.db.QueryContext(ctx, fetchStuckQuery, storage.StatusPublishing, threshold, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGStore) ResetStuckEvents(ctx context.Context, ids []int64, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE outbox_events SET status = $1, next_attempt_at = $2, updated_at = now() WHERE id IN (%s)`,
		placeholders(3, len(ids)),
	)
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, storage.StatusFailed, nextAttemptAt.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset stuck events: %w", err)
	}
	return nil
}

func (s *PGStore) FetchDeadLetterCandidates(ctx context.Context, batchSize int) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, fetchDeadQuery, storage.StatusDead, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter candidates: %w", err)
	}
	return scanEvents(rows)
}

func (s *PGStore) MoveToDeadLetter(ctx context.Context, event storage.EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, moveToDeadLetterQuery, truncateError(event.LastError), event.ID); err != nil {
		return fmt.Errorf("failed to copy event %d to dead-letter table: %w", event.ID, err)
	}
	if _, err := tx.ExecContext(ctx, deleteFromEventsQuery, event.ID); err != nil {
		return fmt.Errorf("failed to delete event %d from outbox: %w", event.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}
	return nil
}

func (s *PGStore) DeletePublishedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, deletePublishedQuery, storage.StatusPublished, threshold, cleanupBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published events: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGStore) DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, deleteDeadLettersQuery, threshold, cleanupBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGStore) EnsureTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createEventsTableDDL); err != nil {
		return fmt.Errorf("failed to create %s table: %w", tableEvents, err)
	}
	if _, err := s.db.ExecContext(ctx, createDeadLettersTableDDL); err != nil {
		return fmt.Errorf("failed to create %s table: %w", tableDeadLetters, err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]storage.EventRecord, error) {
	defer rows.Close()

	var events []storage.EventRecord
	for rows.Next() {
		var event storage.EventRecord
		var lastError sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.EventType,
			&event.RoutingKey,
			&event.Payload,
			&event.RetryCount,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.LastError = lastError.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

// placeholders renders $start..$start+n-1 for IN clauses.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func truncateError(s string) string {
	const max = 2000
	if len(s) > max {
		return s[:max]
	}
	return s
}
