package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/outbus/outbus/storage"
)

const (
	tableEvents      = "outbox_events"
	tableDeadLetters = "outbox_deadletters"
)

// SQL queries
const (
	createQuery = `
		INSERT INTO %s (event_id, event_type, routing_key, payload, status)
		VALUES (?, ?, ?, ?, ?)`

	claimSelectQuery = `
		SELECT id, event_id, event_type, routing_key, payload, retry_count, last_error
		FROM %s
		WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	claimUpdateQuery = `UPDATE %s SET status = ?, updated_at = CURRENT_TIMESTAMP(6) WHERE id IN (%s)`

	markPublishedQuery = `UPDATE %s SET status = ?, published_at = ? WHERE id = ?`

	scheduleRetryQuery = `
		UPDATE %s
		SET status = ?, retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?
		WHERE id = ?`

	markExhaustedQuery = `
		UPDATE %s
		SET status = ?, retry_count = retry_count + 1, next_attempt_at = NULL, last_error = ?
		WHERE id = ?`

	fetchStuckQuery = `
		SELECT id, event_id, event_type, routing_key, payload, retry_count, last_error
		FROM %s
		WHERE status = ? AND updated_at < ?
		ORDER BY id
		LIMIT ?`

	resetStuckQuery = `UPDATE %s SET status = ?, next_attempt_at = ? WHERE id IN (%s)`

	fetchDeadQuery = `
		SELECT id, event_id, event_type, routing_key, payload, retry_count, last_error
		FROM %s
		WHERE status = ?
		ORDER BY id
		LIMIT ?`

	moveToDeadLetterQuery = `
		INSERT INTO %s (id, event_id, event_type, routing_key, payload, retry_count, last_error, created_at)
		SELECT id, event_id, event_type, routing_key, payload, retry_count, ?, created_at
		FROM %s
		WHERE id = ?`

	deleteFromEventsQuery = `DELETE FROM %s WHERE id = ?`

	deletePublishedQuery = `DELETE FROM %s WHERE status = ? AND published_at < ? LIMIT ?`

	deleteDeadLettersQuery = `DELETE FROM %s WHERE created_at < ? LIMIT ?`
)

const createEventsTableDDL = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id              BIGINT AUTO_INCREMENT PRIMARY KEY,
	event_id        CHAR(36)     NOT NULL UNIQUE,
	event_type      VARCHAR(255) NOT NULL,
	routing_key     VARCHAR(255) NOT NULL,
	payload         JSON         NOT NULL,
	status          INT          NOT NULL DEFAULT 0 COMMENT '0 pending, 1 published, 2 failed, 3 publishing, 4 dead',
	retry_count     INT          NOT NULL DEFAULT 0,
	last_error      TEXT         NULL,
	next_attempt_at TIMESTAMP    NULL,
	created_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	published_at    TIMESTAMP(6) NULL,
	INDEX idx_status_next_attempt (status, next_attempt_at),
	INDEX idx_created_at (created_at)
) ENGINE=InnoDB;
`

const createDeadLettersTableDDL = `
CREATE TABLE IF NOT EXISTS outbox_deadletters (
	id          BIGINT PRIMARY KEY,
	event_id    CHAR(36)      NOT NULL UNIQUE,
	event_type  VARCHAR(255)  NOT NULL,
	routing_key VARCHAR(255)  NOT NULL,
	payload     JSON          NOT NULL,
	retry_count INT           NOT NULL,
	last_error  VARCHAR(2000) NULL,
	created_at  TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	moved_at    TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB;
`

const cleanupBatchLimit = 1000

// SQLStore is the MySQL implementation of storage.Store.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

func (s *SQLStore) CreateEvent(ctx context.Context, tx storage.DBTX, event *storage.EventRecord) error {
	query := fmt.Sprintf(createQuery, tableEvents)
	_, err := tx.ExecContext(ctx, query,
		event.EventID,
		event.EventType,
		event.RoutingKey,
		event.Payload,
		storage.StatusPending,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

// ClaimEvents selects due rows and flips them to StatusPublishing in one
// transaction. SKIP LOCKED keeps concurrent drainers from blocking on or
// claiming the same rows.
func (s *SQLStore) ClaimEvents(ctx context.Context, batchSize int) ([]storage.EventRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(claimSelectQuery, tableEvents)
	rows, err := tx.QueryContext(ctx, query,
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

	update := fmt.Sprintf(claimUpdateQuery, tableEvents, placeholders(len(ids)))
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

func (s *SQLStore) MarkPublished(ctx context.Context, id int64) error {
	query := fmt.Sprintf(markPublishedQuery, tableEvents)
	if _, err := s.db.ExecContext(ctx, query, storage.StatusPublished, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark event %d as published: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ScheduleRetry(ctx context.Context, id int64, nextAttemptAt time.Time, lastError string) error {
	query := fmt.Sprintf(scheduleRetryQuery, tableEvents)
	if _, err := s.db.ExecContext(ctx, query, storage.StatusFailed, nextAttemptAt.UTC(), truncateError(lastError), id); err != nil {
		return fmt.Errorf("failed to schedule retry for event %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) MarkExhausted(ctx context.Context, id int64, lastError string) error {
	query := fmt.Sprintf(markExhaustedQuery, tableEvents)
	if _, err := s.db.ExecContext(ctx, query, storage.StatusDead, truncateError(lastError), id); err != nil {
		return fmt.Errorf("failed to mark event %d as exhausted: %w", id, err)
	}
	return nil
}

func (s *SQLStore) FetchStuckEvents(ctx context.Context, batchSize int, stuckTimeout time.Duration) ([]storage.EventRecord, error) {
	threshold := time.Now().UTC().Add(-stuckTimeout)
	query := fmt.Sprintf(fetchStuckQuery, tableEvents)
	rows, err := s.db.QueryContext(ctx, query, storage.StatusPublishing, threshold, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck events: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLStore) ResetStuckEvents(ctx context.Context, ids []int64, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(resetStuckQuery, tableEvents, placeholders(len(ids)))
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

func (s *SQLStore) FetchDeadLetterCandidates(ctx context.Context, batchSize int) ([]storage.EventRecord, error) {
	query := fmt.Sprintf(fetchDeadQuery, tableEvents)
	rows, err := s.db.QueryContext(ctx, query, storage.StatusDead, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter candidates: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLStore) MoveToDeadLetter(ctx context.Context, event storage.EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(moveToDeadLetterQuery, tableDeadLetters, tableEvents)
	if _, err := tx.ExecContext(ctx, insert, truncateError(event.LastError), event.ID); err != nil {
		return fmt.Errorf("failed to copy event %d to dead-letter table: %w", event.ID, err)
	}

	del := fmt.Sprintf(deleteFromEventsQuery, tableEvents)
	if _, err := tx.ExecContext(ctx, del, event.ID); err != nil {
		return fmt.Errorf("failed to delete event %d from outbox: %w", event.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) DeletePublishedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(deletePublishedQuery, tableEvents)
	res, err := s.db.ExecContext(ctx, query, storage.StatusPublished, threshold, cleanupBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteDeadLetters(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(deleteDeadLettersQuery, tableDeadLetters)
	res, err := s.db.ExecContext(ctx, query, threshold, cleanupBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) EnsureTables(ctx context.Context) error {
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// last_error columns are bounded; keep stored reasons within them.
func truncateError(s string) string {
	const max = 2000
	if len(s) > max {
		return s[:max]
	}
	return s
}
