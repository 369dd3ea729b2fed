package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/outbox/domain"
)

func newOutboxMessage() *domain.OutboxMessage {
	jobID := uuid.New()
	return &domain.OutboxMessage{
		ID:         uuid.New(),
		JobID:      &jobID,
		Exchange:   "workflow",
		RoutingKey: "jobs",
		Payload:    json.RawMessage(`{"jobId":"abc"}`),
		Status:     domain.OutboxMessageStatusPending,
	}
}

func TestPostgreSQLOutboxRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	msg := newOutboxMessage()

	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(msg.ID, msg.JobID, msg.Exchange, msg.RoutingKey, []byte(msg.Payload),
			msg.Status, msg.Retries, msg.LastError, msg.LockedBy, msg.LockedAt,
			msg.NextAttemptAt, msg.ProcessedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), msg)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_CreateJoinsTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	txManager := database.NewTxManager(db)
	msg := newOutboxMessage()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = txManager.WithTx(context.Background(), func(ctx context.Context) error {
		return repo.Create(ctx, msg)
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_ClaimBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	msg := newOutboxMessage()
	now := time.Now().UTC()

	columns := []string{"id", "job_id", "exchange", "routing_key", "payload", "status", "retries",
		"last_error", "locked_by", "locked_at", "next_attempt_at", "processed_at", "created_at", "updated_at"}
	rows := sqlmock.NewRows(columns).
		AddRow(msg.ID, msg.JobID, msg.Exchange, msg.RoutingKey, []byte(msg.Payload),
			msg.Status, 0, nil, "relay-1", now, nil, nil, now, now)

	mock.ExpectQuery("UPDATE outbox_messages").
		WithArgs("relay-1", domain.OutboxMessageStatusPending, domain.OutboxMessageStatusFailed, 300, 10).
		WillReturnRows(rows)

	messages, err := repo.ClaimBatch(context.Background(), 10, "relay-1", 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)
	assert.Equal(t, "workflow", messages[0].Exchange)
	require.NotNil(t, messages[0].LockedBy)
	assert.Equal(t, "relay-1", *messages[0].LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_MarkAsSent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(domain.OutboxMessageStatusSent, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkAsSent(context.Background(), id)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_MarkAsFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	id := uuid.New()
	nextAttempt := time.Now().UTC().Add(10 * time.Second)

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(domain.OutboxMessageStatusFailed, "publish failed", nextAttempt, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkAsFailed(context.Background(), id, "publish failed", nextAttempt)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_MarkAsPermanentlyFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(domain.OutboxMessageStatusPermanentlyFailed, "broker unreachable", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkAsPermanentlyFailed(context.Background(), id, "broker unreachable")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_ReclaimStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	cutoff := time.Now().UTC().Add(-5 * time.Minute)

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(domain.OutboxMessageStatusPending, domain.OutboxMessageStatusFailed, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.ReclaimStale(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLOutboxRepository_DeleteProcessedOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLOutboxRepository(db)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	mock.ExpectExec("DELETE FROM outbox_messages").
		WithArgs(domain.OutboxMessageStatusSent, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	count, err := repo.DeleteProcessedOlderThan(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
