package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/inbox/domain"
)

func newInboxMessage() *domain.InboxMessage {
	jobID := uuid.New()
	return &domain.InboxMessage{
		MessageID: uuid.New().String(),
		JobID:     &jobID,
		Queue:     "workflow.jobs",
	}
}

func TestPostgreSQLInboxRepository_Create(t *testing.T) {
	t.Run("first insert returns alreadySeen false", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLInboxRepository(db)
		msg := newInboxMessage()

		mock.ExpectExec("INSERT INTO inbox_messages").
			WithArgs(msg.MessageID, msg.JobID, msg.Queue, false).
			WillReturnResult(sqlmock.NewResult(0, 1))

		alreadySeen, err := repo.Create(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, alreadySeen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate insert returns alreadySeen true", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLInboxRepository(db)
		msg := newInboxMessage()

		mock.ExpectExec("INSERT INTO inbox_messages").
			WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "inbox_messages_pkey"`))

		alreadySeen, err := repo.Create(context.Background(), msg)
		require.NoError(t, err)
		assert.True(t, alreadySeen)
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLInboxRepository(db)
		msg := newInboxMessage()

		mock.ExpectExec("INSERT INTO inbox_messages").
			WillReturnError(errors.New("connection refused"))

		alreadySeen, err := repo.Create(context.Background(), msg)
		assert.Error(t, err)
		assert.False(t, alreadySeen)
	})
}

func TestPostgreSQLInboxRepository_IsProcessed(t *testing.T) {
	t.Run("returns processed flag", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLInboxRepository(db)

		mock.ExpectQuery("SELECT processed FROM inbox_messages").
			WithArgs("msg-1").
			WillReturnRows(sqlmock.NewRows([]string{"processed"}).AddRow(true))

		processed, err := repo.IsProcessed(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("unknown message id returns not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck

		repo := NewPostgreSQLInboxRepository(db)

		mock.ExpectQuery("SELECT processed FROM inbox_messages").
			WithArgs("msg-unknown").
			WillReturnRows(sqlmock.NewRows([]string{"processed"}))

		_, err = repo.IsProcessed(context.Background(), "msg-unknown")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestPostgreSQLInboxRepository_MarkProcessed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	repo := NewPostgreSQLInboxRepository(db)

	mock.ExpectExec("UPDATE inbox_messages").
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkProcessed(context.Background(), "msg-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqueViolationDetection(t *testing.T) {
	assert.True(t, isPostgreSQLUniqueViolation(errors.New("pq: duplicate key value violates unique constraint")))
	assert.False(t, isPostgreSQLUniqueViolation(errors.New("connection refused")))
	assert.False(t, isPostgreSQLUniqueViolation(nil))

	assert.True(t, isMySQLUniqueViolation(errors.New("Error 1062: Duplicate entry 'abc' for key 'PRIMARY'")))
	assert.False(t, isMySQLUniqueViolation(errors.New("connection refused")))
	assert.False(t, isMySQLUniqueViolation(nil))
}
