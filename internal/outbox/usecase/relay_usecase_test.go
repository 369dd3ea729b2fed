package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/jobflow/internal/broker"
	"github.com/allisson/jobflow/internal/outbox/domain"
	"github.com/allisson/jobflow/internal/retry"
)

type mockOutboxRepository struct {
	mock.Mock
}

func (m *mockOutboxRepository) Create(ctx context.Context, msg *domain.OutboxMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockOutboxRepository) ClaimBatch(ctx context.Context, limit int, lockedBy string, staleAfter time.Duration) ([]*domain.OutboxMessage, error) {
	args := m.Called(ctx, limit, lockedBy, staleAfter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxMessage), args.Error(1)
}

func (m *mockOutboxRepository) MarkAsSent(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockOutboxRepository) MarkAsFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, id, lastError, nextAttemptAt)
	return args.Error(0)
}

func (m *mockOutboxRepository) MarkAsPermanentlyFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	args := m.Called(ctx, id, lastError)
	return args.Error(0)
}

func (m *mockOutboxRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOutboxRepository) DeleteProcessedOlderThan(ctx context.Context, date time.Time) (int64, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(int64), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg broker.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func testRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:       100 * time.Millisecond,
		BatchSize:      10,
		MaxRetries:     3,
		StaleLockAfter: 5 * time.Minute,
		Retention:      24 * time.Hour,
		RetryPolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2.0,
		},
	}
}

func pendingMessage(retries int) *domain.OutboxMessage {
	jobID := uuid.New()
	return &domain.OutboxMessage{
		ID:         uuid.New(),
		JobID:      &jobID,
		Exchange:   "workflow",
		RoutingKey: "jobs",
		Payload:    json.RawMessage(`{"jobId":"abc"}`),
		Status:     domain.OutboxMessageStatusPending,
		Retries:    retries,
	}
}

func TestRelayUseCase_ProcessBatch(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("publishes claimed messages and marks them sent", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		publisher := new(mockPublisher)
		u := NewRelayUseCase(repo, publisher, testRelayConfig(), logger)

		msg := pendingMessage(0)
		repo.On("ClaimBatch", mock.Anything, 10, u.instanceID, 5*time.Minute).
			Return([]*domain.OutboxMessage{msg}, nil)
		publisher.On("Publish", mock.Anything, mock.MatchedBy(func(m broker.Message) bool {
			return m.MessageID == msg.ID.String() && m.Exchange == "workflow" && m.RoutingKey == "jobs"
		})).Return(nil)
		repo.On("MarkAsSent", mock.Anything, msg.ID).Return(nil)

		err := u.ProcessBatch(context.Background())
		require.NoError(t, err)
		repo.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("schedules retry on publish failure", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		publisher := new(mockPublisher)
		u := NewRelayUseCase(repo, publisher, testRelayConfig(), logger)

		msg := pendingMessage(0)
		repo.On("ClaimBatch", mock.Anything, 10, u.instanceID, 5*time.Minute).
			Return([]*domain.OutboxMessage{msg}, nil)
		publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
		repo.On("MarkAsFailed", mock.Anything, msg.ID, "broker down", mock.AnythingOfType("time.Time")).
			Return(nil)

		err := u.ProcessBatch(context.Background())
		require.NoError(t, err)
		repo.AssertExpectations(t)
		repo.AssertNotCalled(t, "MarkAsSent", mock.Anything, mock.Anything)
		repo.AssertNotCalled(t, "MarkAsPermanentlyFailed", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("marks message permanently failed after retry budget", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		publisher := new(mockPublisher)
		u := NewRelayUseCase(repo, publisher, testRelayConfig(), logger)

		msg := pendingMessage(2)
		repo.On("ClaimBatch", mock.Anything, 10, u.instanceID, 5*time.Minute).
			Return([]*domain.OutboxMessage{msg}, nil)
		publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
		repo.On("MarkAsPermanentlyFailed", mock.Anything, msg.ID, "broker down").Return(nil)

		err := u.ProcessBatch(context.Background())
		require.NoError(t, err)
		repo.AssertExpectations(t)
		repo.AssertNotCalled(t, "MarkAsFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("returns error when claim fails", func(t *testing.T) {
		repo := new(mockOutboxRepository)
		publisher := new(mockPublisher)
		u := NewRelayUseCase(repo, publisher, testRelayConfig(), logger)

		repo.On("ClaimBatch", mock.Anything, 10, u.instanceID, 5*time.Minute).
			Return(nil, errors.New("db down"))

		err := u.ProcessBatch(context.Background())
		assert.Error(t, err)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})
}

func TestRelayUseCase_Sweep(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	repo := new(mockOutboxRepository)
	publisher := new(mockPublisher)
	u := NewRelayUseCase(repo, publisher, testRelayConfig(), logger)

	repo.On("ReclaimStale", mock.Anything, mock.AnythingOfType("time.Time")).Return(int64(2), nil)
	repo.On("DeleteProcessedOlderThan", mock.Anything, mock.AnythingOfType("time.Time")).Return(int64(5), nil)

	err := u.Sweep(context.Background())
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRelayUseCase_StartStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	repo := new(mockOutboxRepository)
	publisher := new(mockPublisher)
	u := NewRelayUseCase(repo, publisher, testRelayConfig(), logger)

	repo.On("ClaimBatch", mock.Anything, 10, u.instanceID, 5*time.Minute).
		Return([]*domain.OutboxMessage{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.Start(ctx)
	}()

	time.Sleep(250 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after context cancellation")
	}
}
