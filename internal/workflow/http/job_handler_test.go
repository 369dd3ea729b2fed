package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/workflow/domain"
	"github.com/allisson/jobflow/internal/workflow/usecase"
)

type mockJobService struct {
	mock.Mock
}

func (m *mockJobService) EnqueueJob(ctx context.Context, input usecase.EnqueueJobInput) (*domain.WorkflowJob, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WorkflowJob), args.Error(1)
}

func (m *mockJobService) CancelJob(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WorkflowJob), args.Error(1)
}

type mockStatusService struct {
	mock.Mock
}

func (m *mockStatusService) GetJob(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WorkflowJob), args.Error(1)
}

func (m *mockStatusService) GetJobDetail(ctx context.Context, id uuid.UUID) (*usecase.JobDetail, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usecase.JobDetail), args.Error(1)
}

func (m *mockStatusService) GetMetrics(ctx context.Context) (*usecase.QueueMetrics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usecase.QueueMetrics), args.Error(1)
}

func setupRouter(jobSvc *mockJobService, statusSvc *mockStatusService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewJobHandler(jobSvc, statusSvc, slog.New(slog.DiscardHandler))
	handler.RegisterRoutes(router.Group("/v1"))
	return router
}

func sampleJob() *domain.WorkflowJob {
	return &domain.WorkflowJob{
		ID:             uuid.New(),
		CorrelationID:  "corr-1",
		WorkflowType:   "document_processing",
		HandlerType:    "document_pipeline",
		Payload:        json.RawMessage(`{"documentId":"doc-1"}`),
		OrganizationID: uuid.New(),
		Status:         domain.JobStatusPending,
		MaxRetries:     3,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func TestJobHandler_EnqueueHandler(t *testing.T) {
	t.Run("returns 201 with the created job", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		job := sampleJob()
		jobSvc.On("EnqueueJob", mock.Anything, mock.MatchedBy(func(input usecase.EnqueueJobInput) bool {
			return input.WorkflowType == "document_processing" && input.CorrelationID == "corr-1"
		})).Return(job, nil)

		body := map[string]any{
			"correlation_id":  "corr-1",
			"workflow_type":   "document_processing",
			"handler_type":    "document_pipeline",
			"payload":         map[string]string{"documentId": "doc-1"},
			"organization_id": job.OrganizationID.String(),
		}
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/workflow-queue/jobs", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusCreated, recorder.Code)
		assert.Contains(t, recorder.Body.String(), job.ID.String())
		jobSvc.AssertExpectations(t)
	})

	t.Run("returns 422 on validation failure", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		body := map[string]any{
			"correlation_id":  "corr-1",
			"workflow_type":   "Not Valid!",
			"handler_type":    "document_pipeline",
			"payload":         map[string]string{},
			"organization_id": uuid.New().String(),
		}
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/workflow-queue/jobs", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
		jobSvc.AssertNotCalled(t, "EnqueueJob", mock.Anything, mock.Anything)
	})

	t.Run("returns 400 on malformed json", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/workflow-queue/jobs", bytes.NewReader([]byte("{not json")))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestJobHandler_GetHandler(t *testing.T) {
	t.Run("returns the job", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		job := sampleJob()
		statusSvc.On("GetJob", mock.Anything, job.ID).Return(job, nil)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/workflow-queue/jobs/"+job.ID.String(), nil)
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), job.ID.String())
		assert.Contains(t, recorder.Body.String(), "pending")
	})

	t.Run("returns 404 for unknown job", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		id := uuid.New()
		statusSvc.On("GetJob", mock.Anything, id).Return(nil, apperrors.ErrNotFound)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/workflow-queue/jobs/"+id.String(), nil)
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("returns 422 for malformed id", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/workflow-queue/jobs/not-a-uuid", nil)
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
	})
}

func TestJobHandler_GetDetailHandler(t *testing.T) {
	jobSvc := new(mockJobService)
	statusSvc := new(mockStatusService)
	router := setupRouter(jobSvc, statusSvc)

	job := sampleJob()
	now := time.Now().UTC()
	durationMs := int64(1500)
	detail := &usecase.JobDetail{
		Job: job,
		History: []*domain.JobExecutionHistory{
			{
				ID:            uuid.New(),
				JobID:         job.ID,
				AttemptNumber: 1,
				Status:        domain.JobStatusCompleted,
				StartedAt:     now,
				CompletedAt:   &now,
				DurationMs:    &durationMs,
			},
		},
	}
	statusSvc.On("GetJobDetail", mock.Anything, job.ID).Return(detail, nil)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/workflow-queue/jobs/"+job.ID.String()+"/detail", nil)
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "attempt_number")
	assert.Contains(t, recorder.Body.String(), "history")
}

func TestJobHandler_CancelHandler(t *testing.T) {
	t.Run("cancels the job", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		job := sampleJob()
		job.Status = domain.JobStatusCancelled
		jobSvc.On("CancelJob", mock.Anything, job.ID).Return(job, nil)

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/workflow-queue/jobs/"+job.ID.String()+"/cancel", nil)
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), "cancelled")
	})

	t.Run("returns 409 for terminal job", func(t *testing.T) {
		jobSvc := new(mockJobService)
		statusSvc := new(mockStatusService)
		router := setupRouter(jobSvc, statusSvc)

		id := uuid.New()
		jobSvc.On("CancelJob", mock.Anything, id).
			Return(nil, &domain.InvalidTransitionError{From: domain.JobStatusCompleted, To: domain.JobStatusCancelled})

		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/workflow-queue/jobs/"+id.String()+"/cancel", nil)
		router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusConflict, recorder.Code)
	})
}

func TestJobHandler_MetricsHandler(t *testing.T) {
	jobSvc := new(mockJobService)
	statusSvc := new(mockStatusService)
	router := setupRouter(jobSvc, statusSvc)

	statusSvc.On("GetMetrics", mock.Anything).Return(&usecase.QueueMetrics{
		StatusCounts: map[domain.JobStatus]int64{
			domain.JobStatusPending:   3,
			domain.JobStatusCompleted: 42,
		},
		OldestPendingAge: 90 * time.Second,
		AverageDurations: map[domain.JobStatus]time.Duration{
			domain.JobStatusCompleted: 1500 * time.Millisecond,
		},
	}, nil)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/workflow-queue/metrics", nil)
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "status_counts")
	assert.Contains(t, recorder.Body.String(), `"pending":3`)
	assert.Contains(t, recorder.Body.String(), "oldest_pending_age_seconds")
}
