// Package http provides HTTP handlers for the workflow queue API: enqueueing
// jobs, cancelling them, and the read-only status and metrics surface.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/allisson/jobflow/internal/errors"

	"github.com/allisson/jobflow/internal/httputil"
	customValidation "github.com/allisson/jobflow/internal/validation"
	"github.com/allisson/jobflow/internal/workflow/domain"
	"github.com/allisson/jobflow/internal/workflow/http/dto"
	"github.com/allisson/jobflow/internal/workflow/usecase"
)

// JobService is the write surface the handler needs.
type JobService interface {
	EnqueueJob(ctx context.Context, input usecase.EnqueueJobInput) (*domain.WorkflowJob, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error)
}

// StatusService is the read surface the handler needs.
type StatusService interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.WorkflowJob, error)
	GetJobDetail(ctx context.Context, id uuid.UUID) (*usecase.JobDetail, error)
	GetMetrics(ctx context.Context) (*usecase.QueueMetrics, error)
}

// JobHandler handles HTTP requests for workflow job operations.
type JobHandler struct {
	jobUseCase    JobService
	statusUseCase StatusService
	logger        *slog.Logger
}

// NewJobHandler creates a new job handler with required dependencies.
func NewJobHandler(jobUseCase JobService, statusUseCase StatusService, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		jobUseCase:    jobUseCase,
		statusUseCase: statusUseCase,
		logger:        logger,
	}
}

// EnqueueHandler enqueues a new workflow job.
// POST /v1/workflow-queue/jobs
// Returns 201 Created with the pending job.
func (h *JobHandler) EnqueueHandler(c *gin.Context) {
	var req dto.EnqueueJobRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, customValidation.WrapValidationError(err), h.logger)
		return
	}

	organizationID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		httputil.HandleValidationErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "organization_id must be a UUID"), h.logger)
		return
	}

	var teamID *uuid.UUID
	if req.TeamID != "" {
		parsed, err := uuid.Parse(req.TeamID)
		if err != nil {
			httputil.HandleValidationErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "team_id must be a UUID"), h.logger)
			return
		}
		teamID = &parsed
	}

	job, err := h.jobUseCase.EnqueueJob(c.Request.Context(), usecase.EnqueueJobInput{
		CorrelationID:  req.CorrelationID,
		WorkflowType:   req.WorkflowType,
		HandlerType:    req.HandlerType,
		Payload:        req.Payload,
		OrganizationID: organizationID,
		TeamID:         teamID,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		Metadata:       req.Metadata,
	})
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": dto.MapJobToResponse(job)})
}

// GetHandler returns the current state of a job.
// GET /v1/workflow-queue/jobs/:id
func (h *JobHandler) GetHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	job, err := h.statusUseCase.GetJob(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dto.MapJobToResponse(job)})
}

// GetDetailHandler returns a job together with its execution history.
// GET /v1/workflow-queue/jobs/:id/detail
func (h *JobHandler) GetDetailHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	detail, err := h.statusUseCase.GetJobDetail(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dto.MapJobDetailToResponse(detail)})
}

// CancelHandler cancels a non-terminal job.
// POST /v1/workflow-queue/jobs/:id/cancel
func (h *JobHandler) CancelHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	job, err := h.jobUseCase.CancelJob(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dto.MapJobToResponse(job)})
}

// MetricsHandler returns a queue health snapshot.
// GET /v1/workflow-queue/metrics
func (h *JobHandler) MetricsHandler(c *gin.Context) {
	metrics, err := h.statusUseCase.GetMetrics(c.Request.Context())
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dto.MapMetricsToResponse(metrics)})
}

func (h *JobHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleValidationErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "id must be a UUID"), h.logger)
		return uuid.Nil, false
	}
	return id, true
}

// RegisterRoutes mounts the workflow queue routes on a router group.
func (h *JobHandler) RegisterRoutes(group *gin.RouterGroup) {
	jobs := group.Group("/workflow-queue")
	{
		jobs.POST("/jobs", h.EnqueueHandler)
		jobs.GET("/jobs/:id", h.GetHandler)
		jobs.GET("/jobs/:id/detail", h.GetDetailHandler)
		jobs.POST("/jobs/:id/cancel", h.CancelHandler)
		jobs.GET("/metrics", h.MetricsHandler)
	}
}
