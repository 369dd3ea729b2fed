// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/allisson/jobflow/internal/broker"
	"github.com/allisson/jobflow/internal/config"
	"github.com/allisson/jobflow/internal/correlation"
	"github.com/allisson/jobflow/internal/database"
	"github.com/allisson/jobflow/internal/http"
	inboxRepository "github.com/allisson/jobflow/internal/inbox/repository"
	"github.com/allisson/jobflow/internal/metrics"
	outboxRepository "github.com/allisson/jobflow/internal/outbox/repository"
	outboxUsecase "github.com/allisson/jobflow/internal/outbox/usecase"
	"github.com/allisson/jobflow/internal/retry"
	"github.com/allisson/jobflow/internal/worker"
	workflowHTTP "github.com/allisson/jobflow/internal/workflow/http"
	"github.com/allisson/jobflow/internal/workflow/pipeline"
	workflowRepository "github.com/allisson/jobflow/internal/workflow/repository"
	workflowUsecase "github.com/allisson/jobflow/internal/workflow/usecase"
)

// JobRepository is the full job store surface the container wires: the write
// operations the job use case needs plus the aggregate queries behind metrics.
type JobRepository interface {
	workflowUsecase.JobRepository
	workflowUsecase.MetricsRepository
}

// HistoryRepository is the full execution history surface: attempt writes plus
// the read queries behind job detail and metrics.
type HistoryRepository interface {
	workflowUsecase.HistoryRepository
	workflowUsecase.HistoryReader
}

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	db              *sql.DB
	redisClient     redis.UniversalClient
	msgBroker       *broker.Broker
	metricsProvider *metrics.Provider
	workflowMetrics metrics.WorkflowMetrics

	// Managers
	txManager database.TxManager

	// Repositories
	jobRepo     JobRepository
	historyRepo HistoryRepository
	inboxRepo   workflowUsecase.InboxRepository
	outboxRepo  outboxUsecase.OutboxRepository

	// Pipeline execution
	buffer   correlation.Buffer
	engine   *pipeline.Engine
	registry *workflowUsecase.Registry

	// Use Cases
	relayUseCase  *outboxUsecase.RelayUseCase
	jobUseCase    *workflowUsecase.JobUseCase
	statusUseCase *workflowUsecase.StatusUseCase

	// Servers and Workers
	httpServer    *http.Server
	metricsServer *http.MetricsServer
	queueWorker   *worker.Worker
	reaper        *worker.Reaper

	// Initialization flags and mutex for thread-safety
	mu                  sync.Mutex
	loggerInit          sync.Once
	dbInit              sync.Once
	redisInit           sync.Once
	brokerInit          sync.Once
	metricsProviderInit sync.Once
	workflowMetricsInit sync.Once
	txManagerInit       sync.Once
	jobRepoInit         sync.Once
	historyRepoInit     sync.Once
	inboxRepoInit       sync.Once
	outboxRepoInit      sync.Once
	bufferInit          sync.Once
	engineInit          sync.Once
	registryInit        sync.Once
	relayUseCaseInit    sync.Once
	jobUseCaseInit      sync.Once
	statusUseCaseInit   sync.Once
	httpServerInit      sync.Once
	metricsServerInit   sync.Once
	workerInit          sync.Once
	reaperInit          sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	var err error
	c.dbInit.Do(func() {
		c.db, err = c.initDB()
		if err != nil {
			c.initErrors["db"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager.
// It requires a database connection to be initialized first.
func (c *Container) TxManager() (database.TxManager, error) {
	var err error
	c.txManagerInit.Do(func() {
		c.txManager, err = c.initTxManager()
		if err != nil {
			c.initErrors["txManager"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// RedisClient returns the shared Redis client.
func (c *Container) RedisClient() (redis.UniversalClient, error) {
	var err error
	c.redisInit.Do(func() {
		c.redisClient, err = c.initRedisClient()
		if err != nil {
			c.initErrors["redis"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["redis"]; exists {
		return nil, storedErr
	}
	return c.redisClient, nil
}

// Broker returns the Redis-backed message broker.
func (c *Container) Broker() (*broker.Broker, error) {
	var err error
	c.brokerInit.Do(func() {
		c.msgBroker, err = c.initBroker()
		if err != nil {
			c.initErrors["broker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["broker"]; exists {
		return nil, storedErr
	}
	return c.msgBroker, nil
}

// MetricsProvider returns the OpenTelemetry metrics provider.
// Returns nil when metrics collection is disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsProviderInit.Do(func() {
		c.metricsProvider, err = c.initMetricsProvider()
		if err != nil {
			c.initErrors["metricsProvider"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// WorkflowMetrics returns the workflow metrics recorder.
// Returns a no-op implementation when metrics collection is disabled.
func (c *Container) WorkflowMetrics() (metrics.WorkflowMetrics, error) {
	var err error
	c.workflowMetricsInit.Do(func() {
		c.workflowMetrics, err = c.initWorkflowMetrics()
		if err != nil {
			c.initErrors["workflowMetrics"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["workflowMetrics"]; exists {
		return nil, storedErr
	}
	return c.workflowMetrics, nil
}

// CorrelationBuffer returns the stage event correlation buffer.
func (c *Container) CorrelationBuffer() (correlation.Buffer, error) {
	var err error
	c.bufferInit.Do(func() {
		c.buffer, err = c.initCorrelationBuffer()
		if err != nil {
			c.initErrors["buffer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["buffer"]; exists {
		return nil, storedErr
	}
	return c.buffer, nil
}

// JobRepository returns the workflow job repository instance.
func (c *Container) JobRepository() (JobRepository, error) {
	var err error
	c.jobRepoInit.Do(func() {
		c.jobRepo, err = c.initJobRepository()
		if err != nil {
			c.initErrors["jobRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["jobRepo"]; exists {
		return nil, storedErr
	}
	return c.jobRepo, nil
}

// HistoryRepository returns the execution history repository instance.
func (c *Container) HistoryRepository() (HistoryRepository, error) {
	var err error
	c.historyRepoInit.Do(func() {
		c.historyRepo, err = c.initHistoryRepository()
		if err != nil {
			c.initErrors["historyRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["historyRepo"]; exists {
		return nil, storedErr
	}
	return c.historyRepo, nil
}

// InboxRepository returns the inbox repository instance.
func (c *Container) InboxRepository() (workflowUsecase.InboxRepository, error) {
	var err error
	c.inboxRepoInit.Do(func() {
		c.inboxRepo, err = c.initInboxRepository()
		if err != nil {
			c.initErrors["inboxRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["inboxRepo"]; exists {
		return nil, storedErr
	}
	return c.inboxRepo, nil
}

// OutboxRepository returns the outbox message repository instance.
func (c *Container) OutboxRepository() (outboxUsecase.OutboxRepository, error) {
	var err error
	c.outboxRepoInit.Do(func() {
		c.outboxRepo, err = c.initOutboxRepository()
		if err != nil {
			c.initErrors["outboxRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["outboxRepo"]; exists {
		return nil, storedErr
	}
	return c.outboxRepo, nil
}

// Registry returns the workflow processor registry. Deployments register
// their processors on it before starting the worker.
func (c *Container) Registry() *workflowUsecase.Registry {
	c.registryInit.Do(func() {
		c.registry = workflowUsecase.NewRegistry()
	})
	return c.registry
}

// RegisterProcessors hands the workflow registry to fn. It must run before
// the server or worker starts: a job whose workflow type has no processor is
// rejected at enqueue and fails on delivery.
func (c *Container) RegisterProcessors(fn func(*workflowUsecase.Registry)) {
	fn(c.Registry())
}

// Engine returns the pipeline execution engine.
func (c *Container) Engine() *pipeline.Engine {
	c.engineInit.Do(func() {
		breakers := retry.NewBreakers(
			c.config.CircuitFailureThreshold,
			c.config.CircuitOpenDuration,
			c.Logger(),
		)
		c.engine = pipeline.NewEngine(breakers, c.Logger())
	})
	return c.engine
}

// RelayUseCase returns the outbox relay use case instance.
func (c *Container) RelayUseCase() (*outboxUsecase.RelayUseCase, error) {
	var err error
	c.relayUseCaseInit.Do(func() {
		c.relayUseCase, err = c.initRelayUseCase()
		if err != nil {
			c.initErrors["relayUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["relayUseCase"]; exists {
		return nil, storedErr
	}
	return c.relayUseCase, nil
}

// JobUseCase returns the workflow job use case instance.
func (c *Container) JobUseCase() (*workflowUsecase.JobUseCase, error) {
	var err error
	c.jobUseCaseInit.Do(func() {
		c.jobUseCase, err = c.initJobUseCase()
		if err != nil {
			c.initErrors["jobUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["jobUseCase"]; exists {
		return nil, storedErr
	}
	return c.jobUseCase, nil
}

// StatusUseCase returns the read-only status use case instance.
func (c *Container) StatusUseCase() (*workflowUsecase.StatusUseCase, error) {
	var err error
	c.statusUseCaseInit.Do(func() {
		c.statusUseCase, err = c.initStatusUseCase()
		if err != nil {
			c.initErrors["statusUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["statusUseCase"]; exists {
		return nil, storedErr
	}
	return c.statusUseCase, nil
}

// HTTPServer returns the HTTP API server instance.
func (c *Container) HTTPServer() (*http.Server, error) {
	var err error
	c.httpServerInit.Do(func() {
		c.httpServer, err = c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["httpServer"]; exists {
		return nil, storedErr
	}
	return c.httpServer, nil
}

// MetricsServer returns the Prometheus metrics server instance.
// Returns nil when metrics collection is disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	var err error
	c.metricsServerInit.Do(func() {
		c.metricsServer, err = c.initMetricsServer()
		if err != nil {
			c.initErrors["metricsServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Worker returns the queue worker instance with the job and stage-event
// queues subscribed.
func (c *Container) Worker() (*worker.Worker, error) {
	var err error
	c.workerInit.Do(func() {
		c.queueWorker, err = c.initWorker()
		if err != nil {
			c.initErrors["worker"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["worker"]; exists {
		return nil, storedErr
	}
	return c.queueWorker, nil
}

// Reaper returns the maintenance reaper instance.
func (c *Container) Reaper() (*worker.Reaper, error) {
	var err error
	c.reaperInit.Do(func() {
		c.reaper, err = c.initReaper()
		if err != nil {
			c.initErrors["reaper"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["reaper"]; exists {
		return nil, storedErr
	}
	return c.reaper, nil
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	// Shutdown HTTP server if initialized
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	// Shutdown metrics server if initialized
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	// Shutdown metrics provider if initialized
	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	// Stop the memory buffer janitor if one was created
	if memBuffer, ok := c.buffer.(*correlation.MemoryBuffer); ok {
		memBuffer.Close()
	}

	// Close Redis client if initialized
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("redis close: %w", err))
		}
	}

	// Close database connection if initialized
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	// Return combined errors if any occurred
	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initDB creates and configures the database connection.
func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initTxManager creates the transaction manager using the database connection.
func (c *Container) initTxManager() (database.TxManager, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for tx manager: %w", err)
	}
	return database.NewTxManager(db), nil
}

// initRedisClient creates the shared Redis client.
func (c *Container) initRedisClient() (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(c.config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// initBroker creates the Redis-backed message broker.
func (c *Container) initBroker() (*broker.Broker, error) {
	client, err := c.RedisClient()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for broker: %w", err)
	}
	return broker.New(client, c.config.BrokerMaxDeliveries), nil
}

// initMetricsProvider creates the OpenTelemetry metrics provider when enabled.
func (c *Container) initMetricsProvider() (*metrics.Provider, error) {
	if !c.config.MetricsEnabled {
		return nil, nil
	}

	provider, err := metrics.NewProvider(c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics provider: %w", err)
	}
	return provider, nil
}

// initWorkflowMetrics creates the workflow metrics recorder.
func (c *Container) initWorkflowMetrics() (metrics.WorkflowMetrics, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for workflow metrics: %w", err)
	}
	if provider == nil {
		return metrics.NewNoOpWorkflowMetrics(), nil
	}

	workflowMetrics, err := metrics.NewWorkflowMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow metrics: %w", err)
	}
	return workflowMetrics, nil
}

// initCorrelationBuffer creates the correlation buffer based on the configured backend.
func (c *Container) initCorrelationBuffer() (correlation.Buffer, error) {
	switch c.config.CorrelationBackend {
	case "redis":
		client, err := c.RedisClient()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client for correlation buffer: %w", err)
		}
		return correlation.NewRedisBuffer(client), nil
	case "memory":
		return correlation.NewMemoryBuffer(time.Minute), nil
	default:
		return nil, fmt.Errorf("unsupported correlation backend: %s", c.config.CorrelationBackend)
	}
}

// initJobRepository creates the workflow job repository instance.
func (c *Container) initJobRepository() (JobRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for job repository: %w", err)
	}

	// Select the appropriate repository based on the database driver
	switch c.config.DBDriver {
	case "mysql":
		return workflowRepository.NewMySQLJobRepository(db), nil
	case "postgres":
		return workflowRepository.NewPostgreSQLJobRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initHistoryRepository creates the execution history repository instance.
func (c *Container) initHistoryRepository() (HistoryRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for history repository: %w", err)
	}

	// Select the appropriate repository based on the database driver
	switch c.config.DBDriver {
	case "mysql":
		return workflowRepository.NewMySQLHistoryRepository(db), nil
	case "postgres":
		return workflowRepository.NewPostgreSQLHistoryRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initInboxRepository creates the inbox repository instance.
func (c *Container) initInboxRepository() (workflowUsecase.InboxRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for inbox repository: %w", err)
	}

	// Select the appropriate repository based on the database driver
	switch c.config.DBDriver {
	case "mysql":
		return inboxRepository.NewMySQLInboxRepository(db), nil
	case "postgres":
		return inboxRepository.NewPostgreSQLInboxRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initOutboxRepository creates the outbox message repository instance.
func (c *Container) initOutboxRepository() (outboxUsecase.OutboxRepository, error) {
	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for outbox repository: %w", err)
	}

	// Select the appropriate repository based on the database driver
	switch c.config.DBDriver {
	case "mysql":
		return outboxRepository.NewMySQLOutboxRepository(db), nil
	case "postgres":
		return outboxRepository.NewPostgreSQLOutboxRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
	}
}

// initRelayUseCase creates the outbox relay use case with all its dependencies.
func (c *Container) initRelayUseCase() (*outboxUsecase.RelayUseCase, error) {
	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for relay use case: %w", err)
	}

	msgBroker, err := c.Broker()
	if err != nil {
		return nil, fmt.Errorf("failed to get broker for relay use case: %w", err)
	}

	relayConfig := outboxUsecase.RelayConfig{
		Interval:       c.config.RelayInterval,
		BatchSize:      c.config.RelayBatchSize,
		MaxRetries:     c.config.RelayMaxRetries,
		StaleLockAfter: c.config.RelayStaleLockAfter,
		Retention:      c.config.RelayRetention,
		RetryPolicy: retry.Policy{
			MaxAttempts:  c.config.RelayMaxRetries,
			InitialDelay: c.config.RetryBaseDelay,
			MaxDelay:     c.config.RetryMaxDelay,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
	}

	return outboxUsecase.NewRelayUseCase(outboxRepo, msgBroker, relayConfig, c.Logger()), nil
}

// initJobUseCase creates the workflow job use case with all its dependencies.
func (c *Container) initJobUseCase() (*workflowUsecase.JobUseCase, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for job use case: %w", err)
	}

	jobRepo, err := c.JobRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get job repository for job use case: %w", err)
	}

	historyRepo, err := c.HistoryRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get history repository for job use case: %w", err)
	}

	inboxRepo, err := c.InboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox repository for job use case: %w", err)
	}

	outboxRepo, err := c.OutboxRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox repository for job use case: %w", err)
	}

	buffer, err := c.CorrelationBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to get correlation buffer for job use case: %w", err)
	}

	workflowMetrics, err := c.WorkflowMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow metrics for job use case: %w", err)
	}

	jobConfig := workflowUsecase.JobConfig{
		DefaultMaxRetries: c.config.RetryMaxAttempts,
		CorrelationTTL:    c.config.CorrelationTTL,
	}

	return workflowUsecase.NewJobUseCase(
		txManager,
		jobRepo,
		historyRepo,
		inboxRepo,
		outboxRepo,
		buffer,
		c.Engine(),
		c.Registry(),
		retry.NewClassifier(),
		workflowMetrics,
		jobConfig,
		c.Logger(),
	), nil
}

// initStatusUseCase creates the status use case with all its dependencies.
func (c *Container) initStatusUseCase() (*workflowUsecase.StatusUseCase, error) {
	jobRepo, err := c.JobRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get job repository for status use case: %w", err)
	}

	historyRepo, err := c.HistoryRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get history repository for status use case: %w", err)
	}

	return workflowUsecase.NewStatusUseCase(jobRepo, historyRepo, jobRepo), nil
}

// initHTTPServer creates the HTTP API server with all its dependencies.
func (c *Container) initHTTPServer() (*http.Server, error) {
	logger := c.Logger()

	db, err := c.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for http server: %w", err)
	}

	jobUseCase, err := c.JobUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get job use case for http server: %w", err)
	}

	statusUseCase, err := c.StatusUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get status use case for http server: %w", err)
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for http server: %w", err)
	}

	var metricsMiddleware gin.HandlerFunc
	if provider != nil {
		metricsMiddleware = metrics.HTTPMetricsMiddleware(provider.MeterProvider(), c.config.MetricsNamespace)
	}

	jobHandler := workflowHTTP.NewJobHandler(jobUseCase, statusUseCase, logger)

	server := http.NewServer(db, c.config.ServerHost, c.config.ServerPort, logger)
	server.SetupRouter(c.config, jobHandler, metricsMiddleware)

	return server, nil
}

// initMetricsServer creates the Prometheus metrics server when enabled.
func (c *Container) initMetricsServer() (*http.MetricsServer, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics provider for metrics server: %w", err)
	}
	if provider == nil {
		return nil, nil
	}

	return http.NewMetricsServer(c.config.ServerHost, c.config.MetricsPort, c.Logger(), provider), nil
}

// initWorker creates the queue worker and subscribes the job and stage-event
// queues, recording delivery results on the workflow metrics.
func (c *Container) initWorker() (*worker.Worker, error) {
	msgBroker, err := c.Broker()
	if err != nil {
		return nil, fmt.Errorf("failed to get broker for worker: %w", err)
	}

	jobUseCase, err := c.JobUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get job use case for worker: %w", err)
	}

	workflowMetrics, err := c.WorkflowMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow metrics for worker: %w", err)
	}

	workerConfig := worker.Config{
		Prefetch:       c.config.WorkerPrefetch,
		DrainTimeout:   c.config.WorkerDrainTimeout,
		NackDelay:      c.config.RetryBaseDelay,
		Autoscale:      c.config.AutoscaleEnabled,
		AutoscaleMax:   c.config.AutoscaleMaxWorkers,
		DepthThreshold: int64(c.config.AutoscaleQueueDepthThreshold),
	}

	w := worker.New(msgBroker, workerConfig, c.Logger())
	w.Subscribe(c.config.WorkerQueue, instrumentHandler(workflowMetrics, c.config.WorkerQueue, jobUseCase.ProcessMessage))
	w.Subscribe(c.config.WorkerEventQueue, instrumentHandler(workflowMetrics, c.config.WorkerEventQueue, jobUseCase.HandleStageCompleted))

	return w, nil
}

// instrumentHandler wraps a queue handler to record delivery results.
func instrumentHandler(workflowMetrics metrics.WorkflowMetrics, queue string, handler worker.Handler) worker.Handler {
	return func(ctx context.Context, msg *broker.Message) error {
		err := handler(ctx, msg)

		result := "acked"
		if err != nil {
			result = "nacked"
		}
		workflowMetrics.RecordDelivery(ctx, queue, result)

		return err
	}
}

// initReaper creates the maintenance reaper with all its dependencies.
func (c *Container) initReaper() (*worker.Reaper, error) {
	jobUseCase, err := c.JobUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get job use case for reaper: %w", err)
	}

	relayUseCase, err := c.RelayUseCase()
	if err != nil {
		return nil, fmt.Errorf("failed to get relay use case for reaper: %w", err)
	}

	msgBroker, err := c.Broker()
	if err != nil {
		return nil, fmt.Errorf("failed to get broker for reaper: %w", err)
	}

	reaperConfig := worker.ReaperConfig{
		Interval:  c.config.ReaperInterval,
		BatchSize: c.config.ReaperBatchSize,
		Queues:    []string{c.config.WorkerQueue, c.config.WorkerEventQueue},
	}

	return worker.NewReaper(jobUseCase, relayUseCase, msgBroker, reaperConfig, c.Logger()), nil
}
