// Package worker runs the queue consumers: the job worker with bounded
// concurrency and graceful drain, and the reaper that recovers expired waits,
// stale outbox locks, and due delayed messages.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/allisson/jobflow/internal/broker"
)

// Transport is the broker surface the worker needs.
type Transport interface {
	Dequeue(ctx context.Context, queue string, block time.Duration) (*broker.Delivery, error)
	Ack(ctx context.Context, d *broker.Delivery) error
	Nack(ctx context.Context, d *broker.Delivery, delay time.Duration) error
	QueueDepth(ctx context.Context, queue string) (int64, error)
}

// Handler processes one delivery. A returned error nacks the delivery for
// redelivery with backoff; nil acks it.
type Handler func(ctx context.Context, msg *broker.Message) error

// Config holds worker tuning parameters.
type Config struct {
	// Prefetch bounds in-flight handlers when autoscaling is off, and is the
	// lower bound when it is on.
	Prefetch int
	// DrainTimeout bounds how long Stop waits for in-flight handlers.
	DrainTimeout time.Duration
	// NackDelay is the redelivery backoff for failed handlers.
	NackDelay time.Duration
	// DequeueBlock is how long one dequeue call blocks on an empty queue.
	DequeueBlock time.Duration

	// Autoscale grows the concurrency bound up to Max while the queue is
	// deeper than DepthThreshold.
	Autoscale      bool
	AutoscaleMax   int
	DepthThreshold int64
	ScaleInterval  time.Duration
}

type subscription struct {
	queue   string
	handler Handler
}

// Worker consumes queues with bounded concurrency.
type Worker struct {
	transport     Transport
	cfg           Config
	logger        *slog.Logger
	subscriptions []subscription

	// sem is sized to the maximum concurrency; reserved permits below shrink
	// the effective bound.
	sem *semaphore.Weighted
	// reserved is the number of permits the autoscaler currently holds to
	// keep concurrency at its lower bound.
	mu       sync.Mutex
	reserved int64

	wg sync.WaitGroup
}

// New creates a Worker.
func New(transport Transport, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.AutoscaleMax < cfg.Prefetch {
		cfg.AutoscaleMax = cfg.Prefetch
	}
	if cfg.DequeueBlock <= 0 {
		cfg.DequeueBlock = time.Second
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 10 * time.Second
	}

	w := &Worker{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.AutoscaleMax)),
	}

	// Start at the lower bound: hold back the permits above Prefetch.
	w.reserved = int64(cfg.AutoscaleMax - cfg.Prefetch)
	if w.reserved > 0 {
		// Cannot fail: the semaphore is untouched.
		_ = w.sem.TryAcquire(w.reserved)
	}

	return w
}

// Subscribe registers a handler for a queue. Must be called before Run.
func (w *Worker) Subscribe(queue string, handler Handler) {
	w.subscriptions = append(w.subscriptions, subscription{queue: queue, handler: handler})
}

// Run consumes all subscribed queues until the context is cancelled, then
// drains in-flight handlers. Handlers that outlive the drain timeout are
// abandoned and their deliveries redelivered later.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.Int("queues", len(w.subscriptions)),
		slog.Int("prefetch", w.cfg.Prefetch),
		slog.Bool("autoscale", w.cfg.Autoscale),
	)

	var loops sync.WaitGroup
	for _, sub := range w.subscriptions {
		loops.Add(1)
		go func(sub subscription) {
			defer loops.Done()
			w.consumeLoop(ctx, sub)
		}(sub)
	}

	if w.cfg.Autoscale {
		loops.Add(1)
		go func() {
			defer loops.Done()
			w.autoscaleLoop(ctx)
		}()
	}

	<-ctx.Done()
	loops.Wait()
	w.drain()
	return ctx.Err()
}

func (w *Worker) consumeLoop(ctx context.Context, sub subscription) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		delivery, err := w.transport.Dequeue(ctx, sub.queue, w.cfg.DequeueBlock)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed",
				slog.String("queue", sub.queue),
				slog.Any("error", err),
			)
			continue
		}
		if delivery == nil {
			w.sem.Release(1)
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.handle(ctx, sub, delivery)
		}()
	}
}

// handle runs one delivery. It uses a context detached from the consume loop
// so cancellation drains instead of aborting handlers mid-flight.
func (w *Worker) handle(ctx context.Context, sub subscription, delivery *broker.Delivery) {
	handleCtx := context.WithoutCancel(ctx)

	if err := sub.handler(handleCtx, &delivery.Message); err != nil {
		w.logger.Error("handler failed, delivery nacked",
			slog.String("queue", sub.queue),
			slog.String("message_id", delivery.Message.MessageID),
			slog.Int("delivery_count", delivery.Message.DeliveryCount),
			slog.Any("error", err),
		)
		if nackErr := w.transport.Nack(handleCtx, delivery, w.cfg.NackDelay); nackErr != nil {
			w.logger.Error("nack failed", slog.Any("error", nackErr))
		}
		return
	}

	if err := w.transport.Ack(handleCtx, delivery); err != nil {
		w.logger.Error("ack failed",
			slog.String("message_id", delivery.Message.MessageID),
			slog.Any("error", err),
		)
	}
}

// drain waits for in-flight handlers up to the drain timeout. Exceeding the
// timeout is logged, not fatal: unacked deliveries are redelivered.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained")
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout exceeded, abandoning in-flight handlers",
			slog.Duration("timeout", w.cfg.DrainTimeout),
		)
	}
}

// autoscaleLoop adjusts the concurrency bound between Prefetch and
// AutoscaleMax based on the depth of the subscribed queues.
func (w *Worker) autoscaleLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rescale(ctx)
		}
	}
}

func (w *Worker) rescale(ctx context.Context) {
	var depth int64
	for _, sub := range w.subscriptions {
		d, err := w.transport.QueueDepth(ctx, sub.queue)
		if err != nil {
			w.logger.Error("queue depth check failed",
				slog.String("queue", sub.queue),
				slog.Any("error", err),
			)
			return
		}
		depth += d
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if depth > w.cfg.DepthThreshold && w.reserved > 0 {
		// Scale up: hand back one reserved permit.
		w.sem.Release(1)
		w.reserved--
		w.logger.Info("scaled up worker concurrency",
			slog.Int64("queue_depth", depth),
			slog.Int64("concurrency", int64(w.cfg.AutoscaleMax)-w.reserved),
		)
		return
	}

	maxReserved := int64(w.cfg.AutoscaleMax - w.cfg.Prefetch)
	if depth <= w.cfg.DepthThreshold && w.reserved < maxReserved {
		// Scale down, but never block the loop: skip when all permits are in
		// use by handlers.
		if w.sem.TryAcquire(1) {
			w.reserved++
			w.logger.Info("scaled down worker concurrency",
				slog.Int64("queue_depth", depth),
				slog.Int64("concurrency", int64(w.cfg.AutoscaleMax)-w.reserved),
			)
		}
	}
}
