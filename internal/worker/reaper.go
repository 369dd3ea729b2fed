package worker

import (
	"context"
	"log/slog"
	"time"
)

// JobReaper recovers jobs whose wait deadline has passed.
type JobReaper interface {
	ReapExpiredWaits(ctx context.Context, limit int) (int, error)
}

// OutboxSweeper reclaims stale outbox locks and prunes sent messages.
type OutboxSweeper interface {
	Sweep(ctx context.Context) error
}

// QueueMaintainer promotes due delayed messages onto their work queues and
// requeues deliveries abandoned by dead consumers.
type QueueMaintainer interface {
	MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error)
	ReclaimStale(ctx context.Context, queue string) (int, error)
}

// ReaperConfig holds reaper tuning parameters.
type ReaperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Queues lists the work queues whose delayed sets the reaper promotes.
	Queues []string
}

// Reaper is the periodic maintenance loop. It is the correctness backstop for
// lost completion events and crashed relay instances, so multiple instances
// may run concurrently; row locks keep them from double-reaping.
type Reaper struct {
	jobs    JobReaper
	outbox  OutboxSweeper
	mover   QueueMaintainer
	cfg     ReaperConfig
	logger  *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(jobs JobReaper, outbox OutboxSweeper, mover QueueMaintainer, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	return &Reaper{
		jobs:   jobs,
		outbox: outbox,
		mover:  mover,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes the maintenance loop until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", slog.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass.
func (r *Reaper) Tick(ctx context.Context) {
	reaped, err := r.jobs.ReapExpiredWaits(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("expired wait sweep failed", slog.Any("error", err))
	} else if reaped > 0 {
		r.logger.Info("reaped expired waits", slog.Int("count", reaped))
	}

	if err := r.outbox.Sweep(ctx); err != nil {
		r.logger.Error("outbox sweep failed", slog.Any("error", err))
	}

	now := time.Now().UTC()
	for _, queue := range r.cfg.Queues {
		moved, err := r.mover.MoveDue(ctx, queue, now, int64(r.cfg.BatchSize))
		if err != nil {
			r.logger.Error("delayed message promotion failed",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
			continue
		}
		if moved > 0 {
			r.logger.Info("promoted delayed messages",
				slog.String("queue", queue),
				slog.Int("count", moved),
			)
		}
	}

	for _, queue := range r.cfg.Queues {
		reclaimed, err := r.mover.ReclaimStale(ctx, queue)
		if err != nil {
			r.logger.Error("stale delivery reclaim failed",
				slog.String("queue", queue),
				slog.Any("error", err),
			)
			continue
		}
		if reclaimed > 0 {
			r.logger.Warn("reclaimed deliveries from dead consumers",
				slog.String("queue", queue),
				slog.Int("count", reclaimed),
			)
		}
	}
}
