package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/allisson/jobflow/internal/broker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport serves deliveries from an in-memory channel.
type fakeTransport struct {
	mu         sync.Mutex
	deliveries chan *broker.Delivery
	acked      []string
	nacked     []string
	nackDelay  time.Duration
	depth      atomic.Int64
}

func newFakeTransport(buffer int) *fakeTransport {
	return &fakeTransport{deliveries: make(chan *broker.Delivery, buffer)}
}

func (f *fakeTransport) push(messageID string) {
	f.deliveries <- &broker.Delivery{Message: broker.Message{
		Exchange:   "workflow",
		RoutingKey: "jobs",
		MessageID:  messageID,
	}}
}

func (f *fakeTransport) Dequeue(ctx context.Context, _ string, block time.Duration) (*broker.Delivery, error) {
	select {
	case d := <-f.deliveries:
		return d, nil
	case <-time.After(block):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Ack(_ context.Context, d *broker.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d.Message.MessageID)
	return nil
}

func (f *fakeTransport) Nack(_ context.Context, d *broker.Delivery, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, d.Message.MessageID)
	f.nackDelay = delay
	return nil
}

func (f *fakeTransport) QueueDepth(context.Context, string) (int64, error) {
	return f.depth.Load(), nil
}

func (f *fakeTransport) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeTransport) nackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nacked...)
}

func testConfig() Config {
	return Config{
		Prefetch:     2,
		DrainTimeout: time.Second,
		NackDelay:    5 * time.Second,
		DequeueBlock: 20 * time.Millisecond,
	}
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
	return cancel
}

func TestWorker_AcksSuccessfulDeliveries(t *testing.T) {
	transport := newFakeTransport(10)
	w := New(transport, testConfig(), slog.New(slog.DiscardHandler))

	var handled atomic.Int32
	w.Subscribe("workflow.jobs", func(context.Context, *broker.Message) error {
		handled.Add(1)
		return nil
	})

	runWorker(t, w)

	transport.push("msg-1")
	transport.push("msg-2")

	assert.Eventually(t, func() bool {
		return len(transport.ackedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), handled.Load())
	assert.Empty(t, transport.nackedIDs())
}

func TestWorker_NacksFailedDeliveries(t *testing.T) {
	transport := newFakeTransport(10)
	w := New(transport, testConfig(), slog.New(slog.DiscardHandler))

	w.Subscribe("workflow.jobs", func(context.Context, *broker.Message) error {
		return errors.New("handler blew up")
	})

	runWorker(t, w)

	transport.push("msg-1")

	assert.Eventually(t, func() bool {
		return len(transport.nackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, transport.ackedIDs())
	assert.Equal(t, 5*time.Second, transport.nackDelay)
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	transport := newFakeTransport(10)
	cfg := testConfig()
	cfg.Prefetch = 2
	w := New(transport, cfg, slog.New(slog.DiscardHandler))

	var inflight, peak atomic.Int32
	release := make(chan struct{})
	w.Subscribe("workflow.jobs", func(context.Context, *broker.Message) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		return nil
	})

	runWorker(t, w)

	for i := 0; i < 6; i++ {
		transport.push("msg")
	}

	assert.Eventually(t, func() bool {
		return inflight.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// More deliveries are queued but the bound holds.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	assert.Eventually(t, func() bool {
		return len(transport.ackedIDs()) == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_DrainWaitsForInflightHandlers(t *testing.T) {
	transport := newFakeTransport(10)
	w := New(transport, testConfig(), slog.New(slog.DiscardHandler))

	started := make(chan struct{})
	w.Subscribe("workflow.jobs", func(context.Context, *broker.Message) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	cancel := runWorker(t, w)

	transport.push("msg-1")
	<-started
	cancel()

	// The handler outlives cancellation but finishes within the drain
	// timeout, so its delivery is still acked.
	assert.Eventually(t, func() bool {
		return len(transport.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_Autoscale(t *testing.T) {
	transport := newFakeTransport(10)
	cfg := testConfig()
	cfg.Autoscale = true
	cfg.AutoscaleMax = 4
	cfg.DepthThreshold = 10
	cfg.ScaleInterval = 20 * time.Millisecond
	w := New(transport, cfg, slog.New(slog.DiscardHandler))

	w.Subscribe("workflow.jobs", func(context.Context, *broker.Message) error {
		return nil
	})

	runWorker(t, w)

	// Deep queue: concurrency bound grows toward AutoscaleMax.
	transport.depth.Store(100)
	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.reserved == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Shallow queue: bound shrinks back to Prefetch.
	transport.depth.Store(0)
	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.reserved == int64(cfg.AutoscaleMax-cfg.Prefetch)
	}, 2*time.Second, 10*time.Millisecond)
}

// Reaper fakes.

type fakeJobReaper struct {
	calls atomic.Int32
	count int
	err   error
}

func (f *fakeJobReaper) ReapExpiredWaits(context.Context, int) (int, error) {
	f.calls.Add(1)
	return f.count, f.err
}

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) Sweep(context.Context) error {
	f.calls.Add(1)
	return nil
}

type fakeMover struct {
	queues    []string
	reclaimed []string
	mu        sync.Mutex
}

func (f *fakeMover) MoveDue(_ context.Context, queue string, _ time.Time, _ int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, queue)
	return 1, nil
}

func (f *fakeMover) ReclaimStale(_ context.Context, queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimed = append(f.reclaimed, queue)
	return 1, nil
}

func TestReaper_Tick(t *testing.T) {
	jobs := &fakeJobReaper{count: 2}
	sweeper := &fakeSweeper{}
	mover := &fakeMover{}

	r := NewReaper(jobs, sweeper, mover, ReaperConfig{
		Interval:  time.Minute,
		BatchSize: 50,
		Queues:    []string{"workflow.jobs", "workflow.stage-events"},
	}, slog.New(slog.DiscardHandler))

	r.Tick(context.Background())

	assert.Equal(t, int32(1), jobs.calls.Load())
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, []string{"workflow.jobs", "workflow.stage-events"}, mover.queues)
	assert.Equal(t, []string{"workflow.jobs", "workflow.stage-events"}, mover.reclaimed)
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	jobs := &fakeJobReaper{}
	r := NewReaper(jobs, &fakeSweeper{}, &fakeMover{}, ReaperConfig{
		Interval:  10 * time.Millisecond,
		BatchSize: 50,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return jobs.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
