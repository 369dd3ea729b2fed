// Package correlation provides the short-TTL holding area that reconciles the
// race between a heavy stage's completion event and the job being durably
// marked waiting. The buffer is an optimization, not a correctness guarantee:
// if an entry is lost the reaper's timeout sweep remains the backstop.
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/allisson/jobflow/internal/workflow/domain"
)

// Buffer stores stage-completed events that arrived before their job's pause
// was committed. Check consumes: a returned event is removed.
type Buffer interface {
	Store(ctx context.Context, eventType, eventKey string, event *domain.StageCompletedEvent, ttl time.Duration) error
	Check(ctx context.Context, eventType, eventKey string) (*domain.StageCompletedEvent, error)
}

type memoryEntry struct {
	event     *domain.StageCompletedEvent
	expiresAt time.Time
}

// MemoryBuffer is the in-process implementation. It is advisory only: in a
// multi-instance deployment a fast-path resume works only when the same
// process stores and checks the entry; otherwise the reaper path applies.
type MemoryBuffer struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	done    chan struct{}
	closeMu sync.Once
}

// NewMemoryBuffer creates a buffer and starts its expiry janitor. Call Close
// to stop the janitor.
func NewMemoryBuffer(janitorInterval time.Duration) *MemoryBuffer {
	b := &MemoryBuffer{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go b.janitor(janitorInterval)
	return b
}

// Store implements Buffer.
func (b *MemoryBuffer) Store(_ context.Context, eventType, eventKey string, event *domain.StageCompletedEvent, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[bufferKey(eventType, eventKey)] = memoryEntry{
		event:     event,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Check implements Buffer. A matching non-expired entry is returned and
// removed; otherwise nil.
func (b *MemoryBuffer) Check(_ context.Context, eventType, eventKey string) (*domain.StageCompletedEvent, error) {
	key := bufferKey(eventType, eventKey)

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	delete(b.entries, key)
	if time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.event, nil
}

// Close stops the expiry janitor.
func (b *MemoryBuffer) Close() {
	b.closeMu.Do(func() { close(b.done) })
}

func (b *MemoryBuffer) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for key, entry := range b.entries {
				if now.After(entry.expiresAt) {
					delete(b.entries, key)
				}
			}
			b.mu.Unlock()
		}
	}
}

func bufferKey(eventType, eventKey string) string {
	return eventType + ":" + eventKey
}
