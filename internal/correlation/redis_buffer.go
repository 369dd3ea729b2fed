package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/jobflow/internal/errors"
	"github.com/allisson/jobflow/internal/workflow/domain"
)

// RedisBuffer backs the correlation buffer with a shared short-TTL store so
// the fast-path resume works across worker instances: the instance that
// persists the pause can consume an event buffered by any other instance.
type RedisBuffer struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBuffer creates a redis-backed buffer.
func NewRedisBuffer(client redis.UniversalClient) *RedisBuffer {
	return &RedisBuffer{
		client:    client,
		keyPrefix: "correlation:",
	}
}

// Store implements Buffer. The entry self-expires after ttl.
func (b *RedisBuffer) Store(ctx context.Context, eventType, eventKey string, event *domain.StageCompletedEvent, ttl time.Duration) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apperrors.Wrap(err, "encode buffered event")
	}

	key := b.keyPrefix + bufferKey(eventType, eventKey)
	if err := b.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return apperrors.Wrap(err, "store buffered event")
	}
	return nil
}

// Check implements Buffer. GETDEL makes the read-and-consume atomic, so two
// racing workers cannot both resume from the same buffered event.
func (b *RedisBuffer) Check(ctx context.Context, eventType, eventKey string) (*domain.StageCompletedEvent, error) {
	key := b.keyPrefix + bufferKey(eventType, eventKey)

	data, err := b.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "check buffered event")
	}

	var event domain.StageCompletedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, apperrors.Wrap(err, "decode buffered event")
	}
	return &event, nil
}
