// Package broker implements the message transport on Redis: durable work
// queues (lists), delayed redelivery (sorted sets with a due-mover), and a
// dead-letter queue per work queue. Delivery is at-least-once: a dequeued
// message sits in a per-consumer processing list until acked, and unacked
// messages from dead consumers can be reclaimed.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// Message is the outbound envelope. Exchange and RoutingKey select the queue;
// MessageID feeds inbox dedup on the consumer side.
type Message struct {
	Exchange      string          `json:"exchange"`
	RoutingKey    string          `json:"routing_key"`
	MessageID     string          `json:"message_id"`
	Payload       json.RawMessage `json:"payload"`
	DeliveryCount int             `json:"delivery_count"`
}

// QueueName maps an exchange/routing-key pair to its queue.
func QueueName(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

// Publisher publishes messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	PublishDelayed(ctx context.Context, msg Message, at time.Time) error
}

// Delivery is a dequeued message awaiting acknowledgement.
type Delivery struct {
	Message Message

	queue string
	// raw is the exact list element, needed to remove it from the
	// processing list on ack.
	raw string
}

// Broker is the redis-backed transport.
type Broker struct {
	client     redis.UniversalClient
	consumerID string
	// maxDeliveries is the delivery budget before a message is dead-lettered.
	maxDeliveries int
}

// New creates a Broker. Each process gets a unique consumer id so its
// processing lists are distinguishable for reclaim.
func New(client redis.UniversalClient, maxDeliveries int) *Broker {
	return &Broker{
		client:        client,
		consumerID:    uuid.NewString(),
		maxDeliveries: maxDeliveries,
	}
}

// Publish pushes the message onto its work queue.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, "encode broker message")
	}

	queue := QueueName(msg.Exchange, msg.RoutingKey)
	if err := b.client.LPush(ctx, queueKey(queue), data).Err(); err != nil {
		return apperrors.Wrapf(err, "publish to queue %s", queue)
	}
	return nil
}

// PublishDelayed schedules the message for delivery at the given time via the
// queue's delayed sorted set. MoveDue promotes due entries onto the queue.
func (b *Broker) PublishDelayed(ctx context.Context, msg Message, at time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, "encode broker message")
	}

	queue := QueueName(msg.Exchange, msg.RoutingKey)
	z := redis.Z{Score: float64(at.Unix()), Member: data}
	if err := b.client.ZAdd(ctx, delayedKey(queue), z).Err(); err != nil {
		return apperrors.Wrapf(err, "schedule on queue %s", queue)
	}
	return nil
}

// heartbeatTTL bounds how long a crashed consumer's in-flight deliveries
// stay stuck before ReclaimStale may requeue them. Every Dequeue refreshes
// the heartbeat, so the TTL must exceed the longest dequeue block.
const heartbeatTTL = time.Minute

// Dequeue blocks up to the given duration for the next message, moving it
// into this consumer's processing list. Returns nil when the queue stayed
// empty for the whole block window. Each call also registers the consumer on
// the queue and refreshes its heartbeat.
func (b *Broker) Dequeue(ctx context.Context, queue string, block time.Duration) (*Delivery, error) {
	pipe := b.client.Pipeline()
	pipe.SAdd(ctx, consumersKey(queue), b.consumerID)
	pipe.Set(ctx, heartbeatKey(queue, b.consumerID), "1", heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.Wrapf(err, "register consumer on queue %s", queue)
	}

	raw, err := b.client.BRPopLPush(ctx, queueKey(queue), b.processingKey(queue), block).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, "dequeue from queue %s", queue)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Unparseable payloads go straight to the dead-letter queue.
		if remErr := b.client.LRem(ctx, b.processingKey(queue), 1, raw).Err(); remErr != nil {
			return nil, apperrors.Wrapf(remErr, "drop unparseable message from queue %s", queue)
		}
		if pushErr := b.client.LPush(ctx, dlqKey(queue), raw).Err(); pushErr != nil {
			return nil, apperrors.Wrapf(pushErr, "dead-letter unparseable message from queue %s", queue)
		}
		return nil, apperrors.Wrapf(err, "decode message from queue %s", queue)
	}
	msg.DeliveryCount++

	return &Delivery{Message: msg, queue: queue, raw: raw}, nil
}

// Ack removes the delivery from the processing list.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	if err := b.client.LRem(ctx, b.processingKey(d.queue), 1, d.raw).Err(); err != nil {
		return apperrors.Wrapf(err, "ack message %s", d.Message.MessageID)
	}
	return nil
}

// Nack removes the delivery from the processing list and either reschedules
// it after delay or, once the delivery budget is spent, dead-letters it.
func (b *Broker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := b.client.LRem(ctx, b.processingKey(d.queue), 1, d.raw).Err(); err != nil {
		return apperrors.Wrapf(err, "nack message %s", d.Message.MessageID)
	}

	if b.maxDeliveries > 0 && d.Message.DeliveryCount >= b.maxDeliveries {
		return b.deadLetter(ctx, d)
	}

	data, err := json.Marshal(d.Message)
	if err != nil {
		return apperrors.Wrap(err, "encode broker message")
	}

	if delay <= 0 {
		if err := b.client.LPush(ctx, queueKey(d.queue), data).Err(); err != nil {
			return apperrors.Wrapf(err, "requeue message %s", d.Message.MessageID)
		}
		return nil
	}

	z := redis.Z{Score: float64(time.Now().Add(delay).Unix()), Member: data}
	if err := b.client.ZAdd(ctx, delayedKey(d.queue), z).Err(); err != nil {
		return apperrors.Wrapf(err, "delay message %s", d.Message.MessageID)
	}
	return nil
}

func (b *Broker) deadLetter(ctx context.Context, d *Delivery) error {
	data, err := json.Marshal(d.Message)
	if err != nil {
		return apperrors.Wrap(err, "encode broker message")
	}
	if err := b.client.LPush(ctx, dlqKey(d.queue), data).Err(); err != nil {
		return apperrors.Wrapf(err, "dead-letter message %s", d.Message.MessageID)
	}
	return nil
}

// MoveDue promotes up to batch due messages from the queue's delayed set onto
// the work queue. Returns the number promoted.
func (b *Broker) MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error) {
	rangeBy := &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.Unix()),
		Offset: 0,
		Count:  batch,
	}
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), rangeBy).Result()
	if err != nil {
		return 0, apperrors.Wrapf(err, "scan delayed set for queue %s", queue)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, member := range members {
		pipe.LPush(ctx, queueKey(queue), member)
		pipe.ZRem(ctx, delayedKey(queue), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apperrors.Wrapf(err, "promote delayed messages for queue %s", queue)
	}
	return len(members), nil
}

// ReclaimStale requeues deliveries stuck in the processing lists of dead
// consumers. A consumer counts as dead once its heartbeat key has expired.
// Reclaimed messages are redelivered, so handlers must tolerate duplicates.
// Returns the number of messages moved back onto the work queue.
func (b *Broker) ReclaimStale(ctx context.Context, queue string) (int, error) {
	ids, err := b.client.SMembers(ctx, consumersKey(queue)).Result()
	if err != nil {
		return 0, apperrors.Wrapf(err, "list consumers for queue %s", queue)
	}

	moved := 0
	for _, id := range ids {
		if id == b.consumerID {
			continue
		}
		alive, err := b.client.Exists(ctx, heartbeatKey(queue, id)).Result()
		if err != nil {
			return moved, apperrors.Wrapf(err, "check heartbeat of consumer %s", id)
		}
		if alive > 0 {
			continue
		}

		processing := fmt.Sprintf("processing:%s:%s", queue, id)
		for {
			_, err := b.client.LMove(ctx, processing, queueKey(queue), "RIGHT", "LEFT").Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return moved, apperrors.Wrapf(err, "reclaim deliveries of consumer %s", id)
			}
			moved++
		}

		if err := b.client.SRem(ctx, consumersKey(queue), id).Err(); err != nil {
			return moved, apperrors.Wrapf(err, "deregister consumer %s", id)
		}
	}
	return moved, nil
}

// QueueDepth returns the number of messages waiting on the queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	depth, err := b.client.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, apperrors.Wrapf(err, "queue depth for %s", queue)
	}
	return depth, nil
}

func (b *Broker) processingKey(queue string) string {
	return fmt.Sprintf("processing:%s:%s", queue, b.consumerID)
}

func queueKey(queue string) string   { return "queue:" + queue }
func delayedKey(queue string) string { return "delayed:" + queue }
func dlqKey(queue string) string     { return "dlq:" + queue }

func consumersKey(queue string) string { return "consumers:" + queue }

func heartbeatKey(queue, consumerID string) string {
	return "heartbeat:" + queue + ":" + consumerID
}
