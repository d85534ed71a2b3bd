/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue carries pipeline messages over Redis streams with consumer
// groups. Delivery is at-least-once: handlers must be idempotent. Messages
// that exhaust their delivery budget move to a per-queue dead-letter stream.
// Session-partitioned queues hash a session key onto a fixed set of partition
// streams, each consumed by a single goroutine, so messages sharing a session
// serialize while unrelated sessions proceed in parallel.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/shardstream/shardstream/pkg/metrics"
	"github.com/shardstream/shardstream/pkg/utils/logging"
)

const (
	defaultGroup        = "workers"
	defaultMaxDeliver   = 10
	defaultBlockTimeout = 5 * time.Second
	defaultClaimIdle    = time.Minute
	readCount           = 16

	bodyField    = "body"
	sessionField = "session"
)

// Message is one delivery handed to a handler.
type Message struct {
	ID            string
	SessionKey    string
	Body          []byte
	DeliveryCount int64
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Body, v)
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error leaves it pending for redelivery until the budget is exhausted.
type Handler func(ctx context.Context, msg Message) error

// Queue is one named stream (or partition set) plus its dead-letter stream.
type Queue struct {
	client        redis.UniversalClient
	name          string
	group         string
	partitions    int
	maxDeliveries int64
	blockTimeout  time.Duration
	claimIdle     time.Duration
}

type Option func(*Queue)

// WithPartitions turns the queue into a session-partitioned stream set.
func WithPartitions(n int) Option {
	return func(q *Queue) { q.partitions = n }
}

// WithGroup names the consumer group. Two Queue values over the same stream
// with different groups each see every message, which is how the change-feed
// fan-out reaches independent subscribers.
func WithGroup(group string) Option {
	return func(q *Queue) { q.group = group }
}

// WithMaxDeliveries sets the delivery budget before dead-lettering.
func WithMaxDeliveries(n int64) Option {
	return func(q *Queue) { q.maxDeliveries = n }
}

// WithBlockTimeout bounds how long one read blocks waiting for entries.
func WithBlockTimeout(d time.Duration) Option {
	return func(q *Queue) { q.blockTimeout = d }
}

// WithClaimIdle sets the idle window after which another consumer may claim
// a pending delivery from a crashed worker.
func WithClaimIdle(d time.Duration) Option {
	return func(q *Queue) { q.claimIdle = d }
}

func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		client:        client,
		name:          name,
		group:         defaultGroup,
		maxDeliveries: defaultMaxDeliver,
		blockTimeout:  defaultBlockTimeout,
		claimIdle:     defaultClaimIdle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue's base stream name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) dlqName() string { return q.name + ".dlq" }

func (q *Queue) streams() []string {
	if q.partitions <= 0 {
		return []string{q.name}
	}
	streams := make([]string, 0, q.partitions)
	for i := 0; i < q.partitions; i++ {
		streams = append(streams, fmt.Sprintf("%s.%d", q.name, i))
	}
	return streams
}

func (q *Queue) streamFor(sessionKey string) string {
	if q.partitions <= 0 {
		return q.name
	}
	h := fnv.New32a()
	h.Write([]byte(sessionKey))
	return fmt.Sprintf("%s.%d", q.name, h.Sum32()%uint32(q.partitions))
}

// Publish appends a message to the queue.
func (q *Queue) Publish(ctx context.Context, payload interface{}) error {
	return q.publish(ctx, q.name, "", payload)
}

// PublishSession appends a message routed by session key, serializing it
// behind earlier messages for the same session.
func (q *Queue) PublishSession(ctx context.Context, sessionKey string, payload interface{}) error {
	return q.publish(ctx, q.streamFor(sessionKey), sessionKey, payload)
}

func (q *Queue) publish(ctx context.Context, stream, sessionKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling message for %s, %w", q.name, err)
	}
	values := map[string]interface{}{bodyField: string(body)}
	if sessionKey != "" {
		values[sessionField] = sessionKey
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("appending to %s, %w", stream, err)
	}
	return nil
}

// Depth reports the number of entries across all partition streams and
// refreshes the queue-depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var total int64
	for _, stream := range q.streams() {
		n, err := q.client.XLen(ctx, stream).Result()
		if err != nil {
			return 0, fmt.Errorf("reading length of %s, %w", stream, err)
		}
		total += n
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(total))
	return total, nil
}

// DLQDepth reports the number of dead-lettered entries.
func (q *Queue) DLQDepth(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.dlqName()).Result()
	if err != nil {
		return 0, fmt.Errorf("reading length of %s, %w", q.dlqName(), err)
	}
	return n, nil
}

// DeadLetters returns up to limit dead-lettered messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Message, error) {
	entries, err := q.client.XRangeN(ctx, q.dlqName(), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s, %w", q.dlqName(), err)
	}
	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, decodeEntry(entry))
	}
	return messages, nil
}

// Redrive moves every dead-lettered message back onto the queue, preserving
// session routing, and returns the number moved.
func (q *Queue) Redrive(ctx context.Context) (int, error) {
	entries, err := q.client.XRange(ctx, q.dlqName(), "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("reading %s, %w", q.dlqName(), err)
	}
	moved := 0
	for _, entry := range entries {
		msg := decodeEntry(entry)
		stream := q.name
		if msg.SessionKey != "" {
			stream = q.streamFor(msg.SessionKey)
		}
		if err := q.publish(ctx, stream, msg.SessionKey, json.RawMessage(msg.Body)); err != nil {
			return moved, err
		}
		if err := q.client.XDel(ctx, q.dlqName(), entry.ID).Err(); err != nil {
			return moved, fmt.Errorf("removing %s from %s, %w", entry.ID, q.dlqName(), err)
		}
		moved++
	}
	return moved, nil
}

// Consume runs one consumer against every partition stream until the context
// is canceled. Each partition is processed by a single goroutine so session
// ordering holds.
func (q *Queue) Consume(ctx context.Context, consumer string, handler Handler) error {
	if err := q.ensureGroups(ctx); err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, stream := range q.streams() {
		stream := stream
		group.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				if _, err := q.processStream(ctx, stream, consumer, handler, q.blockTimeout); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logging.FromContext(ctx).Error(err, "consuming stream", "stream", stream)
				}
			}
		})
	}
	return group.Wait()
}

// ProcessOnce performs a single non-blocking claim-and-read pass over every
// partition stream and returns the number of messages handled.
func (q *Queue) ProcessOnce(ctx context.Context, consumer string, handler Handler) (int, error) {
	if err := q.ensureGroups(ctx); err != nil {
		return 0, err
	}
	handled := 0
	for _, stream := range q.streams() {
		n, err := q.processStream(ctx, stream, consumer, handler, -1)
		handled += n
		if err != nil {
			return handled, err
		}
	}
	return handled, nil
}

func (q *Queue) ensureGroups(ctx context.Context) error {
	for _, stream := range q.streams() {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("creating group on %s, %w", stream, err)
		}
	}
	return nil
}

func (q *Queue) processStream(ctx context.Context, stream, consumer string, handler Handler, block time.Duration) (int, error) {
	handled := 0

	// Reclaim deliveries abandoned by crashed consumers before reading new
	// entries, so stuck messages do not starve behind fresh traffic.
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil && err != redis.Nil {
		return handled, fmt.Errorf("claiming idle entries on %s, %w", stream, err)
	}
	for _, entry := range claimed {
		q.handle(ctx, stream, entry, handler)
		handled++
	}

	results, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    readCount,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return handled, nil
	}
	if err != nil {
		return handled, fmt.Errorf("reading %s, %w", stream, err)
	}
	for _, result := range results {
		for _, entry := range result.Messages {
			q.handle(ctx, stream, entry, handler)
			handled++
		}
	}
	return handled, nil
}

func (q *Queue) handle(ctx context.Context, stream string, entry redis.XMessage, handler Handler) {
	msg := decodeEntry(entry)
	msg.DeliveryCount = q.deliveryCount(ctx, stream, entry.ID)

	if err := handler(ctx, msg); err != nil {
		if msg.DeliveryCount >= q.maxDeliveries {
			q.deadLetter(ctx, stream, entry, err)
			return
		}
		logging.FromContext(ctx).V(1).Info("message handling failed, leaving pending",
			"queue", q.name, "id", entry.ID, "deliveries", msg.DeliveryCount, "error", err)
		return
	}
	if err := q.client.XAck(ctx, stream, q.group, entry.ID).Err(); err != nil {
		logging.FromContext(ctx).Error(err, "acknowledging message", "queue", q.name, "id", entry.ID)
		return
	}
	// Acknowledged entries are pruned so Depth tracks outstanding work.
	if err := q.client.XDel(ctx, stream, entry.ID).Err(); err != nil {
		logging.FromContext(ctx).Error(err, "pruning message", "queue", q.name, "id", entry.ID)
	}
}

func (q *Queue) deadLetter(ctx context.Context, stream string, entry redis.XMessage, cause error) {
	log := logging.FromContext(ctx)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqName(), Values: entry.Values}).Err(); err != nil {
		log.Error(err, "dead-lettering message", "queue", q.name, "id", entry.ID)
		return
	}
	if err := q.client.XAck(ctx, stream, q.group, entry.ID).Err(); err != nil {
		log.Error(err, "acknowledging dead-lettered message", "queue", q.name, "id", entry.ID)
	}
	if err := q.client.XDel(ctx, stream, entry.ID).Err(); err != nil {
		log.Error(err, "pruning dead-lettered message", "queue", q.name, "id", entry.ID)
	}
	metrics.DeadLettered.WithLabelValues(q.name).Inc()
	log.Info("message exhausted its delivery budget", "queue", q.name, "id", entry.ID, "error", cause)
}

func (q *Queue) deliveryCount(ctx context.Context, stream, id string) int64 {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func decodeEntry(entry redis.XMessage) Message {
	msg := Message{ID: entry.ID}
	if body, ok := entry.Values[bodyField].(string); ok {
		msg.Body = []byte(body)
	}
	if session, ok := entry.Values[sessionField].(string); ok {
		msg.SessionKey = session
	}
	return msg
}
