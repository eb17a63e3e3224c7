package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyxloma/guacamole-hub/internal/domain"
)

// RedisStream is the durable-stream adapter of spec §4.4: it reads from
// a Redis Streams consumer group, acks on success or permanent failure,
// and re-claims (XCLAIM) to the same consumer on a retryable reject.
type RedisStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	backoff  time.Duration

	closed chan struct{}
}

// NewRedisStream builds a consumer reading `stream` as `consumer` within
// `group`. The group is created if absent.
func NewRedisStream(ctx context.Context, client *redis.Client, stream, group, consumer string) (*RedisStream, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("queue(redis): create consumer group: %w", err)
	}

	return &RedisStream{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		backoff:  500 * time.Millisecond,
		closed:   make(chan struct{}),
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Subscribe implements Consumer. Non-fatal read errors are absorbed with
// a short backoff (spec §4.4); Close stops the loop between reads.
func (r *RedisStream) Subscribe(ctx context.Context, handler Handler, sink ErrorSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return nil
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue(redis): read loop error, backing off", "error", err)
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-r.closed:
				return nil
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				r.deliver(ctx, entry, handler, sink)
			}
		}
	}
}

func (r *RedisStream) deliver(ctx context.Context, entry redis.XMessage, handler Handler, sink ErrorSink) {
	raw, ok := entry.Values["payload"].(string)
	if !ok {
		slog.Warn("queue(redis): entry missing payload field, acking and dropping", "id", entry.ID)
		r.ack(ctx, entry.ID)
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Malformed payloads are acked (dropped), not reported as handler
		// errors — they can never be processed (spec §4.4).
		slog.Warn("queue(redis): dropping malformed message", "id", entry.ID, "error", err)
		r.ack(ctx, entry.ID)
		return
	}

	msg := domain.QueueMessage{ID: entry.ID, Payload: env, Raw: []byte(raw)}

	ack := func() { r.ack(ctx, entry.ID) }
	reject := func(retryable bool) {
		if retryable {
			r.reclaim(ctx, entry.ID)
		} else {
			r.ackAndDelete(ctx, entry.ID)
		}
	}

	Run(ctx, msg, handler, ack, reject, sink)
}

func (r *RedisStream) ack(ctx context.Context, id string) {
	if err := r.client.XAck(ctx, r.stream, r.group, id).Err(); err != nil {
		slog.Warn("queue(redis): ack failed", "id", id, "error", err)
	}
}

// reclaim re-assigns the pending entry back to this same consumer,
// making it immediately re-deliverable on the next XReadGroup pass.
func (r *RedisStream) reclaim(ctx context.Context, id string) {
	_, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  0,
		Messages: []string{id},
	}).Result()
	if err != nil {
		slog.Warn("queue(redis): reclaim failed", "id", id, "error", err)
	}
}

func (r *RedisStream) ackAndDelete(ctx context.Context, id string) {
	r.ack(ctx, id)
	if err := r.client.XDel(ctx, r.stream, id).Err(); err != nil {
		slog.Warn("queue(redis): delete after non-retryable reject failed", "id", id, "error", err)
	}
}

// Close stops the read loop between reads.
func (r *RedisStream) Close() error {
	close(r.closed)
	return nil
}

var _ Consumer = (*RedisStream)(nil)
