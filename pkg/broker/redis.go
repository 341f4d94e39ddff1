package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds configuration for the Redis-backed Broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client *redis.Client
}

// Redis is a Broker implementation backed by github.com/redis/go-redis/v9.
// Streams map to Redis Streams (XADD/XREADGROUP/XACK/XPENDING/XCLAIM),
// pub/sub to native Redis pub/sub, and the session store to a Redis hash
// with TTL via EXPIRE.
type Redis struct {
	client *redis.Client
}

// New creates a new Redis broker with the given config.
func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("broker: redis client is required")
	}
	return &Redis{client: cfg.Client}, nil
}

// EnsureGroup implements StreamBroker.
func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil {
		if isBusyGroup(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("broker: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Append implements StreamBroker. Each entry of fields becomes one stream
// field; callers such as jobs.AudioSegmentJob.Encode already pack their
// whole struct as JSON into a single "payload" field, which keeps the wire
// shape identical across streams.
func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: append %s: %w", stream, err)
	}
	return id, nil
}

// Consume implements StreamBroker.
func (r *Redis) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamEntry, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: consume %s/%s: %w", stream, group, err)
	}

	var out []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, StreamEntry{ID: msg.ID, Fields: flattenValues(msg.Values)})
		}
	}
	return out, nil
}

func flattenValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// Ack implements StreamBroker.
func (r *Redis) Ack(ctx context.Context, stream, group, id string) error {
	if err := r.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("broker: ack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

// Pending implements StreamBroker.
func (r *Redis) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	res, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: pending %s/%s: %w", stream, group, err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{ID: p.ID, Owner: p.Consumer, IdleFor: p.Idle})
	}
	return out, nil
}

// Claim implements StreamBroker.
func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]StreamEntry, error) {
	pending, err := r.Pending(ctx, stream, group)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, p := range pending {
		if p.IdleFor >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: claim %s/%s: %w", stream, group, err)
	}

	out := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, StreamEntry{ID: msg.ID, Fields: flattenValues(msg.Values)})
	}
	return out, nil
}

// Len implements StreamBroker.
func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len %s: %w", stream, err)
	}
	return n, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
}

func (s *redisSubscription) Channel() <-chan []byte { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.ps.Close()
}

// Publish implements PubSub.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements PubSub.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, fmt.Errorf("broker: subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, ch: make(chan []byte, 64), done: make(chan struct{})}
	go func() {
		src := ps.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-src:
				if !ok {
					close(sub.ch)
					return
				}
				select {
				case sub.ch <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return sub, nil
}

// HSet implements SessionStore.
func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := r.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("broker: hset %s: %w", key, err)
	}
	return nil
}

// HGetAll implements SessionStore.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: hgetall %s: %w", key, err)
	}
	return m, nil
}

// Expire implements SessionStore.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("broker: expire %s: %w", key, err)
	}
	return nil
}

// Del implements SessionStore.
func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("broker: del %s: %w", key, err)
	}
	return nil
}

// Verify interface compliance.
var (
	_ Broker = (*Redis)(nil)
	_ Broker = (*Memory)(nil)
)
