// Package broker defines the persistent stream store, per-session pub/sub,
// and session hash primitives the pipeline is built on (spec §4.1). It is
// split into three narrow capability interfaces — the same "dynamic
// dispatch → interface abstraction" idiom the teacher applies to
// STTProvider/LLMProvider/TTSProvider/VADProvider in
// pkg/orchestrator/types.go — so callers depend only on the shape they use.
//
// Two implementations are provided: Memory, an in-process broker for tests
// and single-binary development, and Redis, backed by
// github.com/redis/go-redis/v9 for real horizontal scale-out.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry, group, or key does not
// exist.
var ErrNotFound = errors.New("broker: not found")

// ErrGroupExists is returned by EnsureGroup when the group is already
// present — callers typically ignore it.
var ErrGroupExists = errors.New("broker: consumer group already exists")

// StreamEntry is one append-only log record plus its broker-assigned ID.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one unacknowledged entry currently owned by a
// consumer group member (spec §4.1 `pending`).
type PendingEntry struct {
	ID      string
	Owner   string
	IdleFor time.Duration
}

// StreamBroker is an append-only log per stream name with consumer-group
// fan-out and at-least-once delivery (spec §4.1 item 1).
type StreamBroker interface {
	// EnsureGroup creates the named consumer group on stream, starting
	// from the beginning of the log. Returns ErrGroupExists (non-fatal)
	// if the group already exists.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Append writes one entry to the stream and returns its assigned ID.
	Append(ctx context.Context, stream string, fields map[string]string) (id string, err error)

	// Consume blocks up to block for at least one entry, returning up to
	// count entries claimed by consumer within group.
	Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamEntry, error)

	// Ack acknowledges one entry, removing it from the group's pending
	// list.
	Ack(ctx context.Context, stream, group, id string) error

	// Pending lists entries claimed by some consumer in group that have
	// not yet been acked.
	Pending(ctx context.Context, stream, group string) ([]PendingEntry, error)

	// Claim reassigns entries idle for at least minIdle to consumer,
	// returning the reclaimed entries. Used by workers on startup to
	// recover work left behind by a crashed peer (spec §4.5 Recovery).
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]StreamEntry, error)

	// Len reports the current stream depth, used for backpressure
	// (spec §4.4, P4).
	Len(ctx context.Context, stream string) (int64, error)
}

// Subscription is an open per-session pub/sub subscription (spec §4.1 item
// 2). Messages arrive on Channel() until Close is called or the broker
// connection drops.
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// PubSub is the non-persistent per-session notification channel results
// are forwarded over.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// SessionStore is the session hash used to persist client-session state
// across Gateway instances, with a bounded TTL (spec §4.1 item 3, I5).
type SessionStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Broker is the full capability set a Gateway or worker needs.
type Broker interface {
	StreamBroker
	PubSub
	SessionStore
}
