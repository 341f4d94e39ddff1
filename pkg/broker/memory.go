package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process Broker implementation for tests and
// single-binary development. It follows the teacher's concurrency style in
// pkg/orchestrator/managed_stream.go: one mutex per logical resource, short
// critical sections, and cancellation/blocking handled outside the lock.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream

	subMu sync.Mutex
	subs  map[string][]*memSubscription

	hashMu  sync.Mutex
	hashes  map[string]map[string]string
	expires map[string]time.Time

	seq atomic.Int64
}

// NewMemory constructs an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		subs:    make(map[string][]*memSubscription),
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
	}
}

type memEntry struct {
	id     string
	fields map[string]string
}

type pendingItem struct {
	owner     string
	claimedAt time.Time
}

type memStream struct {
	mu      sync.Mutex
	entries []memEntry
	cond    *sync.Cond
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int
	pending map[string]*pendingItem
}

func (m *Memory) stream(name string) *memStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		s.cond = sync.NewCond(&s.mu)
		m.streams[name] = s
	}
	return s
}

// EnsureGroup implements StreamBroker.
func (m *Memory) EnsureGroup(ctx context.Context, stream, group string) error {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; ok {
		return ErrGroupExists
	}
	s.groups[group] = &memGroup{pending: make(map[string]*pendingItem)}
	return nil
}

// Append implements StreamBroker.
func (m *Memory) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	s := m.stream(stream)
	id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), m.seq.Add(1))

	s.mu.Lock()
	s.entries = append(s.entries, memEntry{id: id, fields: fields})
	s.cond.Broadcast()
	s.mu.Unlock()
	return id, nil
}

// Consume implements StreamBroker. It blocks up to block for at least one
// new entry unless the group already has unread entries.
func (m *Memory) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamEntry, error) {
	s := m.stream(stream)

	deadline := time.Now().Add(block)
	s.mu.Lock()
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string]*pendingItem)}
		s.groups[group] = g
	}

	for g.cursor >= len(s.entries) {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return nil, nil
		}
		waitOnCond(s.cond, remaining)
	}

	var out []StreamEntry
	for g.cursor < len(s.entries) && len(out) < count {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.id] = &pendingItem{owner: consumer, claimedAt: time.Now()}
		out = append(out, StreamEntry{ID: e.id, Fields: e.fields})
	}
	s.mu.Unlock()
	return out, nil
}

// waitOnCond waits on cond with a timeout by releasing the lock in a helper
// goroutine that re-signals after the timeout elapses.
func waitOnCond(cond *sync.Cond, timeout time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
		close(done)
	})
	cond.Wait()
	timer.Stop()
	select {
	case <-done:
	default:
	}
}

// Ack implements StreamBroker.
func (m *Memory) Ack(ctx context.Context, stream, group, id string) error {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return ErrNotFound
	}
	delete(g.pending, id)
	return nil
}

// Pending implements StreamBroker.
func (m *Memory) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	out := make([]PendingEntry, 0, len(g.pending))
	for id, p := range g.pending {
		out = append(out, PendingEntry{ID: id, Owner: p.owner, IdleFor: now.Sub(p.claimedAt)})
	}
	return out, nil
}

// Claim implements StreamBroker.
func (m *Memory) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]StreamEntry, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNotFound
	}

	byID := make(map[string]memEntry, len(s.entries))
	for _, e := range s.entries {
		byID[e.id] = e
	}

	now := time.Now()
	var out []StreamEntry
	for id, p := range g.pending {
		if now.Sub(p.claimedAt) < minIdle {
			continue
		}
		e, ok := byID[id]
		if !ok {
			continue
		}
		p.owner = consumer
		p.claimedAt = now
		out = append(out, StreamEntry{ID: e.id, Fields: e.fields})
	}
	return out, nil
}

// Len implements StreamBroker.
func (m *Memory) Len(ctx context.Context, stream string) (int64, error) {
	s := m.stream(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

type memSubscription struct {
	ch     chan []byte
	parent *Memory
	name   string
	once   sync.Once
}

func (s *memSubscription) Channel() <-chan []byte { return s.ch }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.parent.subMu.Lock()
		defer s.parent.subMu.Unlock()
		subs := s.parent.subs[s.name]
		for i, sub := range subs {
			if sub == s {
				s.parent.subs[s.name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

// Publish implements PubSub. Delivery is non-blocking: a slow subscriber
// drops messages rather than stalling the publisher, matching the broker's
// documented "no persistence" guarantee for pub/sub (spec §4.1 item 2).
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.subMu.Lock()
	subs := append([]*memSubscription(nil), m.subs[channel]...)
	m.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe implements PubSub.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memSubscription{ch: make(chan []byte, 64), parent: m, name: channel}
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.subMu.Unlock()
	return sub, nil
}

// HSet implements SessionStore.
func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll implements SessionStore.
func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.hashes, key)
		delete(m.expires, key)
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// Expire implements SessionStore.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

// Del implements SessionStore.
func (m *Memory) Del(ctx context.Context, key string) error {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	delete(m.hashes, key)
	delete(m.expires, key)
	return nil
}
