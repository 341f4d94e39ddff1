package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStreamConsumeAck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.EnsureGroup(ctx, "jobs", "workers"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := m.Append(ctx, "jobs", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := m.Consume(ctx, "jobs", "workers", "w1", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	pending, err := m.Pending(ctx, "jobs", "workers")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}

	if err := m.Ack(ctx, "jobs", "workers", entries[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err = m.Pending(ctx, "jobs", "workers")
	if err != nil {
		t.Fatalf("Pending after ack: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending entries after ack, got %d", len(pending))
	}
}

func TestMemoryConsumeBlocksThenTimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.EnsureGroup(ctx, "jobs", "workers")

	start := time.Now()
	entries, err := m.Consume(ctx, "jobs", "workers", "w1", 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected no entries, got %v", entries)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("expected Consume to block for roughly the timeout")
	}
}

func TestMemoryConsumeWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.EnsureGroup(ctx, "jobs", "workers")

	done := make(chan []StreamEntry, 1)
	go func() {
		entries, _ := m.Consume(ctx, "jobs", "workers", "w1", 10, time.Second)
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := m.Append(ctx, "jobs", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case entries := <-done:
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not wake up after Append")
	}
}

func TestMemoryClaimReassignsIdleEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.EnsureGroup(ctx, "jobs", "workers")
	_, _ = m.Append(ctx, "jobs", map[string]string{"id": "1"})

	if _, err := m.Consume(ctx, "jobs", "workers", "w1", 10, 100*time.Millisecond); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	claimed, err := m.Claim(ctx, "jobs", "workers", "w2", 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed entry, got %d", len(claimed))
	}

	pending, err := m.Pending(ctx, "jobs", "workers")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Owner != "w2" {
		t.Fatalf("expected entry reassigned to w2, got %+v", pending)
	}
}

func TestMemoryPubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "session:abc")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := m.Publish(ctx, "session:abc", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if string(msg) != "hello" {
			t.Fatalf("expected hello, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestMemoryPubSubDropsAfterClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "session:abc")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := m.Publish(ctx, "session:abc", []byte("hello")); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
}

func TestMemorySessionStoreTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.HSet(ctx, "session:abc", map[string]string{"state": "active"}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := m.Expire(ctx, "session:abc", 20*time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	fields, err := m.HGetAll(ctx, "session:abc")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["state"] != "active" {
		t.Fatalf("expected state=active before expiry, got %v", fields)
	}

	time.Sleep(40 * time.Millisecond)

	fields, err = m.HGetAll(ctx, "session:abc")
	if err != nil {
		t.Fatalf("HGetAll after expiry: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected empty hash after expiry, got %v", fields)
	}
}

func TestMemoryInterfaceCompliance(t *testing.T) {
	var _ Broker = (*Memory)(nil)
}
