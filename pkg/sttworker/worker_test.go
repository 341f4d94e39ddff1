package sttworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
)

type mockTranscriber struct {
	text string
	lang string
	err  error
}

func (m *mockTranscriber) Name() string { return "mock-stt" }

func (m *mockTranscriber) Transcribe(ctx context.Context, audioPCM []byte, sourceLang string) (string, string, error) {
	if m.err != nil {
		return "", "", m.err
	}
	return m.text, m.lang, nil
}

func testWorkerConfig() config.Worker {
	return config.Worker{
		ConsumerGroup: "stt-workers",
		ConsumerID:    "w1",
		BlockMs:       50 * time.Millisecond,
		AckWait:       100 * time.Millisecond,
		ModelDeadline: time.Second,
		BatchMax:      4,
		BatchWaitMs:   20 * time.Millisecond,
	}
}

func publishJob(t *testing.T, b broker.Broker, job *jobs.AudioSegmentJob) {
	t.Helper()
	fields, err := job.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := b.Append(context.Background(), jobs.StreamAudioJobs, fields); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestWorkerPublishesTranscriptionResult(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	tr := &mockTranscriber{text: "hello there"}
	w := New(b, tr, testWorkerConfig(), nil)

	if err := b.EnsureGroup(ctx, jobs.StreamAudioJobs, testWorkerConfig().ConsumerGroup); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	sub, err := b.Subscribe(ctx, jobs.ResultChannel("s1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	publishJob(t, b, &jobs.AudioSegmentJob{
		SessionID:  "s1",
		SegmentSeq: 1,
		Audio:      []byte{1, 2, 3},
		SourceLang: "en",
		TargetLang: "en",
		IsFinal:    false,
	})

	entries, err := b.Consume(ctx, jobs.StreamAudioJobs, testWorkerConfig().ConsumerGroup, "w1", 4, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	w.processBatch(ctx, entries)

	select {
	case msg := <-sub.Channel():
		result, err := jobs.DecodeResultMessage(msg)
		if err != nil {
			t.Fatalf("DecodeResultMessage: %v", err)
		}
		if result.Text != "hello there" || result.SegmentSeq != 1 {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a result to be published")
	}
}

func TestWorkerPublishesEmptyFinalOnTranscribeError(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	tr := &mockTranscriber{err: errors.New("model unavailable")}
	cfg := testWorkerConfig()
	w := New(b, tr, cfg, nil)

	if err := b.EnsureGroup(ctx, jobs.StreamAudioJobs, cfg.ConsumerGroup); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	sub, err := b.Subscribe(ctx, jobs.ResultChannel("s1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	publishJob(t, b, &jobs.AudioSegmentJob{
		SessionID:  "s1",
		SegmentSeq: 2,
		Audio:      []byte{1, 2, 3},
		IsFinal:    false,
	})

	entries, err := b.Consume(ctx, jobs.StreamAudioJobs, cfg.ConsumerGroup, "w1", 4, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	w.processBatch(ctx, entries)

	select {
	case msg := <-sub.Channel():
		result, err := jobs.DecodeResultMessage(msg)
		if err != nil {
			t.Fatalf("DecodeResultMessage: %v", err)
		}
		if !result.IsFinal || result.Text != "" {
			t.Fatalf("expected empty final on transcribe error, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a result to be published")
	}

	pending, err := b.Pending(ctx, jobs.StreamAudioJobs, cfg.ConsumerGroup)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected entry to be acked despite transcribe error, pending=%v", pending)
	}
}

func TestWorkerAppendsTranslationJobWhenEnabled(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	tr := &mockTranscriber{text: "bonjour", lang: "fr"}
	cfg := testWorkerConfig()
	w := New(b, tr, cfg, nil)

	if err := b.EnsureGroup(ctx, jobs.StreamAudioJobs, cfg.ConsumerGroup); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	publishJob(t, b, &jobs.AudioSegmentJob{
		SessionID:          "s1",
		SegmentSeq:         1,
		Audio:              []byte{1, 2, 3},
		SourceLang:         "fr",
		TargetLang:         "en",
		TranslationEnabled: true,
		IsFinal:            true,
	})

	entries, err := b.Consume(ctx, jobs.StreamAudioJobs, cfg.ConsumerGroup, "w1", 4, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	w.processBatch(ctx, entries)

	n, err := b.Len(ctx, jobs.StreamFinalTranscripts)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 final transcript job appended, got %d", n)
	}
}
