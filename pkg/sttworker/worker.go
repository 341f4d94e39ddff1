// Package sttworker implements the STT worker loop (C5, spec §4.5): a
// consumer-group loop over the audio_jobs stream that invokes a Transcriber
// and republishes results per session, shaped after the teacher's
// orchestrator wiring (pkg/orchestrator/orchestrator.go composes a Config,
// a Logger, and a provider; this worker composes the same plus a Broker).
package sttworker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
	"github.com/lokutor-ai/streamcast/pkg/logging"
	"github.com/lokutor-ai/streamcast/pkg/transcriber"
)

// Worker consumes audio_jobs, transcribes each entry, and republishes
// results on the originating session's pub/sub channel.
type Worker struct {
	broker      broker.Broker
	transcriber transcriber.Transcriber
	cfg         config.Worker
	logger      logging.Logger
}

// New builds an STT worker. logger defaults to a NoOpLogger if nil.
func New(b broker.Broker, t transcriber.Transcriber, cfg config.Worker, logger logging.Logger) *Worker {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Worker{broker: b, transcriber: t, cfg: cfg, logger: logger}
}

// Run ensures the consumer group exists, reclaims any work left behind by a
// crashed peer, then loops consuming and processing batches until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.EnsureGroup(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup); err != nil && !errors.Is(err, broker.ErrGroupExists) {
		return err
	}

	if reclaimed, err := w.broker.Claim(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.AckWait); err != nil {
		w.logger.Warn("stt worker: startup claim failed", "err", err)
	} else if len(reclaimed) > 0 {
		w.logger.Info("stt worker: reclaimed idle entries", "count", len(reclaimed))
		w.processBatch(ctx, reclaimed)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := w.collectBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("stt worker: consume failed", "err", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		w.processBatch(ctx, batch)
	}
}

// collectBatch accumulates up to BatchMax ready entries, waiting BlockMs
// for the first and up to BatchWaitMs to top up the rest (spec §4.5
// Batching).
func (w *Worker) collectBatch(ctx context.Context) ([]broker.StreamEntry, error) {
	entries, err := w.broker.Consume(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.BatchMax, w.cfg.BlockMs)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || len(entries) >= w.cfg.BatchMax {
		return entries, nil
	}

	more, err := w.broker.Consume(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.BatchMax-len(entries), w.cfg.BatchWaitMs)
	if err != nil {
		return entries, nil
	}
	return append(entries, more...), nil
}

// processBatch groups entries by session and fans out one goroutine per
// session so unrelated sessions never block each other; within a session,
// entries are processed in the order the stream delivered them, which
// matches segment_seq order since a single Gateway instance owns the
// session and emits strictly increasing sequence numbers (spec §4.5
// ordering guarantee).
func (w *Worker) processBatch(ctx context.Context, entries []broker.StreamEntry) {
	bySession := make(map[string][]broker.StreamEntry)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		job, err := jobs.DecodeAudioSegmentJob(e.Fields)
		if err != nil {
			w.logger.Error("stt worker: malformed entry, acking without processing", "id", e.ID, "err", err)
			if ackErr := w.broker.Ack(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, e.ID); ackErr != nil {
				w.logger.Error("stt worker: ack malformed entry failed", "id", e.ID, "err", ackErr)
			}
			continue
		}
		if _, ok := bySession[job.SessionID]; !ok {
			order = append(order, job.SessionID)
		}
		bySession[job.SessionID] = append(bySession[job.SessionID], e)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, sessionID := range order {
		sessionEntries := bySession[sessionID]
		eg.Go(func() error {
			for _, e := range sessionEntries {
				w.processOne(egCtx, e)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// processOne transcribes a single entry and republishes its result. Errors
// and timeouts never propagate as poison pills: the worker always
// publishes a result and acks, per spec §4.5 Recovery.
func (w *Worker) processOne(ctx context.Context, entry broker.StreamEntry) {
	job, err := jobs.DecodeAudioSegmentJob(entry.Fields)
	if err != nil {
		w.logger.Error("stt worker: decode failed", "id", entry.ID, "err", err)
		_ = w.broker.Ack(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, entry.ID)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelDeadline)
	text, detectedLang, err := w.transcriber.Transcribe(callCtx, job.Audio, job.SourceLang)
	cancel()

	now := time.Now().UnixMilli()
	if err != nil {
		w.logger.Error("stt worker: transcribe failed", "session_id", job.SessionID, "segment_seq", job.SegmentSeq, "err", err)
		w.publishResult(ctx, jobs.ResultMessage{
			SessionID:  job.SessionID,
			Epoch:      job.Epoch,
			SegmentSeq: job.SegmentSeq,
			IsFinal:    true,
			Ts:         now,
		})
		_ = w.broker.Ack(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, entry.ID)
		return
	}

	w.publishResult(ctx, jobs.ResultMessage{
		SessionID:  job.SessionID,
		Epoch:      job.Epoch,
		SegmentSeq: job.SegmentSeq,
		Text:       text,
		IsFinal:    job.IsFinal,
		Ts:         now,
	})

	if job.IsFinal && job.TranslationEnabled && job.SourceLang != job.TargetLang {
		sourceLang := job.SourceLang
		if detectedLang != "" {
			sourceLang = detectedLang
		}
		w.appendTranslationJob(ctx, &jobs.FinalTranscriptJob{
			SessionID:  job.SessionID,
			Epoch:      job.Epoch,
			SegmentSeq: job.SegmentSeq,
			Text:       text,
			SourceLang: sourceLang,
			TargetLang: job.TargetLang,
			Ts:         now,
		})
	}

	if err := w.broker.Ack(ctx, jobs.StreamAudioJobs, w.cfg.ConsumerGroup, entry.ID); err != nil {
		w.logger.Error("stt worker: ack failed", "id", entry.ID, "err", err)
	}
}

func (w *Worker) publishResult(ctx context.Context, msg jobs.ResultMessage) {
	payload, err := msg.Encode()
	if err != nil {
		w.logger.Error("stt worker: encode result failed", "err", err)
		return
	}
	retryErr := broker.Retry(ctx, broker.DefaultRetryConfig(w.cfg.PublishDeadline), func(callCtx context.Context) error {
		return w.broker.Publish(callCtx, jobs.ResultChannel(msg.SessionID), payload)
	})
	if retryErr != nil {
		w.logger.Error("stt worker: publish result failed after retries", "session_id", msg.SessionID, "err", retryErr)
	}
}

func (w *Worker) appendTranslationJob(ctx context.Context, job *jobs.FinalTranscriptJob) {
	fields, err := job.Encode()
	if err != nil {
		w.logger.Error("stt worker: encode final transcript job failed", "err", err)
		return
	}
	retryErr := broker.Retry(ctx, broker.DefaultRetryConfig(w.cfg.PublishDeadline), func(callCtx context.Context) error {
		_, err := w.broker.Append(callCtx, jobs.StreamFinalTranscripts, fields)
		return err
	})
	if retryErr != nil {
		w.logger.Error("stt worker: append final transcript job failed after retries", "session_id", job.SessionID, "err", retryErr)
	}
}
