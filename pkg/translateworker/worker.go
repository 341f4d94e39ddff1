// Package translateworker implements the translation worker loop (C6,
// spec §4.6): a consumer-group loop over final_transcripts that invokes a
// Translator and republishes a translation-bearing result, same shape as
// the STT worker loop (pkg/sttworker) with an added LRU cache.
package translateworker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
	"github.com/lokutor-ai/streamcast/pkg/logging"
	"github.com/lokutor-ai/streamcast/pkg/translator"
)

// Worker consumes final_transcripts, translates each entry (serving
// repeated (source_lang, target_lang, text) triples from an LRU cache),
// and republishes a translation-bearing result.
type Worker struct {
	broker     broker.Broker
	translator translator.Translator
	cache      *LRU
	cfg        config.Worker
	logger     logging.Logger
}

// New builds a translation worker with an LRU cache of the given capacity.
// logger defaults to a NoOpLogger if nil.
func New(b broker.Broker, t translator.Translator, cacheCapacity int, cfg config.Worker, logger logging.Logger) *Worker {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Worker{broker: b, translator: t, cache: NewLRU(cacheCapacity), cfg: cfg, logger: logger}
}

// Run ensures the consumer group exists, reclaims idle entries, then loops
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.EnsureGroup(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup); err != nil && !errors.Is(err, broker.ErrGroupExists) {
		return err
	}

	if reclaimed, err := w.broker.Claim(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.AckWait); err != nil {
		w.logger.Warn("translation worker: startup claim failed", "err", err)
	} else if len(reclaimed) > 0 {
		w.logger.Info("translation worker: reclaimed idle entries", "count", len(reclaimed))
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
			w.logger.Error("translation worker: consume failed", "err", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		w.processBatch(ctx, batch)
	}
}

func (w *Worker) collectBatch(ctx context.Context) ([]broker.StreamEntry, error) {
	entries, err := w.broker.Consume(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.BatchMax, w.cfg.BlockMs)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || len(entries) >= w.cfg.BatchMax {
		return entries, nil
	}

	more, err := w.broker.Consume(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.BatchMax-len(entries), w.cfg.BatchWaitMs)
	if err != nil {
		return entries, nil
	}
	return append(entries, more...), nil
}

func (w *Worker) processBatch(ctx context.Context, entries []broker.StreamEntry) {
	bySession := make(map[string][]broker.StreamEntry)
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		job, err := jobs.DecodeFinalTranscriptJob(e.Fields)
		if err != nil {
			w.logger.Error("translation worker: malformed entry, acking without processing", "id", e.ID, "err", err)
			if ackErr := w.broker.Ack(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup, e.ID); ackErr != nil {
				w.logger.Error("translation worker: ack malformed entry failed", "id", e.ID, "err", ackErr)
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

func (w *Worker) processOne(ctx context.Context, entry broker.StreamEntry) {
	job, err := jobs.DecodeFinalTranscriptJob(entry.Fields)
	if err != nil {
		w.logger.Error("translation worker: decode failed", "id", entry.ID, "err", err)
		_ = w.broker.Ack(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup, entry.ID)
		return
	}

	cacheKey := Key(job.SourceLang, job.TargetLang, job.Text)
	translation, cached := w.cache.Get(cacheKey)
	if !cached {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelDeadline)
		translation, err = w.translator.Translate(callCtx, job.Text, job.SourceLang, job.TargetLang)
		cancel()
		if err != nil {
			w.logger.Error("translation worker: translate failed", "session_id", job.SessionID, "segment_seq", job.SegmentSeq, "err", err)
			translation = ""
		} else {
			w.cache.Put(cacheKey, translation)
		}
	}

	msg := jobs.ResultMessage{
		SessionID:   job.SessionID,
		Epoch:       job.Epoch,
		SegmentSeq:  job.SegmentSeq,
		Text:        job.Text,
		Translation: translation,
		IsFinal:     true,
		Ts:          time.Now().UnixMilli(),
	}
	payload, err := msg.Encode()
	if err != nil {
		w.logger.Error("translation worker: encode result failed", "err", err)
	} else {
		retryErr := broker.Retry(ctx, broker.DefaultRetryConfig(w.cfg.PublishDeadline), func(callCtx context.Context) error {
			return w.broker.Publish(callCtx, jobs.ResultChannel(job.SessionID), payload)
		})
		if retryErr != nil {
			w.logger.Error("translation worker: publish result failed after retries", "session_id", job.SessionID, "err", retryErr)
		}
	}

	if err := w.broker.Ack(ctx, jobs.StreamFinalTranscripts, w.cfg.ConsumerGroup, entry.ID); err != nil {
		w.logger.Error("translation worker: ack failed", "id", entry.ID, "err", err)
	}
}
