// Package session implements the per-client session state machine (C3) and
// its surrounding data model (spec §3, §4.3). It is the generalized,
// tagged-variant replacement for the teacher's ManagedStream
// (pkg/orchestrator/managed_stream.go), which tracked speaking/thinking
// state with independent booleans instead of one exhaustive state value.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/lokutor-ai/streamcast/pkg/jobs"
)

// Config holds the per-session timing and size parameters derived from the
// Gateway's environment configuration (spec §6.5). Durations are converted
// to byte counts assuming 16 kHz mono 16-bit PCM, the fixed rate all audio
// is resampled to before reaching the session (spec §4.4 Resampling).
type Config struct {
	SampleRate       int
	SilenceThreshold time.Duration
	PreRoll          time.Duration
	MaxBuffer        time.Duration
	StreamChunk      time.Duration
}

func bytesForDuration(d time.Duration, sampleRate int) int {
	return int(d.Seconds() * float64(sampleRate) * 2)
}

func (c Config) preRollBytes() int     { return bytesForDuration(c.PreRoll, c.SampleRate) }
func (c Config) maxBufferBytes() int   { return bytesForDuration(c.MaxBuffer, c.SampleRate) }
func (c Config) streamChunkBytes() int { return bytesForDuration(c.StreamChunk, c.SampleRate) }

// Snapshot is the point-in-time view returned by get_status (spec §4.4,
// §6.1 `status`).
type Snapshot struct {
	SessionID          string
	SourceLang         string
	TargetLang         string
	TranslationEnabled bool
	State              State
	SegmentSeq         int64
	JobsInFlight       int
}

// Session is one live client session (spec §3 Client session). All state
// transitions go through HandleFrame, StartOver, SetLangs, AdmitResult, and
// Close; every one of them takes the session's own lock for the duration of
// the transition, matching the spec's ownership rule that session state is
// "owned by its session task" with only short critical sections for
// cross-task reads (§5 Shared-resource policy).
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond

	id    string
	cfg   Config
	epoch int

	sourceLang         string
	targetLang         string
	translationEnabled bool

	state          State
	preRoll        *Ring
	activeBuffer   []byte
	lastEmittedLen int
	lastVoiceTs    time.Time

	segmentSeq          int64
	jobsInFlight        int
	lastDeliveredSeq    int64
	lastFinalEmittedSeq int64

	lastSegmentEmittedAt  time.Time
	lastResultDeliveredAt time.Time
}

// LatencyBreakdown is the per-segment timing view the teacher's
// ManagedStream exposes as GetLatencyBreakdown() (pkg/orchestrator),
// narrowed to the one leg this system measures: time from segment
// emission to the matching result arriving back on the session's pub/sub
// channel.
type LatencyBreakdown struct {
	SegmentEmittedAt  time.Time
	ResultDeliveredAt time.Time
	STTLatency        time.Duration
}

// LatencyBreakdown returns the timing of the most recently emitted
// segment and its most recently delivered result.
func (s *Session) LatencyBreakdown() LatencyBreakdown {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latency time.Duration
	if !s.lastSegmentEmittedAt.IsZero() && !s.lastResultDeliveredAt.IsZero() {
		latency = s.lastResultDeliveredAt.Sub(s.lastSegmentEmittedAt)
	}
	return LatencyBreakdown{
		SegmentEmittedAt:  s.lastSegmentEmittedAt,
		ResultDeliveredAt: s.lastResultDeliveredAt,
		STTLatency:        latency,
	}
}

// New creates a session in state Inactive, epoch 0, with an empty pre_roll
// ring sized per cfg.
func New(id string, cfg Config, sourceLang, targetLang string) *Session {
	s := &Session{
		id:                  id,
		cfg:                 cfg,
		sourceLang:          sourceLang,
		targetLang:          targetLang,
		translationEnabled:  sourceLang != targetLang,
		state:               Inactive,
		preRoll:             NewRing(cfg.preRollBytes()),
		lastDeliveredSeq:    -1,
		lastFinalEmittedSeq: -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// HashFields returns the coarse-grained snapshot persisted to the broker's
// session hash (spec §4.1 item 3, §6.2 "Hash session:{session_id}: fields
// mirror §3 Client session"). active_buffer and pre_roll are deliberately
// left out: they are per-process audio state that a reattaching Gateway
// instance cannot meaningfully resume mid-utterance, so only the metadata
// needed to keep segment numbering and language settings consistent across
// a failover is persisted.
func (s *Session) HashFields() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"session_id":          s.id,
		"source_lang":         s.sourceLang,
		"target_lang":         s.targetLang,
		"translation_enabled": strconv.FormatBool(s.translationEnabled),
		"state":               s.state.String(),
		"epoch":               strconv.Itoa(s.epoch),
		"segment_seq":         strconv.FormatInt(s.segmentSeq, 10),
		"jobs_in_flight":      strconv.Itoa(s.jobsInFlight),
	}
}

// Restore applies a previously-persisted session-hash snapshot to a
// freshly constructed session (spec §3 "on Gateway restart/failover
// another Gateway instance may reattach by reading the hash"). The
// reattached session always starts Inactive regardless of the persisted
// state: there is no active_buffer to resume, so any utterance in
// progress at the time of the crash is abandoned rather than
// reconstructed. epoch and segment_seq are restored so segment numbering
// stays monotonic and I4's dedup keeps working across the failover.
// Malformed or missing fields are left at New's defaults rather than
// failing the reattach outright.
func (s *Session) Restore(fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := fields["source_lang"]; v != "" {
		s.sourceLang = v
	}
	if v := fields["target_lang"]; v != "" {
		s.targetLang = v
	}
	s.translationEnabled = s.sourceLang != s.targetLang

	if v, err := strconv.Atoi(fields["epoch"]); err == nil {
		s.epoch = v
	}
	if v, err := strconv.ParseInt(fields["segment_seq"], 10, 64); err == nil {
		s.segmentSeq = v
		s.lastFinalEmittedSeq = v
	}
}

// SetLangs updates the session's source/target languages (spec §4.4
// set_langs). Jobs already built carry their own copy of the language
// fields, so this takes effect only on segments built after the call
// returns — no separate "pending" bookkeeping is needed (spec §4.3 "do not
// retroactively retag in-flight jobs").
func (s *Session) SetLangs(source, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceLang = source
	s.targetLang = target
	s.translationEnabled = source != target
}

// StartOver discards active_buffer and pre_roll state is left untouched
// (spec §4.3: "pre_roll is preserved... active_buffer and segment_seq reset
// only on explicit start_over"), resets segment_seq, bumps the epoch so any
// in-flight result for the old epoch is dropped by AdmitResult (spec §4.4,
// §9 Design Notes), and returns to Inactive.
func (s *Session) StartOver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.activeBuffer = nil
	s.lastEmittedLen = 0
	s.segmentSeq = 0
	s.jobsInFlight = 0
	s.lastVoiceTs = time.Time{}
	s.lastDeliveredSeq = -1
	s.lastFinalEmittedSeq = -1
	s.state = Inactive
	s.cond.Broadcast()
}

// Snapshot returns the current session state for get_status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:          s.id,
		SourceLang:         s.sourceLang,
		TargetLang:         s.targetLang,
		TranslationEnabled: s.translationEnabled,
		State:              s.state,
		SegmentSeq:         s.segmentSeq,
		JobsInFlight:       s.jobsInFlight,
	}
}

// HandleFrame feeds one resampled, VAD-classified audio frame through the
// state machine (spec §4.3). allowPartial reflects the Gateway's current
// backpressure decision (broker queue depth vs MAX_QUEUE_DEPTH, spec §4.4);
// finals are always attempted regardless. ackWait bounds how long a forced
// final waits for jobs_in_flight to drain before publishing anyway (spec
// §4.4 Flow control).
func (s *Session) HandleFrame(speaking bool, frame []byte, now time.Time, allowPartial bool, ackWait time.Duration) (*jobs.AudioSegmentJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Inactive:
		if !speaking {
			s.preRoll.Write(frame)
			return nil, false
		}
		s.state = Active
		s.activeBuffer = append(append([]byte(nil), s.preRoll.Bytes()...), frame...)
		s.lastEmittedLen = 0
		s.lastVoiceTs = now

	case Active:
		s.activeBuffer = append(s.activeBuffer, frame...)
		if speaking {
			s.lastVoiceTs = now
		} else {
			s.state = Cooldown
		}

	case Cooldown:
		s.activeBuffer = append(s.activeBuffer, frame...)
		if speaking {
			s.state = Active
			s.lastVoiceTs = now
		}
	}

	if len(s.activeBuffer) >= s.cfg.maxBufferBytes() {
		return s.emitFinalLocked(now, ackWait), true
	}

	if s.state == Cooldown && now.Sub(s.lastVoiceTs) >= s.cfg.SilenceThreshold {
		return s.emitFinalLocked(now, ackWait), true
	}

	if s.state == Active && allowPartial && s.jobsInFlight == 0 {
		pending := len(s.activeBuffer) - s.lastEmittedLen
		if pending >= s.cfg.streamChunkBytes() {
			return s.emitPartialLocked(now), true
		}
	}

	return nil, false
}

// emitPartialLocked builds a partial segment job from the current
// active_buffer. Callers must hold s.mu.
func (s *Session) emitPartialLocked(now time.Time) *jobs.AudioSegmentJob {
	s.segmentSeq++
	job := s.buildJobLocked(false)
	s.jobsInFlight++
	s.lastEmittedLen = len(s.activeBuffer)
	s.lastSegmentEmittedAt = now
	return job
}

// emitFinalLocked waits up to ackWait for in-flight partials to drain (spec
// §4.4: "A final job may be emitted while jobs_in_flight > 0 only after
// waiting up to ACK_WAIT... on timeout, the pending partials are considered
// abandoned and the final is published anyway"), then builds the final
// segment job and resets active_buffer and state to Inactive. Callers must
// hold s.mu.
func (s *Session) emitFinalLocked(now time.Time, ackWait time.Duration) *jobs.AudioSegmentJob {
	if s.jobsInFlight > 0 {
		s.waitForDrainLocked(ackWait)
	}

	s.segmentSeq++
	job := s.buildJobLocked(true)
	s.jobsInFlight++
	s.lastFinalEmittedSeq = s.segmentSeq
	s.lastSegmentEmittedAt = now

	s.activeBuffer = nil
	s.lastEmittedLen = 0
	s.lastVoiceTs = time.Time{}
	s.state = Inactive
	return job
}

func (s *Session) waitForDrainLocked(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.jobsInFlight > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		done := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
			close(done)
		})
		s.cond.Wait()
		timer.Stop()
		select {
		case <-done:
		default:
		}
	}
}

func (s *Session) buildJobLocked(isFinal bool) *jobs.AudioSegmentJob {
	audio := make([]byte, len(s.activeBuffer))
	copy(audio, s.activeBuffer)
	return &jobs.AudioSegmentJob{
		JobID:              jobs.JobID(s.id, s.segmentSeq),
		SessionID:          s.id,
		Epoch:              s.epoch,
		SegmentSeq:         s.segmentSeq,
		Audio:              audio,
		SampleRate:         s.cfg.SampleRate,
		SourceLang:         s.sourceLang,
		TargetLang:         s.targetLang,
		TranslationEnabled: s.translationEnabled,
		IsFinal:            isFinal,
	}
}

// Close flushes the session if it is Active/Cooldown (spec §4.3 "socket
// close from any state: flush if ACTIVE/COOLDOWN, then destroy"), returning
// the final job to publish, or nil if the session was already Inactive.
func (s *Session) Close(now time.Time, ackWait time.Duration) *jobs.AudioSegmentJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Active || s.state == Cooldown {
		return s.emitFinalLocked(now, ackWait)
	}
	return nil
}

// AdmitResult applies the Result Router's ordering rules (C7, spec §4.7,
// I4) to one incoming result message: stale-epoch, out-of-order, and
// exact-duplicate (already-delivered segment_seq) results are all dropped,
// so a worker's Claim-reprocess-republish replay after a crash between
// publish and ack delivers at most once. jobs_in_flight is decremented,
// and utteranceEnd reports whether an utterance_end frame should follow
// the forwarded realtime frame. now stamps LatencyBreakdown's
// ResultDeliveredAt for delivered results.
func (s *Session) AdmitResult(msg jobs.ResultMessage, now time.Time) (deliver bool, utteranceEnd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Epoch != s.epoch {
		return false, false
	}
	if msg.SegmentSeq <= s.lastDeliveredSeq {
		return false, false
	}
	s.lastDeliveredSeq = msg.SegmentSeq
	s.lastResultDeliveredAt = now

	if s.jobsInFlight > 0 {
		s.jobsInFlight--
		s.cond.Broadcast()
	}

	utteranceEnd = msg.IsFinal && msg.SegmentSeq == s.lastFinalEmittedSeq
	return true, utteranceEnd
}
