package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/streamcast/pkg/audio"
	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
	"github.com/lokutor-ai/streamcast/pkg/session"
	"github.com/lokutor-ai/streamcast/pkg/vad"
)

// defaultSourceLang/defaultTargetLang are the languages a session starts
// with before the client sends set_langs (spec §4.4 does not prescribe an
// initial value; translation starts disabled since source == target).
const (
	defaultSourceLang = "en"
	defaultTargetLang = "en"
)

// backpressureCheckDeadline bounds the retried Len call checkBackpressure
// makes on every audio frame; kept short so a struggling broker doesn't
// stall frame handling, unlike the publish/hash paths which can afford to
// wait out PublishDeadline.
const backpressureCheckDeadline = 500 * time.Millisecond

// sessionLoop owns one client connection end to end (spec §5 Scheduling
// model: "a read loop, a VAD/accumulator worker... a broker subscriber
// task, and a write loop"). The read loop and the subscriber loop are two
// goroutines funneling into writes on the same socket, serialized by
// writeMu, following the "message passing, not cyclic ownership" design
// note (spec §9): the subscriber never touches session.Session fields
// directly, only through AdmitResult.
type sessionLoop struct {
	srv      *Server
	conn     wsConn
	clientID string

	sess     *session.Session
	detector vad.Detector

	writeMu chan struct{} // 1-buffered mutex

	brokerMu         sync.Mutex
	brokerFailSince  time.Time
	sessionLostFired bool
}

// newSessionLoop builds a session loop. If restoreFields is non-nil, the
// new Session.Restore()s from it before the loop starts (spec §3 Gateway
// reattach via the session hash); otherwise it starts fresh with the
// default languages.
func newSessionLoop(srv *Server, conn wsConn, clientID string, restoreFields map[string]string) *sessionLoop {
	cfg := session.Config{
		SampleRate:       audio.TargetSampleRate,
		SilenceThreshold: srv.cfg.SilenceThreshold,
		PreRoll:          srv.cfg.PreRoll,
		MaxBuffer:        srv.cfg.MaxBuffer,
		StreamChunk:      srv.cfg.StreamChunk,
	}
	sess := session.New(clientID, cfg, defaultSourceLang, defaultTargetLang)
	if restoreFields != nil {
		sess.Restore(restoreFields)
	}
	l := &sessionLoop{
		srv:      srv,
		conn:     conn,
		clientID: clientID,
		sess:     sess,
		detector: srv.newVAD(),
		writeMu:  make(chan struct{}, 1),
	}
	l.writeMu <- struct{}{}
	return l
}

// callBroker runs fn with bounded-backoff retry (spec §4.4, §7 "Transport
// transient... retry with bounded backoff") and feeds the outcome into the
// session's broker-health tracking. A sustained failure past
// cfg.SessionTTL closes the socket as Session-lost (spec §7).
func (l *sessionLoop) callBroker(ctx context.Context, deadline time.Duration, fn func(ctx context.Context) error) error {
	err := broker.Retry(ctx, broker.DefaultRetryConfig(deadline), fn)
	if l.recordBrokerResult(err) {
		l.closeSessionLost()
	}
	return err
}

// recordBrokerResult tracks how long the broker has been continuously
// unreachable for this session and reports (once) whether that streak has
// exceeded SESSION_TTL_MS (spec §7 "Session-lost: broker unreachable for
// longer than SESSION_TTL_MS: close the socket with a closing reason").
func (l *sessionLoop) recordBrokerResult(err error) (sessionLost bool) {
	l.brokerMu.Lock()
	defer l.brokerMu.Unlock()

	if err == nil {
		l.brokerFailSince = time.Time{}
		return false
	}
	if l.brokerFailSince.IsZero() {
		l.brokerFailSince = time.Now()
		return false
	}
	if l.sessionLostFired || time.Since(l.brokerFailSince) < l.srv.cfg.SessionTTL {
		return false
	}
	l.sessionLostFired = true
	return true
}

func (l *sessionLoop) closeSessionLost() {
	l.srv.logger.Warn("gateway: closing session, broker unreachable past SESSION_TTL_MS", "session_id", l.clientID)
	_ = l.conn.Close(websocket.StatusGoingAway, "session lost: broker unreachable")
}

func (l *sessionLoop) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	channel := jobs.ResultChannel(l.clientID)
	sub, err := l.srv.broker.Subscribe(ctx, channel)
	if err != nil {
		l.srv.logger.Error("gateway: subscribe failed", "session_id", l.clientID, "err", err)
		_ = l.conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	l.writeStatus(ctx)
	l.persistHash(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.routeResults(ctx, sub)
	}()

	l.readLoop(ctx)

	// Flush any open utterance before tearing down (spec §4.4 Failure
	// semantics: client socket drop still flushes a final segment), then
	// persist the final state and destroy the hash (spec §3 "destroyed on
	// socket close after draining"). ctx is still live here; it is only
	// canceled once this teardown work is done, so these broker calls are
	// not made against an already-dead context.
	if job := l.sess.Close(time.Now(), l.srv.cfg.AckWait); job != nil {
		l.publishJob(ctx, job)
	}
	l.persistHash(ctx)
	key := jobs.SessionKey(l.clientID)
	if err := l.callBroker(ctx, l.srv.cfg.PublishDeadline, func(callCtx context.Context) error {
		return l.srv.broker.Del(callCtx, key)
	}); err != nil {
		l.srv.logger.Warn("gateway: delete session hash failed", "session_id", l.clientID, "err", err)
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
	}

	_ = l.conn.Close(websocket.StatusNormalClosure, "")
}

// persistHash writes the session's coarse-grained state to the broker's
// session hash with a bounded TTL (spec §4.1 item 3, §4.5 Shared-resource
// policy: "written on state transitions... and on flush").
func (l *sessionLoop) persistHash(ctx context.Context) {
	fields := l.sess.HashFields()
	key := jobs.SessionKey(l.clientID)
	err := l.callBroker(ctx, l.srv.cfg.PublishDeadline, func(callCtx context.Context) error {
		if err := l.srv.broker.HSet(callCtx, key, fields); err != nil {
			return err
		}
		return l.srv.broker.Expire(callCtx, key, l.srv.cfg.SessionTTL)
	})
	if err != nil {
		l.srv.logger.Warn("gateway: persist session hash failed", "session_id", l.clientID, "err", err)
	}
}

func (l *sessionLoop) readLoop(ctx context.Context) {
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			l.handleAudioFrame(ctx, data)
		case websocket.MessageText:
			l.handleTextFrame(ctx, data)
		}
	}
}

func (l *sessionLoop) handleAudioFrame(ctx context.Context, raw []byte) {
	frame, err := decodeAudioFrame(raw)
	if err != nil {
		l.srv.logger.Debug("gateway: dropping malformed binary frame", "session_id", l.clientID, "err", err)
		return
	}

	pcm := audio.Resample(frame.PCM, frame.SampleRate)
	if _, err := l.detector.Process(pcm); err != nil {
		l.srv.logger.Warn("gateway: vad error", "session_id", l.clientID, "err", err)
		return
	}
	speaking := l.detector.Speaking()

	allowPartial := l.checkBackpressure(ctx)

	job, ok := l.sess.HandleFrame(speaking, pcm, time.Now(), allowPartial, l.srv.cfg.AckWait)
	if !ok {
		return
	}
	l.publishJob(ctx, job)
	// A segment boundary is a state transition (spec §4.5 Shared-resource
	// policy: session hash "written on state transitions, coarse-grained").
	l.persistHash(ctx)
}

// checkBackpressure implements spec §4.4 Backpressure: refuse new partial
// emissions once audio_jobs depth exceeds MAX_QUEUE_DEPTH, and tell the
// client. Finals are never refused here (HandleFrame always attempts them
// regardless of allowPartial). The Len call is retried with a short bound
// so a struggling broker doesn't stall every audio frame; on exhaustion it
// fails open (allows the partial) rather than wedging the session.
func (l *sessionLoop) checkBackpressure(ctx context.Context) bool {
	var depth int64
	err := l.callBroker(ctx, backpressureCheckDeadline, func(callCtx context.Context) error {
		var lenErr error
		depth, lenErr = l.srv.broker.Len(callCtx, jobs.StreamAudioJobs)
		return lenErr
	})
	if err != nil {
		return true
	}
	if depth > l.srv.cfg.MaxQueueDepth {
		l.writeError(ctx, "backpressure: audio_jobs queue depth exceeded, partial emissions paused")
		return false
	}
	return true
}

func (l *sessionLoop) publishJob(ctx context.Context, job *jobs.AudioSegmentJob) {
	fields, err := job.Encode()
	if err != nil {
		l.srv.logger.Error("gateway: encode job failed", "session_id", l.clientID, "err", err)
		return
	}
	err = l.callBroker(ctx, l.srv.cfg.PublishDeadline, func(callCtx context.Context) error {
		_, err := l.srv.broker.Append(callCtx, jobs.StreamAudioJobs, fields)
		return err
	})
	if err != nil {
		l.srv.logger.Error("gateway: publish job failed after retries", "session_id", l.clientID, "err", err)
		l.writeError(ctx, "failed to publish audio segment")
	}
}

func (l *sessionLoop) handleTextFrame(ctx context.Context, data []byte) {
	var env clientMessage
	if err := json.Unmarshal(data, &env); err != nil {
		l.writeError(ctx, "malformed message")
		return
	}

	switch env.Type {
	case "set_langs":
		var msg setLangsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.writeError(ctx, "malformed set_langs")
			return
		}
		if !l.srv.langWhitelist[msg.SourceLang] || !l.srv.langWhitelist[msg.TargetLang] {
			l.writeError(ctx, "unknown language code")
			return
		}
		l.sess.SetLangs(msg.SourceLang, msg.TargetLang)
		l.persistHash(ctx)
		l.writeStatus(ctx)

	case "start_over":
		l.sess.StartOver()
		l.persistHash(ctx)

	case "get_status":
		l.writeStatus(ctx)

	default:
		l.writeError(ctx, "unknown message type")
	}
}

func (l *sessionLoop) writeStatus(ctx context.Context) {
	snap := l.sess.Snapshot()
	lat := l.sess.LatencyBreakdown()
	l.writeJSON(ctx, statusFrame{
		Type:               "status",
		ClientID:           l.clientID,
		SourceLang:         snap.SourceLang,
		TargetLang:         snap.TargetLang,
		TranslationEnabled: snap.TranslationEnabled,
		SegmentSeq:         snap.SegmentSeq,
		JobsInFlight:       snap.JobsInFlight,
		STTLatencyMs:       lat.STTLatency.Milliseconds(),
	})
}

func (l *sessionLoop) writeError(ctx context.Context, message string) {
	l.writeJSON(ctx, errorFrame{Type: "error", Message: message})
}

func (l *sessionLoop) writeJSON(ctx context.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	<-l.writeMu
	defer func() { l.writeMu <- struct{}{} }()
	_ = l.conn.Write(ctx, websocket.MessageText, data)
}
