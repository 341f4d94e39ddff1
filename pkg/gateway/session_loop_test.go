package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
	"github.com/lokutor-ai/streamcast/pkg/vad"
)

func testGatewayConfig() config.Gateway {
	return config.Gateway{
		ListenAddr:        ":0",
		HealthAddr:        ":0",
		SilenceThreshold:  20 * time.Millisecond,
		PreRoll:           10 * time.Millisecond,
		MaxBuffer:         2 * time.Second,
		StreamChunk:       50 * time.Millisecond,
		AckWait:           80 * time.Millisecond,
		PublishDeadline:   time.Second,
		MaxQueueDepth:     1000,
		VADAggressiveness: 2,
		VADBThreshold:     0.5,
		SessionTTL:        time.Second,
	}
}

func newTestServer(t *testing.T, b broker.Broker, det *fakeDetector) *Server {
	t.Helper()
	return NewServer(testGatewayConfig(), b, func() vad.Detector { return det }, nil)
}

// TestSessionLoopEmitsPartialThenFinalToAudioJobs drives handleAudioFrame
// directly (bypassing the socket read loop) to exercise the full
// speech→cooldown→silence-threshold→final path end to end against a real
// Memory broker.
func TestSessionLoopEmitsPartialThenFinalToAudioJobs(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	speech := buildBinaryFrame(t, 16000, make([]byte, 2000))
	silence := buildBinaryFrame(t, 16000, make([]byte, 100))

	det.speaking = true
	loop.handleAudioFrame(ctx, speech)

	det.speaking = false
	loop.handleAudioFrame(ctx, silence)

	time.Sleep(30 * time.Millisecond)
	loop.handleAudioFrame(ctx, silence)

	n, err := b.Len(ctx, jobs.StreamAudioJobs)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs (1 partial + 1 final), got %d", n)
	}

	snap := loop.sess.Snapshot()
	if snap.State.String() != "INACTIVE" {
		t.Fatalf("expected session back to INACTIVE after final, got %s", snap.State)
	}
}

func TestSessionLoopBackpressureRefusesPartialAndWarnsClient(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	srv.cfg.MaxQueueDepth = 0 // force backpressure on the very first check
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	// Pre-fill audio_jobs so Len() exceeds MaxQueueDepth.
	if _, err := b.Append(ctx, jobs.StreamAudioJobs, map[string]string{"payload": "{}"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	speech := buildBinaryFrame(t, 16000, make([]byte, 2000))
	det.speaking = true
	loop.handleAudioFrame(ctx, speech)

	n, err := b.Len(ctx, jobs.StreamAudioJobs)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected no new partial published under backpressure, stream depth = %d", n)
	}

	frames := conn.writtenFrames()
	if len(frames) == 0 {
		t.Fatal("expected an error frame to be written to the client")
	}
}

func TestDecodeAudioFrameDroppedSilently(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	loop.handleAudioFrame(ctx, []byte{1, 2}) // too short for a header

	n, err := b.Len(ctx, jobs.StreamAudioJobs)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected malformed frame to be dropped, got %d jobs", n)
	}
}

// TestSessionLoopPersistsHashAndReattachRestoresEpoch drives a segment
// boundary (which persists the hash), reads the hash back the way
// ServeHTTP's reattach path does, and confirms a new session Restore()d
// from it carries epoch/segment_seq forward (spec §3, I5).
func TestSessionLoopPersistsHashAndReattachRestoresEpoch(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)
	loop.sess.StartOver() // epoch 0 -> 1, so a restored epoch differs from a fresh session's

	speech := buildBinaryFrame(t, 16000, make([]byte, 2000))
	det.speaking = true
	loop.handleAudioFrame(ctx, speech)

	fields, err := b.HGetAll(ctx, jobs.SessionKey("client-1"))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["segment_seq"] != "1" {
		t.Fatalf("expected segment_seq=1 persisted after first segment, got %q", fields["segment_seq"])
	}

	reattached := newSessionLoop(srv, newFakeConn(), "client-1", fields)
	snap := reattached.sess.Snapshot()
	if snap.SegmentSeq != 1 {
		t.Fatalf("expected reattached session to carry segment_seq=1, got %d", snap.SegmentSeq)
	}
	if got := reattached.sess.HashFields()["epoch"]; got != "1" {
		t.Fatalf("expected reattached session to carry epoch=1, got %q", got)
	}
	if snap.State.String() != "INACTIVE" {
		t.Fatalf("expected reattached session to start INACTIVE regardless of persisted state, got %s", snap.State)
	}
}

// TestRecordBrokerResultFiresSessionLostOnceAfterSustainedFailure exercises
// the Session-lost tracking (spec §7) without a real failing broker: a
// continuous failure streak past cfg.SessionTTL reports true exactly once.
func TestRecordBrokerResultFiresSessionLostOnceAfterSustainedFailure(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeDetector{})
	srv.cfg.SessionTTL = 10 * time.Millisecond
	loop := newSessionLoop(srv, newFakeConn(), "client-1", nil)

	failure := errors.New("broker unreachable")

	if lost := loop.recordBrokerResult(failure); lost {
		t.Fatal("expected first failure to not yet report session-lost")
	}
	time.Sleep(20 * time.Millisecond)
	if lost := loop.recordBrokerResult(failure); !lost {
		t.Fatal("expected sustained failure past SessionTTL to report session-lost")
	}
	if lost := loop.recordBrokerResult(failure); lost {
		t.Fatal("expected session-lost to fire only once")
	}
}

// TestCallBrokerClosesSocketOnSustainedBrokerFailure confirms callBroker
// closes the client socket with a GoingAway status once the wrapped
// operation has failed continuously for longer than SessionTTL.
func TestCallBrokerClosesSocketOnSustainedBrokerFailure(t *testing.T) {
	srv := newTestServer(t, broker.NewMemory(), &fakeDetector{})
	srv.cfg.SessionTTL = 10 * time.Millisecond
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	alwaysFail := func(ctx context.Context) error { return errors.New("broker down") }

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_ = loop.callBroker(ctx, time.Millisecond, alwaysFail)

	time.Sleep(20 * time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel2()
	_ = loop.callBroker(ctx2, time.Millisecond, alwaysFail)

	if conn.closedCalls != 1 {
		t.Fatalf("expected socket closed exactly once, got %d calls", conn.closedCalls)
	}
	if conn.closedCode != websocket.StatusGoingAway {
		t.Fatalf("expected GoingAway close status, got %v", conn.closedCode)
	}
}
