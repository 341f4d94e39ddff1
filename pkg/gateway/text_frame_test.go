package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lokutor-ai/streamcast/pkg/broker"
)

func TestHandleTextFrameSetLangsUpdatesSessionAndRepliesStatus(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	msg, _ := json.Marshal(setLangsMessage{Type: "set_langs", SourceLang: "fr", TargetLang: "en"})
	loop.handleTextFrame(ctx, msg)

	snap := loop.sess.Snapshot()
	if snap.SourceLang != "fr" || snap.TargetLang != "en" || !snap.TranslationEnabled {
		t.Fatalf("unexpected snapshot after set_langs: %+v", snap)
	}

	frames := conn.writtenFrames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one status reply, got %d", len(frames))
	}
	var status statusFrame
	if err := json.Unmarshal(frames[0].data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Type != "status" || status.SourceLang != "fr" {
		t.Fatalf("unexpected status frame: %+v", status)
	}
}

func TestHandleTextFrameSetLangsRejectsUnknownLanguage(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	msg, _ := json.Marshal(setLangsMessage{Type: "set_langs", SourceLang: "xx", TargetLang: "en"})
	loop.handleTextFrame(ctx, msg)

	snap := loop.sess.Snapshot()
	if snap.SourceLang != defaultSourceLang {
		t.Fatalf("expected unknown language to be rejected, got source=%s", snap.SourceLang)
	}

	frames := conn.writtenFrames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one error reply, got %d", len(frames))
	}
	var errFrame errorFrame
	if err := json.Unmarshal(frames[0].data, &errFrame); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errFrame.Type != "error" {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}
}

func TestHandleTextFrameStartOverBumpsEpoch(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	speech := buildBinaryFrame(t, 16000, make([]byte, 2000))
	det.speaking = true
	loop.handleAudioFrame(ctx, speech)

	beforeSeq := loop.sess.Snapshot().SegmentSeq

	msg, _ := json.Marshal(clientMessage{Type: "start_over"})
	loop.handleTextFrame(ctx, msg)

	snap := loop.sess.Snapshot()
	if snap.SegmentSeq != 0 || snap.State.String() != "INACTIVE" {
		t.Fatalf("expected start_over to reset segment_seq and state, got %+v (was %d)", snap, beforeSeq)
	}
	if got := loop.sess.HashFields()["epoch"]; got != "1" {
		t.Fatalf("expected start_over to bump epoch to 1, got %q", got)
	}
}

func TestHandleTextFrameGetStatusReplies(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	det := &fakeDetector{}
	srv := newTestServer(t, b, det)
	conn := newFakeConn()
	loop := newSessionLoop(srv, conn, "client-1", nil)

	msg, _ := json.Marshal(clientMessage{Type: "get_status"})
	loop.handleTextFrame(ctx, msg)

	frames := conn.writtenFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one status reply, got %d", len(frames))
	}
}
