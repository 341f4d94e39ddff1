package gateway

import (
	"context"
	"io"
	"sync"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/streamcast/pkg/vad"
)

type wsMessage struct {
	typ  websocket.MessageType
	data []byte
}

// fakeConn is a scripted wsConn: Read drains a fixed queue of inbound
// messages then returns io.EOF, Write records every outbound frame for
// assertions.
type fakeConn struct {
	mu          sync.Mutex
	in          []wsMessage
	inIdx       int
	written     []wsMessage
	closedCode  websocket.StatusCode
	closedCalls int
}

func newFakeConn(in ...wsMessage) *fakeConn {
	return &fakeConn{in: in}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inIdx >= len(f.in) {
		return 0, nil, io.EOF
	}
	m := f.in[f.inIdx]
	f.inIdx++
	return m.typ, m.data, nil
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, wsMessage{typ: typ, data: cp})
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCode = code
	f.closedCalls++
	return nil
}

func (f *fakeConn) writtenFrames() []wsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wsMessage, len(f.written))
	copy(out, f.written)
	return out
}

// fakeDetector is a controllable vad.Detector stub so gateway tests don't
// depend on real energy/spectral-flatness thresholds.
type fakeDetector struct {
	speaking bool
}

func (d *fakeDetector) Process(chunk []byte) (*vad.Event, error) { return nil, nil }
func (d *fakeDetector) Reset()                                   {}
func (d *fakeDetector) Clone() vad.Detector                      { return &fakeDetector{speaking: d.speaking} }
func (d *fakeDetector) Name() string                             { return "fake" }
func (d *fakeDetector) Speaking() bool                           { return d.speaking }

var _ vad.Detector = (*fakeDetector)(nil)
