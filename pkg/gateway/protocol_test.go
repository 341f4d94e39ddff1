package gateway

import (
	"encoding/binary"
	"encoding/json"
	"testing"
)

func buildBinaryFrame(t *testing.T, sampleRate int, pcm []byte) []byte {
	t.Helper()
	meta, err := json.Marshal(audioFrameMeta{SampleRate: sampleRate})
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(meta)))
	out := append(header, meta...)
	return append(out, pcm...)
}

func TestDecodeAudioFrameRoundTrip(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	raw := buildBinaryFrame(t, 48000, pcm)

	frame, err := decodeAudioFrame(raw)
	if err != nil {
		t.Fatalf("decodeAudioFrame: %v", err)
	}
	if frame.SampleRate != 48000 {
		t.Fatalf("expected sampleRate 48000, got %d", frame.SampleRate)
	}
	if string(frame.PCM) != string(pcm) {
		t.Fatalf("expected pcm %v, got %v", pcm, frame.PCM)
	}
}

func TestDecodeAudioFrameTooShort(t *testing.T) {
	if _, err := decodeAudioFrame([]byte{1, 2}); err == nil {
		t.Fatal("expected error for frame shorter than header")
	}
}

func TestDecodeAudioFrameBadMetaLength(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 1000)
	if _, err := decodeAudioFrame(header); err == nil {
		t.Fatal("expected error when metadata length exceeds frame size")
	}
}

func TestDecodeAudioFrameMissingSampleRate(t *testing.T) {
	raw := buildBinaryFrame(t, 0, []byte{1, 2})
	if _, err := decodeAudioFrame(raw); err == nil {
		t.Fatal("expected error for zero sampleRate")
	}
}
