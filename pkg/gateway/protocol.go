// Package gateway implements the Gateway session loop and result router
// (C4, C7; spec §4.4, §4.7, §6.1): the WebSocket-facing half of the
// pipeline, built on github.com/coder/websocket the way the teacher's
// LokutorTTS provider uses it client-side (pkg/providers/tts/lokutor.go),
// here accepting connections instead of dialing out.
package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// audioFrame is one decoded binary frame (spec §6.1 Binary frames):
// 4-byte LE uint32 metadata length, UTF-8 JSON metadata, raw PCM payload.
type audioFrame struct {
	SampleRate int
	PCM        []byte
}

type audioFrameMeta struct {
	SampleRate int `json:"sampleRate"`
}

// decodeAudioFrame parses a binary client frame. Malformed frames are
// dropped by the caller per spec §4.4 ("Drop if malformed header").
func decodeAudioFrame(raw []byte) (*audioFrame, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("gateway: binary frame too short for header")
	}
	metaLen := binary.LittleEndian.Uint32(raw[:4])
	if uint64(4+metaLen) > uint64(len(raw)) {
		return nil, fmt.Errorf("gateway: metadata length %d exceeds frame size", metaLen)
	}

	var meta audioFrameMeta
	if err := json.Unmarshal(raw[4:4+metaLen], &meta); err != nil {
		return nil, fmt.Errorf("gateway: malformed metadata: %w", err)
	}
	if meta.SampleRate <= 0 {
		return nil, fmt.Errorf("gateway: missing or invalid sampleRate")
	}

	return &audioFrame{SampleRate: meta.SampleRate, PCM: raw[4+metaLen:]}, nil
}

// clientMessage is the envelope used to sniff the "type" discriminator off
// an inbound text frame before unmarshaling into the specific shape (spec
// §6.1 Text frames).
type clientMessage struct {
	Type string `json:"type"`
}

// setLangsMessage is the client → server set_langs payload.
type setLangsMessage struct {
	Type       string `json:"type"`
	SourceLang string `json:"source_language"`
	TargetLang string `json:"target_language"`
}

// statusFrame is the server → client status payload.
type statusFrame struct {
	Type               string `json:"type"`
	ClientID           string `json:"client_id"`
	SourceLang         string `json:"source_language"`
	TargetLang         string `json:"target_language"`
	TranslationEnabled bool   `json:"translation_enabled"`
	SegmentSeq         int64  `json:"segment_seq"`
	JobsInFlight       int    `json:"jobs_in_flight"`
	STTLatencyMs       int64  `json:"stt_latency_ms,omitempty"`
}

// realtimeFrame is the server → client realtime payload.
type realtimeFrame struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
	IsFinal     bool   `json:"is_final"`
	ClientID    string `json:"client_id"`
	Timestamp   int64  `json:"timestamp"`
	SegmentID   int64  `json:"segment_id"`
}

// utteranceEndFrame is the server → client utterance_end payload.
type utteranceEndFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

// errorFrame is the server → client error payload (spec §7: soft failures,
// the socket stays open).
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
