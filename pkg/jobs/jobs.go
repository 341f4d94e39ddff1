// Package jobs defines the wire-level data model shared by the gateway and
// the worker pools: the audio segment job (§3, §6.2), the transcription and
// translation result messages, and the idempotency key that ties them
// together across at-least-once delivery.
package jobs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// payloadField is the single stream-entry field every job type is encoded
// into, keeping the broker's wire shape uniform across streams.
const payloadField = "payload"

// Stream and channel names used on the broker (§4.1, §6.2).
const (
	StreamAudioJobs       = "audio_jobs"
	StreamFinalTranscripts = "final_transcripts"
)

// ResultChannel returns the per-session pub/sub channel name (§4.1).
func ResultChannel(sessionID string) string {
	return "results:" + sessionID
}

// SessionKey returns the per-session hash key name (§4.1).
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// AudioSegmentJob is one unit of work appended to the audio_jobs stream
// (§3, §6.2). Audio is raw PCM s16le, 16 kHz, mono.
type AudioSegmentJob struct {
	JobID              string `json:"job_id"`
	SessionID          string `json:"session_id"`
	Epoch              int    `json:"epoch"`
	SegmentSeq         int64  `json:"segment_seq"`
	Audio              []byte `json:"-"`
	AudioB64           string `json:"audio_b64"`
	SampleRate         int    `json:"sample_rate"`
	SourceLang         string `json:"source_lang"`
	TargetLang         string `json:"target_lang"`
	TranslationEnabled bool   `json:"translation_enabled"`
	IsFinal            bool   `json:"is_final"`
	Ts                 int64  `json:"ts"`
}

// JobID derives the canonical job identifier for a (session, segment) pair
// (§3: "job_id = session_id || ':' || segment_seq").
func JobID(sessionID string, segmentSeq int64) string {
	return fmt.Sprintf("%s:%d", sessionID, segmentSeq)
}

// Encode serializes the job to the single-field stream payload the broker
// expects, base64-encoding the audio since stream entries are text fields.
func (j *AudioSegmentJob) Encode() (map[string]string, error) {
	j.AudioB64 = base64.StdEncoding.EncodeToString(j.Audio)
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode audio segment job: %w", err)
	}
	return map[string]string{payloadField: string(data)}, nil
}

// DecodeAudioSegmentJob reverses Encode.
func DecodeAudioSegmentJob(fields map[string]string) (*AudioSegmentJob, error) {
	var j AudioSegmentJob
	if err := json.Unmarshal([]byte(fields[payloadField]), &j); err != nil {
		return nil, fmt.Errorf("jobs: decode audio segment job: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(j.AudioB64)
	if err != nil {
		return nil, fmt.Errorf("jobs: decode audio segment job audio: %w", err)
	}
	j.Audio = audio
	return &j, nil
}

// FinalTranscriptJob is one unit of work appended to the final_transcripts
// stream, consumed by the translation worker (§6.2).
type FinalTranscriptJob struct {
	SessionID  string `json:"session_id"`
	Epoch      int    `json:"epoch"`
	SegmentSeq int64  `json:"segment_seq"`
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	Ts         int64  `json:"ts"`
}

// Encode serializes the job to the single-field stream payload the broker
// expects.
func (j *FinalTranscriptJob) Encode() (map[string]string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode final transcript job: %w", err)
	}
	return map[string]string{payloadField: string(data)}, nil
}

// DecodeFinalTranscriptJob reverses Encode.
func DecodeFinalTranscriptJob(fields map[string]string) (*FinalTranscriptJob, error) {
	var j FinalTranscriptJob
	if err := json.Unmarshal([]byte(fields[payloadField]), &j); err != nil {
		return nil, fmt.Errorf("jobs: decode final transcript job: %w", err)
	}
	return &j, nil
}

// ResultMessage is published on a session's pub/sub channel by either
// worker pool (§3, §6.2). Translation is only ever present on a final
// result, and only once the translation worker has processed it (§4.6).
type ResultMessage struct {
	SessionID   string `json:"session_id"`
	Epoch       int    `json:"epoch"`
	SegmentSeq  int64  `json:"segment_seq"`
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
	IsFinal     bool   `json:"is_final"`
	Ts          int64  `json:"ts"`
}

// IdempotencyKey is the natural at-least-once dedup key used throughout the
// pipeline (§9 Design Notes: "Idempotency keys over transactional dedup").
type IdempotencyKey struct {
	SessionID  string
	Epoch      int
	SegmentSeq int64
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.SessionID, k.Epoch, k.SegmentSeq)
}

// Encode serializes the message to the single-field pub/sub payload.
func (m ResultMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode result message: %w", err)
	}
	return data, nil
}

// DecodeResultMessage reverses Encode.
func DecodeResultMessage(payload []byte) (ResultMessage, error) {
	var m ResultMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return ResultMessage{}, fmt.Errorf("jobs: decode result message: %w", err)
	}
	return m, nil
}
