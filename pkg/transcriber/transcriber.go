// Package transcriber implements the Transcriber callable (spec §6.3),
// adapted from the teacher's pkg/providers/stt providers. Every
// implementation here is given raw PCM already resampled to 16 kHz mono
// 16-bit (pkg/audio.TargetSampleRate) by the Gateway, so the per-provider
// sample-rate plumbing the teacher carried (SetSampleRate) is dropped.
package transcriber

import "context"

// Transcriber is the external collaborator invoked by the STT worker loop
// (C5, spec §6.3). sourceLang may be empty to request auto-detection where
// the provider supports it; detectedLang is returned empty when the
// provider does not report one.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPCM []byte, sourceLang string) (text string, detectedLang string, err error)
	Name() string
}
