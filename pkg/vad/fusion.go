package vad

import "time"

// FusionVAD combines Detector A (energy) and Detector B (probability) via
// logical AND (spec §4.2): a chunk only counts as speech when both agree,
// which is what lets a narrow-interface neural Detector B silently replace
// SpectralFlatnessDetector without touching the fusion rule itself.
type FusionVAD struct {
	a         *EnergyDetector
	b         ProbabilityDetector
	threshold float64

	speaking bool
}

// NewFusionVAD builds the fused detector a session holds. threshold is the
// Detector B score (spec §6.5 VAD_B_THRESHOLD) above which a chunk counts
// as speech for fusion purposes.
func NewFusionVAD(a *EnergyDetector, b ProbabilityDetector, threshold float64) *FusionVAD {
	return &FusionVAD{a: a, b: b, threshold: threshold}
}

// Process implements Detector.
func (f *FusionVAD) Process(chunk []byte) (*Event, error) {
	if _, err := f.a.Process(chunk); err != nil {
		return nil, err
	}
	score, err := f.b.Score(chunk)
	if err != nil {
		return nil, err
	}

	fused := f.a.IsSpeaking() && score >= f.threshold
	now := time.Now().UnixMilli()

	switch {
	case fused && !f.speaking:
		f.speaking = true
		return &Event{Type: SpeechStart, Timestamp: now}, nil
	case !fused && f.speaking:
		f.speaking = false
		return &Event{Type: SpeechEnd, Timestamp: now}, nil
	case !fused:
		return &Event{Type: Silence, Timestamp: now}, nil
	default:
		return nil, nil
	}
}

func (f *FusionVAD) Name() string { return "fusion_vad" }

func (f *FusionVAD) Reset() {
	f.a.Reset()
	f.b.Reset()
	f.speaking = false
}

func (f *FusionVAD) Clone() Detector {
	return &FusionVAD{a: f.a.Clone().(*EnergyDetector), b: f.b.Clone(), threshold: f.threshold}
}

// Speaking reports the current fused decision.
func (f *FusionVAD) Speaking() bool { return f.speaking }

var _ Detector = (*FusionVAD)(nil)
