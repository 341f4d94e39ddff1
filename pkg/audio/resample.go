package audio

// TargetSampleRate is the fixed rate all audio is converted to before
// reaching VAD and the transcriber (spec §4.4 Resampling).
const TargetSampleRate = 16000

// Resample converts mono 16-bit little-endian PCM at fromRate to
// TargetSampleRate using linear interpolation. If fromRate already equals
// TargetSampleRate, pcm is returned unchanged.
func Resample(pcm []byte, fromRate int) []byte {
	if fromRate <= 0 || fromRate == TargetSampleRate {
		return pcm
	}

	in := bytesToSamples(pcm)
	if len(in) == 0 {
		return nil
	}

	ratio := float64(fromRate) / float64(TargetSampleRate)
	outLen := int(float64(len(in)) / ratio)
	if outLen <= 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		a := in[idx]
		b := a
		if idx+1 < len(in) {
			b = in[idx+1]
		}
		out[i] = int16(float64(a) + frac*float64(b-a))
	}

	return samplesToBytes(out)
}

func bytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(pcm[2*i]) | (int16(pcm[2*i+1]) << 8)
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
