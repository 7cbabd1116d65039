package audio

import "fmt"

// Resample converts samples from sourceRate to targetRate using linear
// interpolation. For each output index i the source position is
// i * sourceRate/targetRate; the sample is interpolated between the floor
// and ceil source indices, with ceil clamped to the last valid index.
//
// Rates must be positive; anything else is a caller bug, not a runtime
// condition to recover from.
func Resample(samples []float32, sourceRate, targetRate int) []float32 {
	if sourceRate <= 0 || targetRate <= 0 {
		panic(fmt.Sprintf("audio: invalid resample rates %d -> %d", sourceRate, targetRate))
	}

	if sourceRate == targetRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(sourceRate) / float64(targetRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, n)

	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		hi := lo + 1
		if hi >= len(samples) {
			hi = len(samples) - 1
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}

	return out
}
