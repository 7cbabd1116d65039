package audio

// EncodePCM converts floating-point samples in [-1.0, 1.0] to 16-bit signed
// PCM. Samples are clamped before scaling; negative values scale by 32768 and
// non-negative by 32767, matching the asymmetric int16 range exactly. Clamping
// first is what keeps the boundary values from overflowing.
func EncodePCM(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s < -1.0 {
			s = -1.0
		} else if s > 1.0 {
			s = 1.0
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// Interleave merges one local and one remote frame of PCM samples into a
// single stereo buffer [l0, r0, l1, r1, ...]. Local always occupies the first
// slot of each pair. If the frames differ in length the result is truncated
// to the shorter one and the number of dropped samples is returned so the
// caller can log the drift; padding with silence would only mask the timing
// bug upstream.
func Interleave(local, remote []int16) (out []int16, dropped int) {
	n := len(local)
	if len(remote) < n {
		n = len(remote)
	}
	dropped = (len(local) - n) + (len(remote) - n)

	out = make([]int16, 2*n)
	for i := 0; i < n; i++ {
		out[2*i] = local[i]
		out[2*i+1] = remote[i]
	}
	return out, dropped
}

// PCMBytes serializes samples as little-endian 16-bit PCM, the wire format
// the recognizer expects for linear16 audio.
func PCMBytes(samples []int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		buf[2*i] = byte(s)
		buf[2*i+1] = byte(s >> 8)
	}
	return buf
}
