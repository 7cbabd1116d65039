package audio

import (
	"math"
	"testing"
)

func TestResampleRatio(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 960, 961, 962, 4800} {
		in := make([]float32, n)
		out := Resample(in, 48000, 16000)
		if want := n / 3; len(out) != want {
			t.Errorf("Resample(%d samples, 48000, 16000) = %d samples, want %d", n, len(out), want)
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3, -0.4}
	out := Resample(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("identity resample changed length: %d != %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}
	// The output must be a copy, not an alias.
	out[0] = 9
	if in[0] == 9 {
		t.Error("identity resample aliased the input slice")
	}
}

func TestResampleInterpolates(t *testing.T) {
	// Upsampling a ramp by 2x should place interpolated midpoints between
	// the original samples.
	in := []float32{0, 1, 2, 3}
	out := Resample(in, 8000, 16000)
	if len(out) != 8 {
		t.Fatalf("got %d samples, want 8", len(out))
	}
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %f, want %f", i, out[i], want[i])
		}
	}
}

func TestResampleInvalidRate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on non-positive rate")
		}
	}()
	Resample([]float32{0}, 0, 16000)
}

func TestEncodePCMClamps(t *testing.T) {
	in := []float32{-1.5, -1.0, 0.0, 1.0, 1.5}
	want := []int16{-32768, -32768, 0, 32767, 32767}
	got := EncodePCM(in)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("EncodePCM(%f) = %d, want %d", in[i], got[i], want[i])
		}
	}
}

func TestInterleave(t *testing.T) {
	out, dropped := Interleave([]int16{1, 2, 3}, []int16{10, 20, 30})
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	want := []int16{1, 10, 2, 20, 3, 30}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestInterleaveTruncatesOnDrift(t *testing.T) {
	out, dropped := Interleave([]int16{1, 2, 3, 4, 5}, []int16{10, 20, 30})
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if len(out) != 6 {
		t.Errorf("len = %d, want 6", len(out))
	}
}

func TestPCMBytesLittleEndian(t *testing.T) {
	got := PCMBytes([]int16{0x0102, -2})
	want := []byte{0x02, 0x01, 0xfe, 0xff}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestChannelIndexRoundTrip(t *testing.T) {
	if ChannelLocal.Index() != 0 || ChannelRemote.Index() != 1 {
		t.Error("channel slots must be stable: local=0, remote=1")
	}
	if ChannelFromIndex(0) != ChannelLocal || ChannelFromIndex(1) != ChannelRemote {
		t.Error("ChannelFromIndex must invert Index")
	}
}
