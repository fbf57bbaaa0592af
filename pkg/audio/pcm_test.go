package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// constantSignal returns n samples all set to value.
func constantSignal(n int, value int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samplesToBytes(samples)
}

func TestRMS_ConstantSignal(t *testing.T) {
	// A constant-amplitude signal's RMS equals its normalized amplitude.
	pcm := constantSignal(1600, 3277) // ≈ 0.1 normalized
	got := audio.RMS(pcm)
	want := 3277.0 / 32768.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("RMS = %v, want %v", got, want)
	}
}

func TestRMS_Silence(t *testing.T) {
	pcm := constantSignal(1600, 0)
	if got := audio.RMS(pcm); got != 0 {
		t.Errorf("RMS of silence = %v, want 0", got)
	}
}

func TestRMS_Empty(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS of empty input = %v, want 0", got)
	}
}

func TestRMS_Range(t *testing.T) {
	// Full-scale signal stays within [0, 1].
	pcm := samplesToBytes([]int16{32767, -32768, 32767, -32768})
	got := audio.RMS(pcm)
	if got < 0 || got > 1 {
		t.Errorf("RMS = %v, want within [0, 1]", got)
	}
	if got < 0.99 {
		t.Errorf("RMS of full-scale signal = %v, want close to 1", got)
	}
}

func TestPeak(t *testing.T) {
	pcm := samplesToBytes([]int16{100, -2000, 500})
	got := audio.Peak(pcm)
	want := 2000.0 / 32768.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Peak = %v, want %v", got, want)
	}
}

func TestTrailingSilence(t *testing.T) {
	const rate = 16000

	// 800 loud samples followed by 800 quiet ones: the quiet half is 50ms.
	loud := make([]int16, 800)
	for i := range loud {
		loud[i] = 10000
	}
	quiet := make([]int16, 800) // zeros, below any positive threshold
	pcm := samplesToBytes(append(loud, quiet...))

	got := audio.TrailingSilence(pcm, rate, 0.01)
	want := 50 * time.Millisecond
	if got != want {
		t.Errorf("TrailingSilence = %v, want %v", got, want)
	}
}

func TestTrailingSilence_StopsAtLoudSample(t *testing.T) {
	// A loud final sample means zero trailing silence.
	pcm := samplesToBytes([]int16{0, 0, 0, 10000})
	if got := audio.TrailingSilence(pcm, 16000, 0.01); got != 0 {
		t.Errorf("TrailingSilence = %v, want 0", got)
	}
}

func TestTrailingSilence_AllSilent(t *testing.T) {
	pcm := constantSignal(1600, 0) // 100ms at 16kHz
	got := audio.TrailingSilence(pcm, 16000, 0.01)
	want := 100 * time.Millisecond
	if got != want {
		t.Errorf("TrailingSilence = %v, want %v", got, want)
	}
}

func TestTrailingSilence_ThresholdBoundary(t *testing.T) {
	// Samples at exactly the threshold count as silence; above it they don't.
	// threshold 0.01 → 327.68, so 327 is silent and 328 is not.
	atThreshold := samplesToBytes([]int16{10000, 327, 327})
	got := audio.TrailingSilence(atThreshold, 16000, 0.01)
	want := 2 * time.Second / 16000
	if got != want {
		t.Errorf("TrailingSilence at boundary = %v, want %v", got, want)
	}

	above := samplesToBytes([]int16{10000, 328, 328})
	if got := audio.TrailingSilence(above, 16000, 0.01); got != 0 {
		t.Errorf("TrailingSilence above boundary = %v, want 0", got)
	}
}

func TestZeroCrossingRate(t *testing.T) {
	// Four alternating samples over one second: three sign changes.
	pcm := samplesToBytes([]int16{1000, -1000, 1000, -1000})
	got := audio.ZeroCrossingRate(pcm, 4)
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("ZeroCrossingRate = %v, want 3", got)
	}
}

func TestZeroCrossingRate_NoCrossings(t *testing.T) {
	pcm := constantSignal(100, 5000)
	if got := audio.ZeroCrossingRate(pcm, 16000); got != 0 {
		t.Errorf("ZeroCrossingRate = %v, want 0", got)
	}
}

func TestPCMDuration(t *testing.T) {
	// 1600 mono samples at 16kHz = 100ms.
	mono := constantSignal(1600, 0)
	if got := audio.PCMDuration(mono, 16000, 1); got != 100*time.Millisecond {
		t.Errorf("mono duration = %v, want 100ms", got)
	}
	// Same bytes as stereo = half the frames = 50ms.
	if got := audio.PCMDuration(mono, 16000, 2); got != 50*time.Millisecond {
		t.Errorf("stereo duration = %v, want 50ms", got)
	}
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audio.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
}
