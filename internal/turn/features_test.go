package turn

import (
	"math"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

const testSampleRate = 16000

// constFrame builds a mono frame of the given duration whose samples all sit
// at level (normalized [0, 1] against int16 full scale). A level of 0 is
// pure silence.
func constFrame(t *testing.T, level float64, ms int) audio.Frame {
	t.Helper()
	samples := testSampleRate * ms / 1000
	data := make([]byte, samples*2)
	v := int16(level * 32767)
	for i := range samples {
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return audio.Frame{Data: data, SampleRate: testSampleRate, Channels: 1}
}

// squareFrame builds a mono frame carrying a square wave of the given period
// (in samples), so zero-crossing pitch estimates have a known fundamental.
func squareFrame(t *testing.T, level float64, periodSamples, ms int) audio.Frame {
	t.Helper()
	samples := testSampleRate * ms / 1000
	data := make([]byte, samples*2)
	half := periodSamples / 2
	for i := range samples {
		v := int16(level * 32767)
		if (i/half)%2 == 1 {
			v = -v
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return audio.Frame{Data: data, SampleRate: testSampleRate, Channels: 1}
}

func near(got, want, tolerance float64) bool {
	return math.Abs(got-want) <= tolerance
}

func TestExtractFeatures_EmptyWindow(t *testing.T) {
	t.Parallel()

	f := ExtractFeatures(nil, Config{})
	if f.PauseDuration != 0 || f.TrailingSilence != 0 || f.Confidence != 0 {
		t.Errorf("expected zero features for empty window, got %+v", f)
	}
	if len(f.EnergyTrend) != 0 || len(f.PitchTrend) != 0 {
		t.Errorf("expected empty trends, got %+v", f)
	}
}

func TestExtractFeatures_EnergyTrend(t *testing.T) {
	t.Parallel()

	window := []audio.Frame{
		constFrame(t, 0.5, 100),
		constFrame(t, 0.2, 100),
		constFrame(t, 0.0, 100),
	}
	f := ExtractFeatures(window, Config{})

	if len(f.EnergyTrend) != 3 {
		t.Fatalf("expected 3 energy values, got %d", len(f.EnergyTrend))
	}
	if !near(f.EnergyTrend[0], 0.5, 0.01) {
		t.Errorf("EnergyTrend[0] = %f, want ~0.5", f.EnergyTrend[0])
	}
	if !near(f.EnergyTrend[1], 0.2, 0.01) {
		t.Errorf("EnergyTrend[1] = %f, want ~0.2", f.EnergyTrend[1])
	}
	if f.EnergyTrend[2] != 0 {
		t.Errorf("EnergyTrend[2] = %f, want 0", f.EnergyTrend[2])
	}
	if f.SpeechRate != defaultSpeechRateWPM {
		t.Errorf("SpeechRate = %f, want %d", f.SpeechRate, defaultSpeechRateWPM)
	}
}

func TestExtractFeatures_TrailingSilenceSpansFrames(t *testing.T) {
	t.Parallel()

	window := []audio.Frame{
		constFrame(t, 0.3, 100),
		constFrame(t, 0, 100),
		constFrame(t, 0, 100),
	}
	f := ExtractFeatures(window, Config{})

	want := 200 * time.Millisecond
	if f.TrailingSilence != want {
		t.Errorf("TrailingSilence = %v, want %v", f.TrailingSilence, want)
	}
	if f.PauseDuration != want {
		t.Errorf("PauseDuration = %v, want window-local %v", f.PauseDuration, want)
	}
}

func TestExtractFeatures_TrailingSilenceAllSilent(t *testing.T) {
	t.Parallel()

	window := []audio.Frame{
		constFrame(t, 0, 100),
		constFrame(t, 0, 100),
		constFrame(t, 0, 100),
	}
	f := ExtractFeatures(window, Config{})

	if want := 300 * time.Millisecond; f.TrailingSilence != want {
		t.Errorf("TrailingSilence = %v, want %v", f.TrailingSilence, want)
	}
}

func TestExtractFeatures_TrailingSilenceStopsAtVoicedTail(t *testing.T) {
	t.Parallel()

	window := []audio.Frame{
		constFrame(t, 0, 100),
		constFrame(t, 0.3, 100),
	}
	f := ExtractFeatures(window, Config{})

	if f.TrailingSilence != 0 {
		t.Errorf("TrailingSilence = %v, want 0 when the window ends voiced", f.TrailingSilence)
	}
}

func TestExtractFeatures_PitchTrendTracksSquareWave(t *testing.T) {
	t.Parallel()

	// 160-sample period at 16 kHz is a 100 Hz fundamental.
	window := []audio.Frame{squareFrame(t, 0.3, 160, 100)}
	f := ExtractFeatures(window, Config{})

	if len(f.PitchTrend) != 1 {
		t.Fatalf("expected 1 pitch value, got %d", len(f.PitchTrend))
	}
	if !near(f.PitchTrend[0], 100, 10) {
		t.Errorf("PitchTrend[0] = %f Hz, want ~100", f.PitchTrend[0])
	}
}

func TestExtractFeatures_Confidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level float64
		want  float64
	}{
		{name: "loud tail", level: 0.8, want: 0.8},
		{name: "silent tail", level: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			window := []audio.Frame{
				constFrame(t, 0.2, 100),
				constFrame(t, tt.level, 100),
			}
			f := ExtractFeatures(window, Config{})
			if !near(f.Confidence, tt.want, 0.01) {
				t.Errorf("Confidence = %f, want ~%f", f.Confidence, tt.want)
			}
		})
	}
}

func TestExtractFeatures_IsPure(t *testing.T) {
	t.Parallel()

	window := []audio.Frame{
		constFrame(t, 0.3, 100),
		constFrame(t, 0, 100),
	}
	first := ExtractFeatures(window, Config{})
	second := ExtractFeatures(window, Config{})

	if first.TrailingSilence != second.TrailingSilence ||
		first.Confidence != second.Confidence ||
		len(first.EnergyTrend) != len(second.EnergyTrend) {
		t.Errorf("repeated extraction differed: %+v vs %+v", first, second)
	}
}
