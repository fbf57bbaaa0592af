package audio

import (
	"math"
	"time"
)

// maxSampleValue normalizes int16 PCM into [-1, 1] for analysis functions.
const maxSampleValue = 32768.0

// sampleAt decodes the little-endian int16 sample starting at byte index i.
// The caller guarantees i+1 < len(pcm).
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i]) | int16(pcm[i+1])<<8
}

// RMS returns the root-mean-square energy of mono int16 PCM, normalized to
// [0, 1]. An empty or odd-length slice yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(sampleAt(pcm, i)) / maxSampleValue
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Peak returns the largest absolute sample amplitude in mono int16 PCM,
// normalized to [0, 1].
func Peak(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		a := math.Abs(float64(sampleAt(pcm, i)) / maxSampleValue)
		if a > peak {
			peak = a
		}
	}
	return peak
}

// TrailingSilence scans mono int16 PCM backward from the end and returns the
// duration of continuous audio whose amplitude stays at or below threshold
// (normalized [0, 1]). The scan stops at the first sample that exceeds the
// threshold.
func TrailingSilence(pcm []byte, sampleRate int, threshold float64) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	silent := 0
	for i := samples - 1; i >= 0; i-- {
		a := math.Abs(float64(sampleAt(pcm, i*2)) / maxSampleValue)
		if a > threshold {
			break
		}
		silent++
	}
	return time.Duration(silent) * time.Second / time.Duration(sampleRate)
}

// ZeroCrossingRate returns the number of sign changes per second in mono
// int16 PCM. For voiced speech this tracks coarse pitch; it is cheap enough
// to run on every decision tick.
func ZeroCrossingRate(pcm []byte, sampleRate int) float64 {
	samples := len(pcm) / 2
	if samples < 2 || sampleRate <= 0 {
		return 0
	}
	crossings := 0
	prev := sampleAt(pcm, 0)
	for i := 1; i < samples; i++ {
		cur := sampleAt(pcm, i*2)
		if (prev < 0 && cur >= 0) || (prev >= 0 && cur < 0) {
			crossings++
		}
		prev = cur
	}
	seconds := float64(samples) / float64(sampleRate)
	return float64(crossings) / seconds
}

// PCMDuration returns the play time of raw int16 PCM at the given format.
func PCMDuration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := len(pcm) / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*4))
		r := int32(sampleAt(pcm, i*4+2))
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx*2)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, (srcIdx+1)*2)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := sampleAt(pcm, srcIdx*4)
		r0 := sampleAt(pcm, srcIdx*4+2)
		l1, r1 := l0, r0
		if srcIdx+1 < srcFrames {
			l1 = sampleAt(pcm, (srcIdx+1)*4)
			r1 = sampleAt(pcm, (srcIdx+1)*4+2)
		}

		lv := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rv := int16(float64(r0)*(1-frac) + float64(r1)*frac)
		out[i*4] = byte(lv)
		out[i*4+1] = byte(lv >> 8)
		out[i*4+2] = byte(rv)
		out[i*4+3] = byte(rv >> 8)
	}
	return out
}
