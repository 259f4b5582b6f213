package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 converts normalised samples to little-endian int16 PCM.
// Each sample is scaled by 32768 and truncated toward zero; values outside
// the int16 range are clamped, so 1.0 maps to 32767.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 PCM to normalised samples by
// dividing each value by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

func quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s) * 32768
	if v >= math.MaxInt16 {
		return math.MaxInt16
	}
	if v <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is not positive, the input is
// returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
