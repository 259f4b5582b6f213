package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel [Format] at rate Hz.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one fixed-size slice of captured microphone audio. Samples are
// normalised to [-1, 1] and interleaved when Channels > 1.
//
// Frames are transient: the capture stream hands each one to the encoder and
// never touches it again.
type Frame struct {
	// Samples holds the normalised amplitudes of this frame.
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Channels is 1 for microphone capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Buffer is a block of decoded audio ready for playback.
type Buffer struct {
	// Samples holds normalised, channel-interleaved amplitudes.
	Samples []float32

	// SampleRate in Hz (24000 for model speech).
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
