// Package capture defines the microphone contract of the voice pipeline.
//
// A [Device] hands out one exclusive [Stream] per call. The stream slices the
// live input into fixed-size [audio.Frame]s and delivers them at the cadence
// implied by FrameSize and SampleRate (4096 samples at 16 kHz is one frame
// every 256 ms). Frames that the consumer is not ready for are dropped, never
// queued, so a stalled consumer can not build up a backlog of stale speech.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
)

const (
	// DefaultSampleRate is the microphone rate expected by the speech model.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per delivered frame.
	DefaultFrameSize = 4096
)

var (
	// ErrPermissionDenied is returned by [Device.Open] when the operating
	// system refuses access to the microphone.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable is returned by [Device.Open] when no usable input
	// device or capture backend exists.
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
)

// Config describes how the microphone should be captured.
type Config struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels captured. Default: 1.
	Channels int

	// FrameSize is the number of samples per channel in each frame.
	// Default: 4096.
	FrameSize int

	// InputFormat selects the platform capture backend (e.g. "pulse",
	// "alsa", "avfoundation"). Interpreted by the Device implementation.
	InputFormat string

	// Device names the input device. Default: "default".
	Device string
}

// WithDefaults returns c with zero fields replaced by the defaults.
func (c Config) WithDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Device == "" {
		c.Device = "default"
	}
	return c
}

// FrameInterval returns the wall-clock time covered by one frame.
func (c Config) FrameInterval() time.Duration {
	c = c.WithDefaults()
	return time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
}

// Stream is a live, exclusive microphone capture.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the channel on which captured frames arrive. It is
	// closed when the stream stops, either through Close or because the
	// device failed; check Err afterwards.
	Frames() <-chan audio.Frame

	// Err returns the error that stopped the stream early, or nil if it was
	// closed normally.
	Err() error

	// Close stops capture and releases the device. Calling Close more than
	// once is safe.
	Close() error
}

// Device opens microphone streams.
type Device interface {
	// Open acquires the microphone. Opening may trigger an operating-system
	// permission prompt; denial is reported as [ErrPermissionDenied].
	Open(ctx context.Context, cfg Config) (Stream, error)
}
