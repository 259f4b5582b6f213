package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
)

// frameBuffer is the capacity of the Frames channel. One slot absorbs a
// consumer that is momentarily busy; anything beyond that is dropped.
const frameBuffer = 1

// PCMStream is a [Stream] that slices raw little-endian int16 PCM read from
// an [io.Reader] into frames. Device implementations backed by a process or
// pipe use it to turn bytes into frames.
type PCMStream struct {
	cfg    Config
	src    io.Reader
	stop   func() error
	frames chan audio.Frame
	done   chan struct{}

	mu      sync.Mutex
	err     error
	dropped int

	closeOnce sync.Once
	closeErr  error
}

// Compile-time interface assertion.
var _ Stream = (*PCMStream)(nil)

// NewPCMStream starts pumping frames from src. stop is called exactly once
// by Close to release the underlying device; it may be nil.
func NewPCMStream(src io.Reader, stop func() error, cfg Config) *PCMStream {
	s := &PCMStream{
		cfg:    cfg.WithDefaults(),
		src:    src,
		stop:   stop,
		frames: make(chan audio.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Frames implements [Stream].
func (s *PCMStream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [Stream].
func (s *PCMStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of frames discarded because the consumer was
// not ready.
func (s *PCMStream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close implements [Stream]. It signals the pump and stops the device; the
// Frames channel closes once the pending read returns.
func (s *PCMStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.closeErr = s.stop()
		}
	})
	return s.closeErr
}

func (s *PCMStream) pump() {
	defer close(s.frames)

	frameBytes := s.cfg.FrameSize * s.cfg.Channels * 2
	buf := make([]byte, frameBytes)
	interval := s.cfg.FrameInterval()
	var ts time.Duration

	for {
		if _, err := io.ReadFull(s.src, buf); err != nil {
			s.finish(err)
			return
		}

		frame := audio.Frame{
			Samples:    audio.PCM16ToFloat(buf),
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Timestamp:  ts,
		}
		ts += interval

		select {
		case <-s.done:
			return
		case s.frames <- frame:
		default:
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			slog.Debug("capture: consumer busy, dropping frame", "dropped_total", n)
		}
	}
}

// finish records why the pump stopped. Errors caused by Close are not
// failures.
func (s *PCMStream) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
		err = fmt.Errorf("capture: input ended: %w", err)
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
