// Package mock provides in-memory test doubles for the capture and playback
// contracts.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	stream, _ := mic.Open(ctx, capture.Config{})
//	mic.LastStream().Emit(audio.Frame{Samples: make([]float32, 4096)})
//
//	out := &mock.Output{}
//	sched := playback.NewScheduler(out)
//	sched.Enqueue(buf)
//	out.Sources()[0].Finish()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/capture"
	"github.com/MrWong99/wecall/pkg/audio/playback"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [capture.Device]. Each successful Open creates a new
// [Stream] that the test drives with Emit and Fail.
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// OpenCalls records the config passed to each Open call.
	OpenCalls []capture.Config

	streams []*Stream
}

// Compile-time interface assertion.
var _ capture.Device = (*Microphone)(nil)

// Open implements [capture.Device].
func (m *Microphone) Open(_ context.Context, cfg capture.Config) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, cfg)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := NewStream()
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream opened so far.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Stream is a mock [capture.Stream] with an unbuffered frame channel, so
// Emit returns only after the consumer has taken the frame.
type Stream struct {
	frames chan audio.Frame
	done   chan struct{}

	mu         sync.Mutex
	err        error
	closeCalls int
	failed     bool
}

// Compile-time interface assertion.
var _ capture.Stream = (*Stream)(nil)

// NewStream returns a ready stream.
func NewStream() *Stream {
	return &Stream{
		frames: make(chan audio.Frame),
		done:   make(chan struct{}),
	}
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [capture.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls == 0 {
		close(s.done)
	}
	s.closeCalls++
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool { return s.CloseCalls() > 0 }

// Emit delivers f to the consumer, blocking until it is received. It returns
// false if the stream was closed first.
func (s *Stream) Emit(f audio.Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// Fail simulates a device failure: Err starts returning err and the Frames
// channel is closed. Fail must not race with Emit and must be called at most
// once.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.failed = true
	s.err = err
	close(s.frames)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [playback.Output] with a manually driven clock. Scheduled
// sources never finish on their own; call [Source.Finish].
type Output struct {
	mu sync.Mutex

	// ScheduleErr, if non-nil, is returned by every Schedule call.
	ScheduleErr error

	// CloseErr is returned by Close.
	CloseErr error

	clock      time.Duration
	sources    []*Source
	closeCalls int
}

// Compile-time interface assertion.
var _ playback.Output = (*Output)(nil)

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clock
}

// SetNow moves the clock to t.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = t
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock += d
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (playback.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	src := &Source{Buffer: buf, At: at, onEnded: onEnded}
	o.sources = append(o.sources, src)
	return src, nil
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeCalls++
	return o.CloseErr
}

// CloseCalls returns how many times Close was called.
func (o *Output) CloseCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCalls
}

// Sources returns every source scheduled so far, in order.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// Source is a mock [playback.Source].
type Source struct {
	// Buffer is the audio passed to Schedule.
	Buffer audio.Buffer

	// At is the start time passed to Schedule.
	At time.Duration

	mu      sync.Mutex
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [playback.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Finish simulates natural completion. The onEnded callback runs on the
// calling goroutine unless the source was stopped or already finished.
func (s *Source) Finish() {
	s.mu.Lock()
	if s.stopped || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
