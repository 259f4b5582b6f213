// Package playback schedules decoded model speech onto an output clock.
//
// Speech arrives from the remote model in many small buffers. The [Scheduler]
// places each one immediately after the previous so that a turn plays
// gaplessly, and can drop everything at once when the caller barges in. The
// [Output] it schedules onto is either the real [Device] or a test double.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
)

// ErrClosed is returned when scheduling onto a closed scheduler or device.
var ErrClosed = errors.New("playback: closed")

// Source is one scheduled buffer on an [Output].
type Source interface {
	// Stop cancels playback of the source. Stopping a source that already
	// finished is a no-op. Stop never triggers the source's onEnded callback.
	Stop()
}

// Output is a clocked audio sink that plays buffers at absolute times.
type Output interface {
	// Now returns the monotonic output clock.
	Now() time.Duration

	// Schedule arranges for buf to start playing at clock time at. onEnded is
	// invoked asynchronously, exactly once, when the source finishes on its
	// own. It is never invoked for a stopped source.
	Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close releases the output.
	Close() error
}

// Scheduler queues buffers back to back on an [Output].
//
// Invariants: NextStart never decreases between flushes and is never behind
// the output clock at the time of an enqueue; every source handed out by the
// output leaves the active set, either on completion or on Flush.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out Output

	mu        sync.Mutex
	nextStart time.Duration
	active    map[uint64]Source
	seq       uint64
	closed    bool
}

// NewScheduler returns a scheduler positioned at the current output clock.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:       out,
		nextStart: out.Now(),
		active:    make(map[uint64]Source),
	}
}

// Enqueue schedules buf to play right after everything already queued, or
// now if the queue has drained. It returns the clock time at which buf starts.
func (s *Scheduler) Enqueue(buf audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	start := max(s.nextStart, s.out.Now())
	s.seq++
	id := s.seq

	src, err := s.out.Schedule(buf, start, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.active[id] = src
	s.nextStart = start + buf.Duration()
	return start, nil
}

// Flush stops every active source and rewinds the queue to the output clock.
// It returns the number of sources stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes the scheduler and rejects further enqueues. It does not close
// the underlying output. Calling Close more than once is safe.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.flushLocked()
	s.closed = true
	return nil
}

// Active returns the number of sources scheduled and not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the clock time at which the next enqueued buffer would
// start, ignoring clock advance since the last enqueue or flush.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

func (s *Scheduler) flushLocked() int {
	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.nextStart = s.out.Now()
	return n
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
