package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/mock"
	"github.com/MrWong99/wecall/pkg/audio/playback"
)

// speech returns a 24 kHz mono buffer of the given length.
func speech(d time.Duration) audio.Buffer {
	n := int(d * 24000 / time.Second)
	return audio.Buffer{Samples: make([]float32, n), SampleRate: 24000, Channels: 1}
}

func TestScheduler_TurnsAreGapless(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	t0 := 3 * time.Second
	out.SetNow(t0)
	sched := playback.NewScheduler(out)

	lengths := []time.Duration{time.Second, 500 * time.Millisecond, 800 * time.Millisecond}
	want := []time.Duration{t0, t0 + time.Second, t0 + 1500*time.Millisecond}

	for i, d := range lengths {
		start, err := sched.Enqueue(speech(d))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if start != want[i] {
			t.Errorf("start %d = %v, want %v", i, start, want[i])
		}
	}
	if got, want := sched.NextStart(), t0+2300*time.Millisecond; got != want {
		t.Errorf("NextStart = %v, want %v", got, want)
	}
	if got := sched.Active(); got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestScheduler_StartsNeverDecrease(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	sched := playback.NewScheduler(out)

	var prev time.Duration
	for i := range 20 {
		// The clock jumps around the queue tail: sometimes behind, sometimes ahead.
		if i%3 == 0 {
			out.Advance(250 * time.Millisecond)
		}
		start, err := sched.Enqueue(speech(100 * time.Millisecond))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if start < prev {
			t.Fatalf("start %d = %v decreased from %v", i, start, prev)
		}
		if now := out.Now(); start < now {
			t.Fatalf("start %d = %v is behind clock %v", i, start, now)
		}
		prev = start
	}
}

func TestScheduler_ClockAheadOfQueue(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	sched := playback.NewScheduler(out)
	if _, err := sched.Enqueue(speech(time.Second)); err != nil {
		t.Fatal(err)
	}
	// The queue drained long ago; the next turn starts at the clock.
	out.SetNow(10 * time.Second)
	start, err := sched.Enqueue(speech(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if start != 10*time.Second {
		t.Errorf("start = %v, want 10s", start)
	}
}

func TestScheduler_FlushStopsEverything(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	sched := playback.NewScheduler(out)
	for range 4 {
		if _, err := sched.Enqueue(speech(time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	out.SetNow(1700 * time.Millisecond)
	if n := sched.Flush(); n != 4 {
		t.Errorf("Flush stopped %d, want 4", n)
	}
	if got := sched.Active(); got != 0 {
		t.Errorf("Active after flush = %d, want 0", got)
	}
	if got := sched.NextStart(); got != out.Now() {
		t.Errorf("NextStart after flush = %v, want clock %v", got, out.Now())
	}
	for i, src := range out.Sources() {
		if !src.Stopped() {
			t.Errorf("source %d not stopped", i)
		}
	}

	// A new turn after the barge-in starts at the clock, not after the old tail.
	start, err := sched.Enqueue(speech(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if start != 1700*time.Millisecond {
		t.Errorf("start after flush = %v, want 1.7s", start)
	}
}

func TestScheduler_EndedSourceLeavesActiveSet(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	sched := playback.NewScheduler(out)
	for range 2 {
		if _, err := sched.Enqueue(speech(time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	srcs := out.Sources()
	srcs[0].Finish()
	if got := sched.Active(); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
	srcs[1].Finish()
	if got := sched.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
	if got := sched.NextStart(); got != 2*time.Second {
		t.Errorf("NextStart = %v, want 2s (completion does not rewind)", got)
	}
}

func TestScheduler_ScheduleError(t *testing.T) {
	t.Parallel()

	boom := errors.New("device gone")
	out := &mock.Output{ScheduleErr: boom}
	sched := playback.NewScheduler(out)

	if _, err := sched.Enqueue(speech(time.Second)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if sched.Active() != 0 || sched.NextStart() != 0 {
		t.Error("failed enqueue must not change scheduler state")
	}
}

func TestScheduler_CloseRejectsEnqueue(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	sched := playback.NewScheduler(out)
	if _, err := sched.Enqueue(speech(time.Second)); err != nil {
		t.Fatal(err)
	}

	if err := sched.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sched.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sched.Active() != 0 {
		t.Error("Close must flush active sources")
	}
	if _, err := sched.Enqueue(speech(time.Second)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close err = %v, want ErrClosed", err)
	}
	if out.CloseCalls() != 0 {
		t.Error("Scheduler.Close must not close the output")
	}
}
