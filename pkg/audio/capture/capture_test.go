package capture_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/capture"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	cfg := capture.Config{}.WithDefaults()
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.FrameSize != 4096 || cfg.Device != "default" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.FrameInterval(); got != 256*time.Millisecond {
		t.Errorf("FrameInterval = %v, want 256ms", got)
	}
}

func TestPCMStream_SlicesFrames(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.5, -0.5, 0.25, 0.125, -0.125, 0, -1}
	pcm := audio.FloatToPCM16(samples)

	r, w := io.Pipe()
	stream := capture.NewPCMStream(r, r.Close, capture.Config{FrameSize: 4})
	defer stream.Close()

	next := func() audio.Frame {
		t.Helper()
		select {
		case f, ok := <-stream.Frames():
			if !ok {
				t.Fatal("Frames closed early")
			}
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
		return audio.Frame{}
	}

	// Feed one frame at a time so the consumer is never behind.
	var frames []audio.Frame
	for i := 0; i < 2; i++ {
		if _, err := w.Write(pcm[i*8 : (i+1)*8]); err != nil {
			t.Fatalf("write: %v", err)
		}
		frames = append(frames, next())
	}
	// A partial trailing frame followed by EOF ends the stream with an error.
	_, _ = w.Write([]byte{0x01, 0x02})
	_ = w.Close()

	select {
	case _, ok := <-stream.Frames():
		if ok {
			t.Fatal("unexpected extra frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Frames not closed at end of input")
	}

	for i, f := range frames {
		if len(f.Samples) != 4 {
			t.Errorf("frame %d has %d samples, want 4", i, len(f.Samples))
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d format = %d/%d", i, f.SampleRate, f.Channels)
		}
		for j, s := range f.Samples {
			if want := samples[i*4+j]; s != want {
				t.Errorf("frame %d sample %d = %v, want %v", i, j, s, want)
			}
		}
	}
	if frames[1].Timestamp <= frames[0].Timestamp {
		t.Errorf("timestamps not increasing: %v, %v", frames[0].Timestamp, frames[1].Timestamp)
	}
	if err := stream.Err(); err == nil {
		t.Error("expected an error describing the end of input")
	}
}

func TestPCMStream_CloseStopsDevice(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	stopped := 0
	stream := capture.NewPCMStream(r, func() error {
		stopped++
		return r.Close()
	}, capture.Config{FrameSize: 4})

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if stopped != 1 {
		t.Errorf("stop called %d times, want 1", stopped)
	}

	select {
	case _, ok := <-stream.Frames():
		if ok {
			t.Error("expected Frames to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Frames not closed after Close")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err after Close = %v, want nil", err)
	}
	_ = w.Close()
}

func TestPCMStream_DropsWhenConsumerBusy(t *testing.T) {
	t.Parallel()

	// Ten frames, nobody reading: one fits in the buffer, the rest drop.
	pcm := audio.FloatToPCM16(make([]float32, 40))
	stream := capture.NewPCMStream(bytes.NewReader(pcm), nil, capture.Config{FrameSize: 4})
	defer stream.Close()

	deadline := time.Now().Add(2 * time.Second)
	for stream.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stream.Dropped(); got != 9 {
		t.Errorf("Dropped = %d, want 9", got)
	}
}

func TestErrors_Distinct(t *testing.T) {
	t.Parallel()
	if errors.Is(capture.ErrPermissionDenied, capture.ErrDeviceUnavailable) {
		t.Error("sentinel errors must be distinct")
	}
}
