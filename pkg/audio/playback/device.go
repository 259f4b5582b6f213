package playback

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
)

// DefaultPeriod is the amount of audio rendered per tick.
const DefaultPeriod = 20 * time.Millisecond

// DeviceOption is a functional option for [NewDevice].
type DeviceOption func(*Device)

// WithPeriod sets the render period. Values below one millisecond are ignored.
func WithPeriod(d time.Duration) DeviceOption {
	return func(dev *Device) {
		if d >= time.Millisecond {
			dev.period = d
		}
	}
}

// Device is an [Output] that mixes scheduled sources in real time and writes
// little-endian int16 PCM to an [io.Writer], typically a speaker process.
//
// Its clock is the amount of audio rendered so far, so it advances only while
// the render loop runs. Buffers whose sample rate differs from the device are
// resampled; mono buffers are duplicated across device channels.
type Device struct {
	w      io.Writer
	format audio.Format
	period time.Duration

	mu       sync.Mutex
	rendered int64 // sample frames written
	sources  map[*deviceSource]struct{}
	closed   bool
	err      error

	done chan struct{}
	wg   sync.WaitGroup
}

// Compile-time interface assertion.
var _ Output = (*Device)(nil)

// NewDevice starts a render loop writing format-shaped PCM to w. If w is also
// an [io.Closer] it is closed by [Device.Close].
func NewDevice(w io.Writer, format audio.Format, opts ...DeviceOption) *Device {
	d := newDevice(w, format, opts...)
	d.wg.Add(1)
	go d.loop()
	return d
}

func newDevice(w io.Writer, format audio.Format, opts ...DeviceOption) *Device {
	d := &Device{
		w:       w,
		format:  format,
		period:  DefaultPeriod,
		sources: make(map[*deviceSource]struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Format returns the device's output format.
func (d *Device) Format() audio.Format { return d.format }

// Now implements [Output].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clockLocked()
}

// Err returns the write error that stopped the render loop, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Schedule implements [Output]. A start time in the past plays immediately.
func (d *Device) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (Source, error) {
	samples, err := d.conform(buf)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	start := max(d.frameAt(at), d.rendered)
	src := &deviceSource{
		dev:     d,
		samples: samples,
		start:   start,
		end:     start + int64(len(samples)/d.format.Channels),
		onEnded: onEnded,
	}
	d.sources[src] = struct{}{}
	return src, nil
}

// Close stops the render loop, discards scheduled sources without invoking
// their callbacks and closes the writer if it is closable.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	clear(d.sources)
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	if c, ok := d.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("playback: close writer: %w", err)
		}
	}
	return nil
}

func (d *Device) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		pcm, ended := d.render()
		if _, err := d.w.Write(pcm); err != nil {
			d.mu.Lock()
			if d.err == nil && !d.closed {
				d.err = err
				slog.Warn("playback: device write failed, render loop stopped", "err", err)
			}
			d.mu.Unlock()
			return
		}
		for _, fn := range ended {
			fn()
		}
	}
}

// render mixes one period and advances the clock. It returns the PCM for the
// period and the callbacks of sources that finished within it; the callbacks
// must be invoked without holding d.mu.
func (d *Device) render() ([]byte, []func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := d.format.Channels
	frames := int64(d.period) * int64(d.format.SampleRate) / int64(time.Second)
	from, to := d.rendered, d.rendered+frames
	mix := make([]float32, int(frames)*ch)

	var ended []func()
	for src := range d.sources {
		for f := max(from, src.start); f < min(to, src.end); f++ {
			dst := int(f-from) * ch
			off := int(f-src.start) * ch
			for c := range ch {
				mix[dst+c] += src.samples[off+c]
			}
		}
		if src.end <= to {
			delete(d.sources, src)
			if src.onEnded != nil {
				ended = append(ended, src.onEnded)
			}
		}
	}
	d.rendered = to
	return audio.FloatToPCM16(mix), ended
}

// frameAt converts a clock time to the nearest sample frame. Buffer
// durations are truncated to whole nanoseconds, so truncating here too would
// start back-to-back buffers one frame early.
func (d *Device) frameAt(at time.Duration) int64 {
	rate := int64(d.format.SampleRate)
	return (int64(at)*rate + int64(time.Second)/2) / int64(time.Second)
}

func (d *Device) clockLocked() time.Duration {
	if d.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(d.rendered) * time.Second / time.Duration(d.format.SampleRate)
}

// conform converts buf to the device format.
func (d *Device) conform(buf audio.Buffer) ([]float32, error) {
	if d.format.SampleRate <= 0 || d.format.Channels <= 0 {
		return nil, fmt.Errorf("playback: invalid device format %s", d.format)
	}
	samples := buf.Samples
	if buf.SampleRate != d.format.SampleRate {
		if buf.Channels != 1 {
			return nil, fmt.Errorf("playback: cannot resample %d-channel audio to %s", buf.Channels, d.format)
		}
		samples = audio.ResampleMono(samples, buf.SampleRate, d.format.SampleRate)
	}
	switch {
	case buf.Channels == d.format.Channels:
		return samples, nil
	case buf.Channels == 1:
		up := make([]float32, len(samples)*d.format.Channels)
		for i, s := range samples {
			for c := range d.format.Channels {
				up[i*d.format.Channels+c] = s
			}
		}
		return up, nil
	default:
		return nil, fmt.Errorf("playback: cannot play %d-channel audio on %s", buf.Channels, d.format)
	}
}

type deviceSource struct {
	dev        *Device
	samples    []float32
	start, end int64 // sample frames on the device clock
	onEnded    func()
}

// Stop implements [Source].
func (s *deviceSource) Stop() {
	s.dev.mu.Lock()
	delete(s.dev.sources, s)
	s.dev.mu.Unlock()
}
