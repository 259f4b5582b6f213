package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/MrWong99/wecall/pkg/audio/capture"
)

// DefaultInputFormat is the capture backend used when none is configured.
const DefaultInputFormat = "pulse"

// Microphone is a [capture.Device] that records through ffmpeg.
type Microphone struct {
	command string
}

// Compile-time interface assertion.
var _ capture.Device = (*Microphone)(nil)

// MicrophoneOption is a functional option for [NewMicrophone].
type MicrophoneOption func(*Microphone)

// WithCommand overrides the ffmpeg executable.
func WithCommand(command string) MicrophoneOption {
	return func(m *Microphone) {
		if command != "" {
			m.command = command
		}
	}
}

// NewMicrophone returns a microphone backed by ffmpeg.
func NewMicrophone(opts ...MicrophoneOption) *Microphone {
	m := &Microphone{command: DefaultCommand}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [capture.Device]. The process is stopped when ctx is
// cancelled or when the returned stream is closed.
func (m *Microphone) Open(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	cfg = cfg.WithDefaults()
	if cfg.InputFormat == "" {
		cfg.InputFormat = DefaultInputFormat
	}

	cmd := exec.CommandContext(ctx, m.command, captureArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}

	proc, err := start(cmd, stdout)
	if err != nil {
		return nil, err
	}

	slog.Debug("ffmpeg: microphone open",
		"format", cfg.InputFormat,
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"frame_size", cfg.FrameSize,
	)
	return capture.NewPCMStream(stdout, proc.Stop, cfg), nil
}

func captureArgs(cfg capture.Config) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.Device,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}
