package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/MrWong99/wecall/pkg/audio"
)

// DefaultOutputFormat is the playback backend used when none is configured.
const DefaultOutputFormat = "pulse"

// SpeakerConfig describes the output device.
type SpeakerConfig struct {
	// Format of the PCM written to the speaker.
	Format audio.Format

	// OutputFormat selects the ffmpeg output device (e.g. "pulse", "alsa",
	// "audiotoolbox"). Default: "pulse".
	OutputFormat string

	// Device names the output device. Default: "default".
	Device string
}

// Speaker is a raw s16le sink that plays through ffmpeg. Writes block once the
// pipe is full, so the writer is paced by the device.
type Speaker struct {
	stdin io.WriteCloser
	proc  *process
}

// OpenSpeaker starts an ffmpeg playback process.
func OpenSpeaker(ctx context.Context, command string, cfg SpeakerConfig) (*Speaker, error) {
	if command == "" {
		command = DefaultCommand
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid speaker format %s", cfg.Format)
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}

	cmd := exec.CommandContext(ctx, command, playbackArgs(cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdin pipe: %w", err)
	}
	proc, err := start(cmd, stdin)
	if err != nil {
		return nil, err
	}
	return &Speaker{stdin: stdin, proc: proc}, nil
}

// Write implements [io.Writer].
func (s *Speaker) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close ends the input stream and stops the playback process.
func (s *Speaker) Close() error {
	_ = s.stdin.Close()
	return s.proc.Stop()
}

func playbackArgs(cfg SpeakerConfig) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.Format.SampleRate),
		"-ac", strconv.Itoa(cfg.Format.Channels),
		"-i", "-",
		"-f", cfg.OutputFormat,
		cfg.Device,
	}
}
