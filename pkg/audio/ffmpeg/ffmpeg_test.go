package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/capture"
)

func TestMicrophoneOpenDeliversFrames(t *testing.T) {
	t.Parallel()

	// 8 bytes = one 4-sample frame of silence, then hold the pipe open.
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf '\\0\\0\\0\\0\\0\\0\\0\\0'\nexec sleep 5\n")
	mic := NewMicrophone(WithCommand(script))

	stream, err := mic.Open(context.Background(), capture.Config{FrameSize: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case f, ok := <-stream.Frames():
		if !ok {
			t.Fatalf("Frames closed: %v", stream.Err())
		}
		if len(f.Samples) != 4 {
			t.Errorf("frame has %d samples, want 4", len(f.Samples))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	if err := stream.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMicrophoneOpenPermissionDenied(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "denied.sh", "#!/usr/bin/env bash\necho 'default: Permission denied' 1>&2\nexit 1\n")
	_, err := NewMicrophone(WithCommand(script)).Open(context.Background(), capture.Config{})
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestMicrophoneOpenEarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'no such device' 1>&2\nexit 1\n")
	_, err := NewMicrophone(WithCommand(script)).Open(context.Background(), capture.Config{})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if !strings.Contains(err.Error(), "no such device") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}

func TestMicrophoneOpenMissingBinary(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "no-ffmpeg-here")
	_, err := NewMicrophone(WithCommand(missing)).Open(context.Background(), capture.Config{})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSpeakerWritesToProcess(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "played.raw")
	script := writeScript(t, "play.sh", "#!/usr/bin/env bash\nexec cat > '"+out+"'\n")

	spk, err := OpenSpeaker(context.Background(), script, SpeakerConfig{Format: audio.Mono(24000)})
	if err != nil {
		t.Fatalf("OpenSpeaker: %v", err)
	}
	if _, err := spk.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := spk.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "\x01\x02\x03\x04" {
		t.Errorf("played bytes = %q", got)
	}
}

func TestOpenSpeakerInvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := OpenSpeaker(context.Background(), "", SpeakerConfig{}); err == nil {
		t.Fatal("expected error for zero format")
	}
}

func TestCaptureArgs(t *testing.T) {
	t.Parallel()

	args := captureArgs(capture.Config{InputFormat: "alsa", Device: "hw:1", SampleRate: 16000, Channels: 1})
	want := []string{"-nostdin", "-hide_banner", "-loglevel", "warning", "-f", "alsa", "-i", "hw:1", "-ac", "1", "-ar", "16000", "-f", "s16le", "-"}
	if !slices.Equal(args, want) {
		t.Errorf("captureArgs = %v, want %v", args, want)
	}
}

func TestPlaybackArgs(t *testing.T) {
	t.Parallel()

	args := playbackArgs(SpeakerConfig{Format: audio.Mono(24000), OutputFormat: "pulse", Device: "default"})
	want := []string{"-hide_banner", "-loglevel", "warning", "-f", "s16le", "-ar", "24000", "-ac", "1", "-i", "-", "-f", "pulse", "default"}
	if !slices.Equal(args, want) {
		t.Errorf("playbackArgs = %v, want %v", args, want)
	}
}

func TestClassifyEarlyExit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"permission", "Permission denied", capture.ErrPermissionDenied},
		{"macos tcc", "not authorized to capture audio", capture.ErrPermissionDenied},
		{"other", "device busy", capture.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := classifyEarlyExit(errors.New("exit status 1"), tt.stderr); !errors.Is(err, tt.want) {
				t.Errorf("classifyEarlyExit(%q) = %v, want %v", tt.stderr, err, tt.want)
			}
		})
	}
}

func TestNormalizeStopErrExitErrorIsIgnored(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
