// Package ffmpeg implements microphone capture and speaker output by driving
// an ffmpeg child process over raw s16le pipes.
//
// ffmpeg supports every desktop capture backend (pulse, alsa, avfoundation,
// dshow) behind the same command line, so the pipeline stays portable without
// cgo bindings to a native audio API.
package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/wecall/pkg/audio/capture"
)

const (
	// DefaultCommand is the executable looked up on PATH.
	DefaultCommand = "ffmpeg"

	// startupGrace is how long a freshly started process must survive before
	// it counts as running.
	startupGrace = 250 * time.Millisecond

	// stopGrace is how long Stop waits after an interrupt before killing.
	stopGrace = 1200 * time.Millisecond
)

// process is a running ffmpeg child with one raw PCM pipe.
type process struct {
	cmd     *exec.Cmd
	pipe    io.Closer
	stderr  *bytes.Buffer
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// start launches cmd and waits out the startup grace period so that device
// errors surface from Open rather than as an immediately closed stream.
func start(cmd *exec.Cmd, pipe io.Closer) (*process, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		_ = pipe.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found: %v", capture.ErrDeviceUnavailable, cmd.Path, err)
		}
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyEarlyExit(err, trimmed(&stderr))
	case <-time.After(startupGrace):
	}

	return &process{cmd: cmd, pipe: pipe, stderr: &stderr, waitErr: waitErr}, nil
}

// Stop interrupts the process, escalating to a kill if it does not exit in
// time. It is safe to call more than once.
func (p *process) Stop() error {
	p.stopOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeStopErr(err)
			}
		}

		if err := p.pipe.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.stopErr == nil {
			p.stopErr = err
		}
		if p.stopErr != nil {
			if msg := trimmed(p.stderr); msg != "" {
				p.stopErr = fmt.Errorf("ffmpeg: stop: %w: %s", p.stopErr, msg)
			}
		}
	})
	return p.stopErr
}

// classifyEarlyExit maps a process that died during startup onto the capture
// error taxonomy.
func classifyEarlyExit(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%w: %s", capture.ErrPermissionDenied, stderr)
	case err != nil:
		return fmt.Errorf("%w: ffmpeg exited before audio started: %v: %s", capture.ErrDeviceUnavailable, err, stderr)
	default:
		return fmt.Errorf("%w: ffmpeg exited before audio started", capture.ErrDeviceUnavailable)
	}
}

// normalizeStopErr treats the non-zero exit status caused by our own
// interrupt as a clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimmed(b *bytes.Buffer) string {
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b.String())
}
