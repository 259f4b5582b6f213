package call

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by [Controller.Start] while a call is dialing or
	// connected.
	ErrBusy = errors.New("call: a call is already in progress")

	// ErrNoActiveCall is returned by mute operations when no call exists.
	ErrNoActiveCall = errors.New("call: no active call")

	// ErrCallEnded is returned while the previous call is in the ended state
	// and has not reset to idle yet.
	ErrCallEnded = errors.New("call: call has ended")

	// ErrClosed is returned after [Controller.Close].
	ErrClosed = errors.New("call: controller closed")

	// ErrRemoteClosed is the cause recorded when the remote side closes the
	// session cleanly.
	ErrRemoteClosed = errors.New("call: remote closed the session")

	// ErrCaptureStopped is the cause recorded when the microphone stream ends
	// without reporting an error.
	ErrCaptureStopped = errors.New("call: microphone stream stopped")
)

// Stage names the setup step that failed.
type Stage string

const (
	StageInstructions Stage = "instructions"
	StagePlayback     Stage = "playback"
	StageNegotiate    Stage = "negotiate"
	StageMicrophone   Stage = "microphone"
)

// SetupError reports a failure while bringing a call up. Any SetupError ends
// the call.
type SetupError struct {
	Stage Stage
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("call: setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TransportError reports that the remote session ended a connected call.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports an inbound audio packet that could not be decoded. It is
// never fatal; the packet is dropped.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("call: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ResourceError reports a failure releasing one session resource during
// teardown. It is logged and otherwise ignored.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("call: release %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
