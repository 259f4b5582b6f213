// Package s2s defines the Provider interface for speech-to-speech backends.
//
// A speech-to-speech provider wraps a real-time voice model that accepts raw
// microphone audio and answers with synthesised speech in one stateful
// session. The central abstraction is [SessionHandle]: outbound audio goes in
// through Send, and everything the model produces comes back as tagged
// [Event]s on a single channel, so a consumer can handle the whole session in
// one select loop.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/wecall/pkg/audio/pcm"
)

// ErrMissingCredential is returned by [Provider.Connect] when no API key is
// configured. It is reported before any network activity.
var ErrMissingCredential = errors.New("s2s: missing API credential")

// ErrSessionClosed is returned by [SessionHandle.Send] after the session ended.
var ErrSessionClosed = errors.New("s2s: session closed")

// ModalityAudio requests spoken responses.
const ModalityAudio = "AUDIO"

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventAudio carries one packet of model speech in Event.Packet.
	EventAudio EventKind = iota + 1

	// EventInterrupted reports that the caller barged in and any queued model
	// speech is stale.
	EventInterrupted

	// EventTranscript carries a line of caller or model transcript.
	EventTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventClosed reports that the remote side ended the session normally.
	// It is terminal.
	EventClosed

	// EventError reports a transport or protocol failure in Event.Err. It is
	// terminal.
	EventError
)

// String returns a lowercase name for k.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow k.
func (k EventKind) Terminal() bool {
	return k == EventClosed || k == EventError
}

// Speaker roles for [Transcript].
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Transcript is one recognised or generated line of text.
type Transcript struct {
	// Role is [RoleUser] for caller speech and [RoleModel] for model speech.
	Role string `json:"role"`

	// Text is the transcribed fragment.
	Text string `json:"text"`
}

// Event is one notification from an open session. Only the field matching
// Kind is populated.
type Event struct {
	Kind       EventKind
	Packet     pcm.Packet
	Transcript Transcript
	Err        error
}

// SessionConfig is the fixed configuration of a session. It cannot change
// once the session is open.
type SessionConfig struct {
	// Modality of model responses. Default: [ModalityAudio].
	Modality string

	// Voice is the provider's prebuilt voice name, e.g. "Zephyr".
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// Transcribe enables input and output transcription events.
	Transcribe bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Model is the model identifier sessions connect to.
	Model string

	// InputSampleRate is the sample rate the model expects for Send.
	InputSampleRate int

	// OutputSampleRate is the sample rate of EventAudio packets.
	OutputSampleRate int

	// Voices lists known prebuilt voice names.
	Voices []string
}

// SessionHandle is an open session.
type SessionHandle interface {
	// Send forwards one packet of microphone audio. Packets are delivered in
	// call order. There is no acknowledgment and no retry; an error means the
	// packet was not written.
	Send(p pcm.Packet) error

	// Events returns the channel of session events. Exactly one terminal
	// event (EventClosed or EventError) is delivered unless the session is
	// closed locally first; the channel is closed afterwards.
	Events() <-chan Event

	// Close terminates the session and releases its transport. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider opens sessions against a speech-to-speech backend.
type Provider interface {
	// Connect negotiates a new session. It returns once the backend has
	// accepted the configuration. The caller owns the returned handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
