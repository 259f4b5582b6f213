package call

import (
	"fmt"
	"time"

	"github.com/MrWong99/wecall/internal/catalog"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// Status is the lifecycle state of the current call.
type Status int

const (
	StatusIdle Status = iota
	StatusDialing
	StatusConnected
	StatusEnded
)

// String returns the lower-case state name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDialing:
		return "dialing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusIdle; st <= StatusEnded; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("call: unknown status %q", b)
}

// Snapshot is a point-in-time view of the controller. Version grows with
// every status update, so of two snapshots the larger Version is newer.
type Snapshot struct {
	Version     uint64         `json:"version"`
	SessionID   string         `json:"session_id,omitempty"`
	Status      Status         `json:"status"`
	Muted       bool           `json:"muted"`
	Caller      catalog.Caller `json:"caller"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	ConnectedAt time.Time      `json:"connected_at,omitzero"`
}

// UpdateKind distinguishes [Update] payloads.
type UpdateKind string

const (
	UpdateStatus     UpdateKind = "status"
	UpdateTranscript UpdateKind = "transcript"
)

// Update is delivered to subscribers on every state change and transcript
// line.
type Update struct {
	Kind       UpdateKind      `json:"kind"`
	Snapshot   Snapshot        `json:"snapshot"`
	Transcript *s2s.Transcript `json:"transcript,omitempty"`
}
