// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to push events at the consumer and inspect what was sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wecall/pkg/audio/pcm"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs at the start of Connect without holding the
	// mock's lock. Tests use it to hold negotiation open; a non-nil return
	// is used as the Connect error.
	ConnectHook func(ctx context.Context) error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	hook := p.ConnectHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Sessions returns the default sessions created by Connect.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Events pushed with
// Emit are delivered on an unbuffered channel, so Emit returns once the
// consumer has received the event.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	sent       []pcm.Packet
	closeCalls int
	ended      bool

	events chan s2s.Event
	done   chan struct{}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns an open session.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event),
		done:   make(chan struct{}),
	}
}

// Send records p and returns SendErr. Packets sent after Close are rejected
// with s2s.ErrSessionClosed.
func (s *Session) Send(p pcm.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, p)
	return nil
}

// Sent returns a copy of every packet accepted by Send, in order.
func (s *Session) Sent() []pcm.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pcm.Packet, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Emit delivers ev to the consumer. It returns false if the session was
// closed first. A terminal event closes the events channel after delivery.
// Emit must not be called concurrently with itself.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.events <- ev:
	case <-s.done:
		return false
	}
	if ev.Kind.Terminal() {
		s.mu.Lock()
		s.ended = true
		close(s.events)
		s.mu.Unlock()
	}
	return true
}

// Close records the call and returns CloseErr. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls == 0 {
		close(s.done)
	}
	s.closeCalls++
	return s.CloseErr
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.CloseCalls() > 0 }
