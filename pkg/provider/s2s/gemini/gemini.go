// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as base64 PCM media chunks; model speech,
// transcriptions, interruptions and turn boundaries come back as [s2s.Event]s.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/wecall/pkg/audio/pcm"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// outputMIMEType tags inbound model speech.
	outputMIMEType = "audio/pcm;rate=24000"

	eventBuffer = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Model audio chunks are well
	// below this; the library default of 32 KiB is not.
	readLimit = 4 << 20
)

// ErrSetupRejected is returned by Connect when the server answers the setup
// message with an error or closes the socket before confirming it.
var ErrSetupRejected = errors.New("gemini: setup rejected")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini Live Provider with the given API key and options.
// An empty key is accepted here and reported by Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Model:            p.model,
		InputSampleRate:  pcm.InputSampleRate,
		OutputSampleRate: pcm.OutputSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server to confirm it. The returned handle is ready for Send.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, s2s.ErrMissingCredential
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, buildSetup(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, err
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// buildSetup renders cfg as the BidiGenerateContent setup message.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	modality := cfg.Modality
	if modality == "" {
		modality = s2s.ModalityAudio
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modality},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) err() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Errorf("gemini: server error %d: %s", e.Code, msg)
	}
	return fmt.Errorf("gemini: server error: %s", msg)
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON writes v as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, s.conn, v)
}

// awaitSetupComplete reads until the server acknowledges the setup message.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("gemini: await setup: %w", ctx.Err())
			}
			return fmt.Errorf("%w: %w", ErrSetupRejected, err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message during setup", "err", err)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %w", ErrSetupRejected, msg.Error.err())
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A local Close ends the stream without a terminal event.
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.emit(s2s.Event{Kind: s2s.EventClosed})
			default:
				s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events carried by msg. It returns false once
// the session must stop reading.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.emit(s2s.Event{Kind: s2s.EventError, Err: msg.Error.err()})
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server will close the session soon", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = outputMIMEType
			}
			if !s.emit(s2s.Event{
				Kind:   s2s.EventAudio,
				Packet: pcm.Packet{Data: p.InlineData.Data, MIMEType: mime},
			}) {
				return false
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{
			Kind:       s2s.EventTranscript,
			Transcript: s2s.Transcript{Role: s2s.RoleUser, Text: sc.InputTranscription.Text},
		}) {
			return false
		}
	}

	// Text version of the model's audio output.
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{
			Kind:       s2s.EventTranscript,
			Transcript: s2s.Transcript{Role: s2s.RoleModel, Text: sc.OutputTranscription.Text},
		}) {
			return false
		}
	}

	if sc.Interrupted && !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
		return false
	}
	if sc.TurnComplete && !s.emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
		return false
	}
	return true
}

// emit delivers ev unless the session is closed locally first.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send delivers one packet of 16 kHz PCM to the model as a realtime media chunk.
func (s *session) Send(p pcm.Packet) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: p.MIMEType, Data: p.Data}},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
