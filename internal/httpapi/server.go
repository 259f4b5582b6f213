// Package httpapi serves the call control API: start and end a call, toggle
// mute, read the current state and stream state changes and transcripts
// over a websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/MrWong99/wecall/internal/call"
	"github.com/MrWong99/wecall/internal/catalog"
	"github.com/MrWong99/wecall/internal/health"
	"github.com/MrWong99/wecall/internal/observe"
)

// Controller is the subset of [call.Controller] the API drives.
type Controller interface {
	Start(ctx context.Context, caller catalog.Caller) error
	End() error
	SetMuted(muted bool) error
	Snapshot() call.Snapshot
	Subscribe(fn func(call.Update)) (unsubscribe func())
}

// Knowledge loads the snapshot the agent is briefed with.
type Knowledge interface {
	Load(ctx context.Context) (catalog.Snapshot, error)
}

// Config holds the dependencies of a [Server].
type Config struct {
	// Calls is the call controller. Required.
	Calls Controller

	// Knowledge backs GET /v1/knowledge. Nil disables the route.
	Knowledge Knowledge

	// Health serves /healthz and /readyz. Nil uses a handler without checks.
	Health *health.Handler

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	// Observe receives HTTP and stream metrics. Nil uses
	// [observe.DefaultMetrics].
	Observe *observe.Metrics

	// AllowedOrigins lists the browser origins (scheme and host) of the call
	// overlay. They get CORS access to the API and may open the events
	// websocket. Empty allows same-origin only.
	AllowedOrigins []string

	// OriginPatterns lists the hosts allowed to open the events websocket
	// cross-origin. Defaults to the hosts of AllowedOrigins.
	OriginPatterns []string

	// EventBuffer is the per-subscriber queue length. Default 64.
	EventBuffer int
}

// Server is the HTTP control surface.
type Server struct {
	cfg Config

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a server for cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Calls == nil {
		return nil, errors.New("httpapi: calls controller is required")
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Observe == nil {
		cfg.Observe = observe.DefaultMetrics()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = originHosts(cfg.AllowedOrigins)
	}
	return &Server{cfg: cfg, done: make(chan struct{})}, nil
}

// Close ends every open event stream. Suitable for
// [http.Server.RegisterOnShutdown], since hijacked connections are not
// tracked by the HTTP server.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.cfg.Observe))
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         600,
		}).Handler)
	}

	s.cfg.Health.Register(r)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/call", func(r chi.Router) {
			r.Get("/", s.handleGetCall)
			r.Post("/", s.handleStartCall)
			r.Delete("/", s.handleEndCall)
			r.Post("/mute", s.handleMute(true))
			r.Delete("/mute", s.handleMute(false))
			r.Get("/events", s.handleEvents)
		})
		if s.cfg.Knowledge != nil {
			r.Get("/knowledge", s.handleKnowledge)
		}
	})
	return r
}

// originHosts maps origins such as "https://shop.example.com" to the host
// patterns the websocket origin check expects. Wildcard origins pass through.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		} else if o != "" {
			hosts = append(hosts, o)
		}
	}
	return hosts
}

type startRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Calls.Snapshot())
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	role, err := catalog.ParseRole(req.Role)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_role", err.Error())
		return
	}
	caller := catalog.Caller{Name: strings.TrimSpace(req.Name), Role: role}

	if err := s.cfg.Calls.Start(r.Context(), caller); err != nil {
		s.respondCallError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.cfg.Calls.Snapshot())
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Calls.End(); err != nil {
		s.respondCallError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.cfg.Calls.Snapshot())
}

func (s *Server) handleMute(muted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Calls.SetMuted(muted); err != nil {
			s.respondCallError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, s.cfg.Calls.Snapshot())
	}
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Knowledge.Load(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("load knowledge", "err", err)
		respondError(w, http.StatusServiceUnavailable, "knowledge_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// respondCallError maps controller sentinels to status codes.
func (s *Server) respondCallError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, call.ErrCallEnded):
		respondError(w, http.StatusConflict, "call_ended", err.Error())
	case errors.Is(err, call.ErrNoActiveCall):
		respondError(w, http.StatusConflict, "no_active_call", err.Error())
	case errors.Is(err, call.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		observe.Logger(r.Context()).Error("call control failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
