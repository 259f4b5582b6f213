package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/wecall/internal/call"
	"github.com/MrWong99/wecall/internal/catalog"
	"github.com/MrWong99/wecall/internal/health"
	"github.com/MrWong99/wecall/internal/observe"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// fakeController records control calls and lets tests push updates.
type fakeController struct {
	mu       sync.Mutex
	snap     call.Snapshot
	startErr error
	muteErr  error
	callers  []catalog.Caller
	ended    int
	subs     map[int]func(call.Update)
	nextSub  int

	// racing is delivered to each new subscriber before Subscribe returns,
	// as if published just ahead of the handler's snapshot read.
	racing []call.Update
}

func newFakeController() *fakeController {
	return &fakeController{subs: make(map[int]func(call.Update))}
}

func (f *fakeController) Start(_ context.Context, caller catalog.Caller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.callers = append(f.callers, caller)
	f.snap = call.Snapshot{SessionID: "s-1", Status: call.StatusDialing, Caller: caller}
	return nil
}

func (f *fakeController) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	f.snap.Status = call.StatusEnded
	return nil
}

func (f *fakeController) SetMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.muteErr != nil {
		return f.muteErr
	}
	f.snap.Muted = muted
	return nil
}

func (f *fakeController) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Subscribe(fn func(call.Update)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	for _, u := range f.racing {
		fn(u)
	}
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeController) started() []catalog.Caller {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.Caller(nil), f.callers...)
}

func (f *fakeController) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeController) setMuteErr(err error) {
	f.mu.Lock()
	f.muteErr = err
	f.mu.Unlock()
}

func (f *fakeController) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeController) emit(u call.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.subs {
		fn(u)
	}
}

type fakeKnowledge struct {
	snap catalog.Snapshot
	err  error
}

func (k fakeKnowledge) Load(context.Context) (catalog.Snapshot, error) { return k.snap, k.err }

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg.Observe = met
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestNew_RequiresController(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a controller")
	}
}

func TestStartCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		startErr   error
		wantCode   int
		wantCaller *catalog.Caller
		wantErr    string
	}{
		{
			name:       "named buyer",
			body:       `{"name":" Juan ","role":"Buyer"}`,
			wantCode:   http.StatusAccepted,
			wantCaller: &catalog.Caller{Name: "Juan", Role: catalog.RoleBuyer},
		},
		{
			name:       "empty body",
			wantCode:   http.StatusAccepted,
			wantCaller: &catalog.Caller{},
		},
		{
			name:     "invalid role",
			body:     `{"role":"pirate"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_role",
		},
		{
			name:     "malformed json",
			body:     `{"name":`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "unknown field",
			body:     `{"nickname":"x"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "busy",
			body:     `{}`,
			startErr: call.ErrBusy,
			wantCode: http.StatusConflict,
			wantErr:  "busy",
		},
		{
			name:     "still ended",
			body:     `{}`,
			startErr: call.ErrCallEnded,
			wantCode: http.StatusConflict,
			wantErr:  "call_ended",
		},
		{
			name:     "shutting down",
			startErr: call.ErrClosed,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "shutting_down",
		},
		{
			name:     "unexpected",
			startErr: errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantErr:  "internal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := newFakeController()
			ctrl.startErr = tt.startErr
			_, ts := newTestServer(t, Config{Calls: ctrl})

			resp, body := do(t, http.MethodPost, ts.URL+"/v1/call", tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantCode, body)
			}
			if tt.wantErr != "" {
				var e errorResponse
				if err := json.Unmarshal(body, &e); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if e.Code != tt.wantErr {
					t.Errorf("code = %q, want %q", e.Code, tt.wantErr)
				}
				return
			}
			var snap call.Snapshot
			if err := json.Unmarshal(body, &snap); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			if snap.Status != call.StatusDialing {
				t.Errorf("status = %v, want dialing", snap.Status)
			}
			if got := ctrl.started(); len(got) != 1 || got[0] != *tt.wantCaller {
				t.Errorf("callers = %+v, want %+v", got, *tt.wantCaller)
			}
		})
	}
}

func TestEndAndGetCall(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	_, ts := newTestServer(t, Config{Calls: ctrl})

	do(t, http.MethodPost, ts.URL+"/v1/call", `{"name":"Ana"}`)
	resp, _ := do(t, http.MethodDelete, ts.URL+"/v1/call", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, want 202", resp.StatusCode)
	}
	if n := ctrl.endCount(); n != 1 {
		t.Errorf("End called %d times, want 1", n)
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/call", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	var snap call.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != call.StatusEnded || snap.Caller.Name != "Ana" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMute(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	_, ts := newTestServer(t, Config{Calls: ctrl})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/call/mute", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST mute status = %d", resp.StatusCode)
	}
	var snap call.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil || !snap.Muted {
		t.Fatalf("after mute: %+v, %v", snap, err)
	}

	resp, body = do(t, http.MethodDelete, ts.URL+"/v1/call/mute", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE mute status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &snap); err != nil || snap.Muted {
		t.Fatalf("after unmute: %+v, %v", snap, err)
	}

	ctrl.setMuteErr(call.ErrNoActiveCall)
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/call/mute", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("mute without call: status = %d, want 409", resp.StatusCode)
	}
}

func TestKnowledge(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		_, ts := newTestServer(t, Config{Calls: newFakeController()})
		resp, _ := do(t, http.MethodGet, ts.URL+"/v1/knowledge", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("served", func(t *testing.T) {
		t.Parallel()
		snap := catalog.Builtin(time.Now())
		_, ts := newTestServer(t, Config{Calls: newFakeController(), Knowledge: fakeKnowledge{snap: snap}})
		resp, body := do(t, http.MethodGet, ts.URL+"/v1/knowledge", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var got catalog.Snapshot
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got.Products) != len(snap.Products) {
			t.Errorf("products = %d, want %d", len(got.Products), len(snap.Products))
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		t.Parallel()
		_, ts := newTestServer(t, Config{Calls: newFakeController(), Knowledge: fakeKnowledge{err: errors.New("db down")}})
		resp, _ := do(t, http.MethodGet, ts.URL+"/v1/knowledge", "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	failing := health.New(health.Checker{Name: "knowledge", Check: func(context.Context) error {
		return errors.New("down")
	}})
	_, ts := newTestServer(t, Config{Calls: newFakeController(), Health: failing, Metrics: metrics})

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
	} {
		resp, _ := do(t, http.MethodGet, ts.URL+path, "")
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{Calls: newFakeController(), AllowedOrigins: []string{"http://overlay.test"}})

	tests := []struct {
		name      string
		origin    string
		wantAllow string
	}{
		{name: "allowed origin", origin: "http://overlay.test", wantAllow: "http://overlay.test"},
		{name: "other origin", origin: "http://evil.test", wantAllow: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/call", nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("preflight: %v", err)
			}
			resp.Body.Close()
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestEvents_AllowedOrigin(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, Config{Calls: newFakeController(), AllowedOrigins: []string{"http://overlay.test"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/call/events"

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://overlay.test"}},
	})
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.CloseNow()

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.test"}},
	})
	if err == nil {
		t.Fatal("dial from foreign origin succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestOriginHosts(t *testing.T) {
	t.Parallel()
	got := originHosts([]string{"https://shop.example.com", "http://localhost:5173", "*.example.com", ""})
	want := []string{"shop.example.com", "localhost:5173", "*.example.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("originHosts = %v, want %v", got, want)
	}
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/call/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) call.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var u call.Update
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvents_StreamsSnapshotsAndTranscripts(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	_, ts := newTestServer(t, Config{Calls: ctrl})

	conn := dialEvents(t, ts)
	first := readUpdate(t, conn)
	if first.Kind != call.UpdateStatus || first.Snapshot.Status != call.StatusIdle {
		t.Fatalf("first update = %+v, want idle status", first)
	}
	waitFor(t, func() bool { return ctrl.subscribers() == 1 })

	ctrl.emit(call.Update{Kind: call.UpdateStatus, Snapshot: call.Snapshot{SessionID: "s-1", Status: call.StatusConnected}})
	ctrl.emit(call.Update{
		Kind:       call.UpdateTranscript,
		Snapshot:   call.Snapshot{SessionID: "s-1", Status: call.StatusConnected},
		Transcript: &s2s.Transcript{Role: s2s.RoleModel, Text: "Hello po!"},
	})

	u := readUpdate(t, conn)
	if u.Snapshot.Status != call.StatusConnected {
		t.Errorf("second update status = %v, want connected", u.Snapshot.Status)
	}
	u = readUpdate(t, conn)
	if u.Kind != call.UpdateTranscript || u.Transcript == nil || u.Transcript.Text != "Hello po!" {
		t.Errorf("transcript update = %+v", u)
	}
}

func TestEvents_FirstSnapshotIsNeverFollowedByAnOlderOne(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	dialing := call.Snapshot{Version: 1, SessionID: "s-1", Status: call.StatusDialing}
	ctrl.snap = call.Snapshot{Version: 2, SessionID: "s-1", Status: call.StatusConnected}
	ctrl.racing = []call.Update{
		{Kind: call.UpdateStatus, Snapshot: dialing},
		{Kind: call.UpdateTranscript, Snapshot: dialing, Transcript: &s2s.Transcript{Role: s2s.RoleUser, Text: "Hello?"}},
	}
	_, ts := newTestServer(t, Config{Calls: ctrl})

	conn := dialEvents(t, ts)
	if first := readUpdate(t, conn); first.Snapshot.Version != 2 || first.Snapshot.Status != call.StatusConnected {
		t.Fatalf("first update = %+v, want connected at version 2", first.Snapshot)
	}

	u := readUpdate(t, conn)
	if u.Kind != call.UpdateTranscript || u.Transcript == nil || u.Transcript.Text != "Hello?" {
		t.Fatalf("second update = %+v, want the queued transcript", u)
	}
	if u.Snapshot.Status != call.StatusConnected || u.Snapshot.Version != 2 {
		t.Errorf("transcript snapshot = %+v, want the first snapshot", u.Snapshot)
	}

	ctrl.emit(call.Update{Kind: call.UpdateStatus, Snapshot: call.Snapshot{Version: 3, SessionID: "s-1", Status: call.StatusEnded}})
	if u := readUpdate(t, conn); u.Snapshot.Status != call.StatusEnded {
		t.Errorf("third update status = %v, want ended", u.Snapshot.Status)
	}
}

func TestEvents_ClientCloseUnsubscribes(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	_, ts := newTestServer(t, Config{Calls: ctrl})

	conn := dialEvents(t, ts)
	readUpdate(t, conn)
	waitFor(t, func() bool { return ctrl.subscribers() == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return ctrl.subscribers() == 0 })
}

func TestEvents_ServerCloseEndsStream(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	srv, ts := newTestServer(t, Config{Calls: ctrl})

	conn := dialEvents(t, ts)
	readUpdate(t, conn)
	waitFor(t, func() bool { return ctrl.subscribers() == 1 })

	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", got, err)
	}
	waitFor(t, func() bool { return ctrl.subscribers() == 0 })
}

func TestEvents_SlowSubscriberDropsUpdates(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	_, ts := newTestServer(t, Config{Calls: ctrl, EventBuffer: 1})

	conn := dialEvents(t, ts)
	readUpdate(t, conn)
	waitFor(t, func() bool { return ctrl.subscribers() == 1 })

	// Emitting must never block on a subscriber that does not read.
	done := make(chan struct{})
	go func() {
		for range 500 {
			ctrl.emit(call.Update{Kind: call.UpdateStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
}
