// Package call implements the session controller: the single owner of the
// voice call lifecycle.
//
// A [Controller] runs at most one call at a time through the states
// idle → dialing → connected → ended → idle. Dialing runs in the background
// (ring delay, instructions, playback output, remote negotiation, microphone)
// and commits to connected only if the same call is still dialing when every
// resource is in hand. A connected call is driven by one dispatcher goroutine
// that forwards microphone frames and applies remote events, so no two
// handlers ever run concurrently.
//
// Every timer is keyed to a session id; a timer that fires after its session
// has been replaced does nothing.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/wecall/internal/catalog"
	"github.com/MrWong99/wecall/internal/observe"
	"github.com/MrWong99/wecall/internal/resilience"
	"github.com/MrWong99/wecall/pkg/audio/capture"
	"github.com/MrWong99/wecall/pkg/audio/pcm"
	"github.com/MrWong99/wecall/pkg/audio/playback"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// Default delays.
const (
	DefaultRingDelay         = 4 * time.Second
	DefaultFailureResetDelay = 2 * time.Second
	DefaultEndResetDelay     = 1500 * time.Millisecond
)

// Reasons attached to the calls-ended metric.
const (
	reasonHangup       = "hangup"
	reasonSetupFailed  = "setup_failed"
	reasonRemoteClosed = "remote_closed"
	reasonRemoteError  = "remote_error"
	reasonCapture      = "capture_failed"
	reasonShutdown     = "shutdown"
)

// Config holds the dependencies and tuning of a [Controller].
type Config struct {
	// Provider negotiates remote sessions. Required.
	Provider s2s.Provider

	// Microphone opens the capture stream. Required.
	Microphone capture.Device

	// OpenOutput opens the playback output for one call. Required.
	OpenOutput func(ctx context.Context) (playback.Output, error)

	// Session builds the remote session configuration for a caller, including
	// the system instructions. Required.
	Session func(ctx context.Context, caller catalog.Caller) (s2s.SessionConfig, error)

	// Capture configures the microphone stream.
	Capture capture.Config

	// Encoder and Decoder convert between frames, packets and buffers.
	// Zero values use [pcm.NewEncoder] and [pcm.NewDecoder].
	Encoder pcm.Encoder
	Decoder pcm.Decoder

	// RingDelay is the simulated ring before negotiation. Zero uses
	// [DefaultRingDelay]; negative disables it.
	RingDelay time.Duration

	// FailureResetDelay is how long a failed call stays ended. Zero uses
	// [DefaultFailureResetDelay].
	FailureResetDelay time.Duration

	// EndResetDelay is how long a hung-up call stays ended. Zero uses
	// [DefaultEndResetDelay].
	EndResetDelay time.Duration

	// Breaker guards negotiation. Nil disables it.
	Breaker *resilience.CircuitBreaker

	// Metrics receives call metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c Config) validate() error {
	var errs []error
	if c.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.Microphone == nil {
		errs = append(errs, errors.New("microphone is required"))
	}
	if c.OpenOutput == nil {
		errs = append(errs, errors.New("output opener is required"))
	}
	if c.Session == nil {
		errs = append(errs, errors.New("session builder is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("call: invalid config: %w", err)
	}
	return nil
}

func positiveOr(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// session is the state of one call attempt. Fields other than res are
// immutable after Start; res is written once under Controller.mu at commit.
type session struct {
	id          string
	caller      catalog.Caller
	startedAt   time.Time
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	res *resources
}

// resources are the handles acquired during setup. Until commit they belong
// to the dial goroutine; afterwards to whoever ends the call.
type resources struct {
	out    playback.Output
	sched  *playback.Scheduler
	handle s2s.SessionHandle
	stream capture.Stream
}

// release closes everything in reverse acquisition order and returns one
// [ResourceError] per failure.
func (r *resources) release() []error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			errs = append(errs, &ResourceError{Resource: "microphone", Err: err})
		}
	}
	if r.handle != nil {
		if err := r.handle.Close(); err != nil {
			errs = append(errs, &ResourceError{Resource: "remote_session", Err: err})
		}
	}
	if r.sched != nil {
		if err := r.sched.Close(); err != nil && !errors.Is(err, playback.ErrClosed) {
			errs = append(errs, &ResourceError{Resource: "scheduler", Err: err})
		}
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil {
			errs = append(errs, &ResourceError{Resource: "output", Err: err})
		}
	}
	return errs
}

// Controller owns the call lifecycle. All methods are safe for concurrent
// use.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	encoder pcm.Encoder
	decoder pcm.Decoder

	ringDelay         time.Duration
	failureResetDelay time.Duration
	endResetDelay     time.Duration

	muted atomic.Bool

	mu      sync.Mutex
	status  Status
	sess    *session
	timer   *time.Timer
	subs    map[int]func(Update)
	nextSub int
	version uint64
	closed  bool

	wg sync.WaitGroup
}

// New creates an idle [Controller].
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:               cfg,
		metrics:           cfg.Metrics,
		encoder:           cfg.Encoder,
		decoder:           cfg.Decoder,
		ringDelay:         positiveOr(cfg.RingDelay, DefaultRingDelay),
		failureResetDelay: positiveOr(cfg.FailureResetDelay, DefaultFailureResetDelay),
		endResetDelay:     positiveOr(cfg.EndResetDelay, DefaultEndResetDelay),
		subs:              make(map[int]func(Update)),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.encoder.SampleRate == 0 {
		c.encoder = pcm.NewEncoder()
	}
	if c.decoder.Format.SampleRate == 0 {
		c.decoder = pcm.NewDecoder()
	}
	return c, nil
}

// Start begins a call for caller. It returns as soon as the controller is
// dialing; setup continues in the background and its outcome is visible
// through [Controller.Snapshot] and subscribers.
//
// ctx only scopes the request: cancelling it does not end the call.
func (c *Controller) Start(ctx context.Context, caller catalog.Caller) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.status {
	case StatusDialing, StatusConnected:
		c.mu.Unlock()
		return ErrBusy
	case StatusEnded:
		c.mu.Unlock()
		return ErrCallEnded
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	s := &session{
		id:        id,
		caller:    caller,
		startedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
	}
	c.stopTimerLocked()
	c.sess = s
	c.status = StatusDialing
	c.muted.Store(false)
	c.publishLocked(Update{Kind: UpdateStatus})
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.CallsStarted.Add(sctx, 1)
	observe.Logger(sctx).Info("call dialing", "caller", caller.Name, "role", string(caller.Role))

	go c.dial(s)
	return nil
}

// End hangs up. From dialing or connected it moves to ended, cancels setup
// and releases every resource; the controller returns to idle after the end
// delay. From idle or ended it does nothing.
func (c *Controller) End() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.endSession(s, reasonHangup, nil)
	}
	return nil
}

// Mute stops forwarding microphone frames.
func (c *Controller) Mute() error { return c.SetMuted(true) }

// Unmute resumes forwarding microphone frames.
func (c *Controller) Unmute() error { return c.SetMuted(false) }

// SetMuted sets the mute flag of the current call. Muted frames are dropped,
// never buffered.
func (c *Controller) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusIdle:
		return ErrNoActiveCall
	case StatusEnded:
		return ErrCallEnded
	}
	if c.muted.Swap(muted) != muted {
		c.publishLocked(Update{Kind: UpdateStatus})
	}
	return nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{Version: c.version, Status: c.status, Muted: c.muted.Load()}
	if s := c.sess; s != nil {
		snap.SessionID = s.id
		snap.Caller = s.caller
		snap.StartedAt = s.startedAt
		snap.ConnectedAt = s.connectedAt
	}
	return snap
}

// Subscribe registers fn for every [Update]. fn runs with the controller's
// lock held and must not block or call back into the controller. The
// returned function unregisters it.
func (c *Controller) Subscribe(fn func(Update)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Close ends any call, cancels pending timers and waits for background work.
// The controller rejects new calls afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		c.endSession(s, reasonShutdown, nil)
	}
	c.wg.Wait()
	return nil
}

// publishLocked fans u out to subscribers. Must be called with c.mu held.
func (c *Controller) publishLocked(u Update) {
	if u.Kind == UpdateStatus {
		c.version++
	}
	u.Snapshot = c.snapshotLocked()
	for _, fn := range c.subs {
		fn(u)
	}
}

// dial performs setup for s and, on success, runs its dispatcher.
func (c *Controller) dial(s *session) {
	defer c.wg.Done()
	log := observe.Logger(s.ctx)

	ctx, span := observe.StartSpan(s.ctx, "call.setup")
	span.SetAttributes(attribute.String("session_id", s.id))

	res, err := c.setup(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.setupFailed(s, res, err)
		return
	}

	c.mu.Lock()
	if c.sess != s || c.status != StatusDialing || s.ctx.Err() != nil {
		c.mu.Unlock()
		span.SetStatus(codes.Error, "ended during setup")
		span.End()
		log.Info("call ended during setup, releasing resources")
		c.releaseAll(s, res)
		c.armReset(s.id, c.endResetDelay)
		return
	}
	s.res = res
	s.connectedAt = time.Now()
	c.status = StatusConnected
	c.publishLocked(Update{Kind: UpdateStatus})
	c.mu.Unlock()
	span.End()

	c.metrics.ActiveCalls.Add(s.ctx, 1)
	c.metrics.RecordSetup(s.ctx, "connected", s.connectedAt.Sub(s.startedAt).Seconds())
	log.Info("call connected", "setup", s.connectedAt.Sub(s.startedAt))

	c.dispatch(s, res)
}

// setup acquires every resource in order. On failure it returns whatever was
// acquired so far so the caller can release it.
func (c *Controller) setup(ctx context.Context, s *session) (*resources, error) {
	res := &resources{}

	if err := sleepCtx(ctx, c.ringDelay); err != nil {
		return res, err
	}

	scfg, err := c.cfg.Session(ctx, s.caller)
	if err != nil {
		return res, &SetupError{Stage: StageInstructions, Err: err}
	}

	out, err := c.cfg.OpenOutput(ctx)
	if err != nil {
		return res, &SetupError{Stage: StagePlayback, Err: err}
	}
	res.out = out
	res.sched = playback.NewScheduler(out)

	connect := func(ctx context.Context) error {
		h, err := c.cfg.Provider.Connect(ctx, scfg)
		if err != nil {
			return err
		}
		res.handle = h
		return nil
	}
	if c.cfg.Breaker != nil {
		err = c.cfg.Breaker.Execute(ctx, connect)
	} else {
		err = connect(ctx)
	}
	if err != nil {
		return res, &SetupError{Stage: StageNegotiate, Err: err}
	}

	stream, err := c.cfg.Microphone.Open(ctx, c.cfg.Capture)
	if err != nil {
		return res, &SetupError{Stage: StageMicrophone, Err: err}
	}
	res.stream = stream

	return res, nil
}

// setupFailed handles a setup error. If s was still dialing it moves to ended
// and arms the failure reset; if it had already been ended by End or Close,
// only the resources are released here.
func (c *Controller) setupFailed(s *session, res *resources, err error) {
	c.mu.Lock()
	failed := c.sess == s && c.status == StatusDialing
	if failed {
		c.status = StatusEnded
		c.publishLocked(Update{Kind: UpdateStatus})
	}
	c.mu.Unlock()

	s.cancel()
	c.releaseAll(s, res)

	if !failed {
		c.armReset(s.id, c.endResetDelay)
		return
	}

	log := observe.Logger(s.ctx)
	stage := "unknown"
	var se *SetupError
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}
	log.Error("call setup failed", "stage", stage, "err", err)
	c.metrics.RecordSetupFailure(s.ctx, stage)
	c.metrics.RecordSetup(s.ctx, "failed", time.Since(s.startedAt).Seconds())
	c.metrics.RecordCallEnded(s.ctx, reasonSetupFailed)
	c.armReset(s.id, c.failureResetDelay)
}

// endSession moves s to ended if it is the current call and still dialing
// or connected. A connected call is torn down here; a dialing call is torn
// down by its dial goroutine once setup unwinds.
func (c *Controller) endSession(s *session, reason string, cause error) {
	c.mu.Lock()
	if c.sess != s || (c.status != StatusDialing && c.status != StatusConnected) {
		c.mu.Unlock()
		return
	}
	wasConnected := c.status == StatusConnected
	res := s.res
	c.status = StatusEnded
	c.publishLocked(Update{Kind: UpdateStatus})
	c.mu.Unlock()

	s.cancel()

	log := observe.Logger(s.ctx)
	if cause != nil {
		log.Warn("call ended", "reason", reason, "err", cause)
	} else {
		log.Info("call ended", "reason", reason)
	}
	c.metrics.RecordCallEnded(s.ctx, reason)

	if !wasConnected {
		return
	}
	c.metrics.ActiveCalls.Add(s.ctx, -1)
	c.metrics.CallDuration.Record(s.ctx, time.Since(s.connectedAt).Seconds())
	c.releaseAll(s, res)
	c.armReset(s.id, c.endResetDelay)
}

// releaseAll closes res and logs failures without propagating them.
func (c *Controller) releaseAll(s *session, res *resources) {
	log := observe.Logger(s.ctx)
	for _, err := range res.release() {
		var re *ResourceError
		if errors.As(err, &re) {
			c.metrics.RecordResourceError(s.ctx, re.Resource)
		}
		log.Warn("teardown error", "err", err)
	}
}

// armReset schedules the ended → idle transition for the session id.
func (c *Controller) armReset(id string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sess == nil || c.sess.id != id {
		return
	}
	c.stopTimerLocked()
	c.timer = time.AfterFunc(d, func() { c.reset(id) })
}

// reset returns to idle if id is still the current, ended call.
func (c *Controller) reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.id != id || c.status != StatusEnded {
		return
	}
	c.status = StatusIdle
	c.sess = nil
	c.timer = nil
	c.muted.Store(false)
	c.publishLocked(Update{Kind: UpdateStatus})
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

