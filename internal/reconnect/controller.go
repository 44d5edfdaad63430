package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Tyrowin/hybridchat/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send while no transport is open.
	ErrNotConnected     = errors.New("not connected to the relay")
	// ErrRetriesExhausted is returned by Run once the attempt ceiling is passed.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted, manual refresh required")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning   = errors.New("controller is already running")
)

// State is the controller's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is reported on every state change. Attempt is the number of
// consecutive failures so far; Delay is set while Closed and waiting.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy sets the backoff policy; zero fields take the defaults.
func WithPolicy(p Policy) Option {
	return func(c *Controller) { c.policy = p.withDefaults() }
}

// WithClock sets the clock driving retry timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func() time.Duration) Option {
	return func(c *Controller) { c.jitter = fn }
}

// OnState registers a callback invoked on the run goroutine for every
// state change. It must not block.
func OnState(fn func(Status)) Option {
	return func(c *Controller) { c.onState = fn }
}

// OnEnvelope registers the receiver for inbound envelopes.
func OnEnvelope(fn func(protocol.Envelope)) Option {
	return func(c *Controller) { c.onEnvelope = fn }
}

// Controller keeps one logical session with the relay alive across
// transport failures, logging in again on every new transport.
type Controller struct {
	url        string
	identity   string
	dialer     Dialer
	policy     Policy
	clock      clock.Clock
	jitter     func() time.Duration
	log        *slog.Logger
	onState    func(Status)
	onEnvelope func(protocol.Envelope)

	mu        sync.Mutex
	state     State
	transport Transport
	running   bool

	logout     chan struct{}
	logoutOnce sync.Once
}

// New returns an idle controller for identity at url.
func New(url, identity string, dialer Dialer, opts ...Option) *Controller {
	c := &Controller{
		url:      url,
		identity: identity,
		dialer:   dialer,
		policy:   DefaultPolicy(),
		clock:    clock.New(),
		log:      slog.Default(),
		logout:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.jitter == nil {
		c.jitter = c.policy.sample
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps reconnecting until Logout, ctx cancellation, or
// the attempt ceiling. It returns nil after Logout, ctx.Err() after
// cancellation and ErrRetriesExhausted at the ceiling.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, c.dropTransport)
	defer stop()

	attempt := 0
	for {
		if c.stopping(ctx) {
			c.setState(Status{State: StateIdle})
			return ctx.Err()
		}

		c.setState(Status{State: StateConnecting, Attempt: attempt})
		opened, err := c.session(ctx)
		if opened {
			attempt = 0
		}
		if c.stopping(ctx) {
			c.setState(Status{State: StateIdle})
			return ctx.Err()
		}

		attempt++
		if c.policy.Exhausted(attempt) {
			c.log.Error("Giving up on the relay", "url", c.url, "attempts", attempt-1, "error", err)
			c.setState(Status{State: StateExhausted, Attempt: attempt, Err: err})
			return ErrRetriesExhausted
		}

		delay := c.policy.Delay(attempt, c.jitter())
		timer := c.clock.Timer(delay)
		c.log.Warn("Connection lost, retrying", "attempt", attempt, "max", c.policy.MaxAttempts, "delay", delay, "error", err)
		c.setState(Status{State: StateClosed, Attempt: attempt, Delay: delay, Err: err})

		select {
		case <-timer.C:
		case <-c.logout:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// session dials, logs in, and reads until the transport fails. opened
// reports whether the login went out on a live transport.
func (c *Controller) session(ctx context.Context) (bool, error) {
	t, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return false, err
	}

	login, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeLogin, UserID: c.identity})
	if err := t.WriteMessage(login); err != nil {
		_ = t.Close()
		return false, fmt.Errorf("send login: %w", err)
	}

	c.mu.Lock()
	if c.stopping(ctx) {
		c.mu.Unlock()
		_ = t.Close()
		return false, nil
	}
	c.transport = t
	c.mu.Unlock()

	c.log.Info("Connected to relay", "url", c.url, "user", c.identity)
	c.setState(Status{State: StateOpen})

	err = c.readLoop(t)

	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = t.Close()

	return true, err
}

func (c *Controller) readLoop(t Transport) error {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.log.Warn("Discarding unparseable envelope", "size", len(data), "error", err)
			continue
		}
		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

// Send encodes v as JSON and writes it on the open transport.
func (c *Controller) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	if err := t.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Logout ends the session for good: it tells the relay, closes the
// transport and stops any pending retry. Calling it twice is harmless.
func (c *Controller) Logout() error {
	c.logoutOnce.Do(func() { close(c.logout) })

	c.mu.Lock()
	t := c.transport
	c.transport = nil
	running := c.running
	c.mu.Unlock()

	if !running {
		c.setState(Status{State: StateIdle})
	}
	if t == nil {
		return nil
	}

	bye, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeLogout})
	_ = t.WriteMessage(bye)
	return t.Close()
}

func (c *Controller) dropTransport() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (c *Controller) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.logout:
		return true
	default:
		return false
	}
}

func (c *Controller) setState(s Status) {
	c.mu.Lock()
	c.state = s.State
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}
