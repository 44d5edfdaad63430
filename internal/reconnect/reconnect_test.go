package reconnect_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hybridchat/internal/protocol"
	"github.com/Tyrowin/hybridchat/internal/reconnect"
)

const wait = 3 * time.Second

func noJitter() time.Duration { return 0 }

type refusingDialer struct {
	calls atomic.Int32
}

func (d *refusingDialer) Dial(context.Context, string) (reconnect.Transport, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

type recorder struct {
	ch chan reconnect.Status
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan reconnect.Status, 128)}
}

func (r *recorder) record(s reconnect.Status) {
	r.ch <- s
}

func (r *recorder) await(t *testing.T, state reconnect.State) reconnect.Status {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s := <-r.ch:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("state %s not reached", state)
		}
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func quietLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelError)
}

func TestDelayGrowsToCeiling(t *testing.T) {
	p := reconnect.DefaultPolicy()
	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 30 * time.Second}

	var prev time.Duration
	for n := 1; n <= 5; n++ {
		low := p.Delay(n, 0)
		high := p.Delay(n, p.Jitter)

		assert.Equal(t, want[n-1], low, "attempt %d", n)
		assert.GreaterOrEqual(t, low, prev, "attempt %d", n)
		assert.LessOrEqual(t, high, p.MaxDelay, "attempt %d", n)
		prev = low
	}

	assert.Equal(t, 3500*time.Millisecond, p.Delay(1, 500*time.Millisecond))
	assert.Equal(t, 25*time.Second, p.Delay(4, time.Second))
	assert.Equal(t, 30*time.Second, p.Delay(40, 0))
	assert.False(t, p.Exhausted(10))
	assert.True(t, p.Exhausted(11))
}

func TestSendWithoutTransport(t *testing.T) {
	c := reconnect.New("ws://localhost:0/ws", "alice", &refusingDialer{})

	err := c.Send(protocol.Envelope{Type: protocol.TypeChat, Content: "hi"})
	assert.ErrorIs(t, err, reconnect.ErrNotConnected)
	assert.Equal(t, reconnect.StateIdle, c.State())
}

func TestControllerStopsAtAttemptCeiling(t *testing.T) {
	mock := clock.NewMock()
	dialer := &refusingDialer{}
	rec := newRecorder()

	c := reconnect.New("ws://relay.invalid/ws", "alice", dialer,
		reconnect.WithPolicy(reconnect.Policy{BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 3}),
		reconnect.WithClock(mock),
		reconnect.WithJitter(noJitter),
		reconnect.WithLogger(quietLogger()),
		reconnect.OnState(rec.record),
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	for i, delay := range []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second} {
		s := rec.await(t, reconnect.StateClosed)
		assert.Equal(t, i+1, s.Attempt)
		assert.Equal(t, delay, s.Delay)
		assert.Error(t, s.Err)
		mock.Add(delay)
	}

	rec.await(t, reconnect.StateExhausted)
	assert.ErrorIs(t, receive(t, done), reconnect.ErrRetriesExhausted)

	mock.Add(time.Hour)
	assert.Equal(t, int32(4), dialer.calls.Load())
	assert.Equal(t, reconnect.StateExhausted, c.State())
}

func TestLogoutCancelsPendingRetry(t *testing.T) {
	mock := clock.NewMock()
	dialer := &refusingDialer{}
	rec := newRecorder()

	c := reconnect.New("ws://relay.invalid/ws", "alice", dialer,
		reconnect.WithClock(mock),
		reconnect.WithJitter(noJitter),
		reconnect.WithLogger(quietLogger()),
		reconnect.OnState(rec.record),
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	rec.await(t, reconnect.StateClosed)
	require.NoError(t, c.Logout())
	require.NoError(t, receive(t, done))

	mock.Add(time.Minute)
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.Equal(t, reconnect.StateIdle, c.State())
	require.NoError(t, c.Logout())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder()
	c := reconnect.New("ws://relay.invalid/ws", "alice", &refusingDialer{},
		reconnect.WithClock(mock),
		reconnect.WithLogger(quietLogger()),
		reconnect.OnState(rec.record),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	rec.await(t, reconnect.StateClosed)
	assert.ErrorIs(t, c.Run(ctx), reconnect.ErrAlreadyRunning)
	cancel()
	assert.ErrorIs(t, receive(t, done), context.Canceled)
	assert.Equal(t, reconnect.StateIdle, c.State())
}

// relayStub accepts WebSocket connections and hands each one to the test
// after reading its first frame.
type relayStub struct {
	srv    *httptest.Server
	logins chan protocol.Envelope
	conns  chan *websocket.Conn
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	s := &relayStub{
		logins: make(chan protocol.Envelope, 8),
		conns:  make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return r.Header.Get("Origin") != "" },
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		s.logins <- env
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *relayStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func TestControllerLogsInOnEveryTransport(t *testing.T) {
	stub := newRelayStub(t)
	mock := clock.NewMock()
	rec := newRecorder()
	received := make(chan protocol.Envelope, 8)

	c := reconnect.New(stub.url(), "alice", reconnect.WSDialer{},
		reconnect.WithClock(mock),
		reconnect.WithJitter(noJitter),
		reconnect.WithLogger(quietLogger()),
		reconnect.OnState(rec.record),
		reconnect.OnEnvelope(func(env protocol.Envelope) { received <- env }),
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	first := receive(t, stub.logins)
	assert.Equal(t, protocol.TypeLogin, first.Type)
	assert.Equal(t, "alice", first.UserID)
	conn1 := receive(t, stub.conns)
	rec.await(t, reconnect.StateOpen)

	require.NoError(t, conn1.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn1.WriteMessage(websocket.TextMessage, []byte(`{"type":"login_success","userId":"alice"}`)))
	assert.Equal(t, protocol.TypeLoginSuccess, receive(t, received).Type)

	require.NoError(t, c.Send(protocol.Envelope{Type: protocol.TypeChat, Content: "hi"}))
	_, data, err := conn1.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","content":"hi"}`, string(data))

	_ = conn1.Close()
	closed := rec.await(t, reconnect.StateClosed)
	assert.Equal(t, 1, closed.Attempt)
	assert.Equal(t, 3*time.Second, closed.Delay)
	assert.ErrorIs(t, c.Send(protocol.Envelope{Type: protocol.TypeChat}), reconnect.ErrNotConnected)

	mock.Add(closed.Delay)
	second := receive(t, stub.logins)
	assert.Equal(t, protocol.TypeLogin, second.Type)
	assert.Equal(t, "alice", second.UserID)
	conn2 := receive(t, stub.conns)
	defer conn2.Close()
	rec.await(t, reconnect.StateOpen)

	require.NoError(t, c.Logout())
	_, data, err = conn2.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"logout"}`, string(data))

	require.NoError(t, receive(t, done))
	assert.Equal(t, reconnect.StateIdle, c.State())
}

func TestOriginFor(t *testing.T) {
	tests := []struct {
		target string
		origin string
		ok     bool
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080", true},
		{"wss://chat.example/ws", "https://chat.example", true},
		{"ftp://chat.example", "", false},
		{"/ws", "", false},
	}
	for _, tt := range tests {
		origin, ok := reconnect.OriginFor(tt.target)
		assert.Equal(t, tt.ok, ok, tt.target)
		assert.Equal(t, tt.origin, origin, tt.target)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", reconnect.StateOpen.String())
	assert.Equal(t, "exhausted", reconnect.StateExhausted.String())
	assert.Equal(t, "state(42)", reconnect.State(42).String())
}
