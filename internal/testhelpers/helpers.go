// Package testhelpers provides fakes and WebSocket utilities shared by the
// relay's package tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by ConnectWebSocket. Test servers
// must allow it.
const TestOrigin = "http://localhost:8080"

// FakeConn is an in-memory connection that records every payload it
// accepts.
type FakeConn struct {
	id string

	mu       sync.Mutex
	payloads [][]byte
	closed   bool
	full     bool
}

// NewFakeConn returns an open FakeConn with the given connection id.
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{id: id}
}

// ID returns the connection id.
func (c *FakeConn) ID() string { return c.id }

// Send records payload unless the connection is closed or marked full.
func (c *FakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.payloads = append(c.payloads, payload)
	return true
}

// IsOpen reports whether Close has not been called.
func (c *FakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the connection closed.
func (c *FakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// SetFull makes Send reject payloads as if the outbound queue were full.
func (c *FakeConn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// Payloads returns the accepted payloads decoded as JSON objects.
func (c *FakeConn) Payloads(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.payloads))
	for _, p := range c.payloads {
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		out = append(out, m)
	}
	return out
}

// Count returns how many payloads were accepted.
func (c *FakeConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with TestOrigin as the Origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendJSON writes v as one text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// ReadEnvelope reads the next frame as a JSON object, failing after
// timeout.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// ExpectType reads frames until one of the wanted type arrives. Frames of
// other types are skipped.
func ExpectType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := ReadEnvelope(t, conn, time.Until(deadline))
		if env["type"] == want {
			return env
		}
	}
	require.FailNow(t, "envelope not received", "type %q", want)
	return nil
}

// ExpectNoType asserts that no frame of the given type arrives within
// window. Other frames are ignored.
func ExpectNoType(t *testing.T, conn *websocket.Conn, unwanted string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return
		}
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		require.NotEqual(t, unwanted, env["type"], "unexpected envelope %v", env)
	}
}

// Login sends a login envelope and waits for its confirmation.
func Login(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	SendJSON(t, conn, map[string]string{"type": "login", "userId": userID})
	env := ExpectType(t, conn, "login_success")
	require.Equal(t, userID, env["userId"])
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
