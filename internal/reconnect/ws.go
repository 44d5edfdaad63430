package reconnect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Transport is one open connection to the relay.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WSDialer dials the relay over WebSocket. When Header carries no Origin,
// one is derived from the target URL so the relay's origin check passes
// for same-host deployments.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WSDialer) Dial(ctx context.Context, target string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		if origin, ok := OriginFor(target); ok {
			header.Set("Origin", origin)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &wsTransport{conn: conn}, nil
}

// OriginFor maps ws://host and wss://host to the matching http(s) origin.
func OriginFor(target string) (string, bool) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", false
	}
	switch u.Scheme {
	case "ws", "http":
		return "http://" + u.Host, true
	case "wss", "https":
		return "https://" + u.Host, true
	default:
		return "", false
	}
}

// wsTransport serializes writes; gorilla allows one concurrent writer.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	return t.conn.Close()
}
