package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/hybridchat/internal/config"
	"github.com/Tyrowin/hybridchat/internal/dispatch"
	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/metrics"
	"github.com/Tyrowin/hybridchat/internal/registry"
	"github.com/Tyrowin/hybridchat/internal/store"
)

type inbound struct {
	client  *Client
	payload []byte
}

// Hub owns every connection's session. Its single event loop processes
// registrations, disconnects and inbound envelopes one at a time, so each
// routing decision sees a consistent registry and group view.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	cfg      config.Config
	registry *registry.Registry
	groups   *groups.Store
	engine   *dispatch.Engine
	messages store.MessageLog
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// HubDeps are the collaborators a Hub routes through.
type HubDeps struct {
	Config   config.Config
	Registry *registry.Registry
	Groups   *groups.Store
	Engine   *dispatch.Engine
	Messages store.MessageLog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewHub returns a hub that is ready to Run.
func NewHub(deps HubDeps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		cfg:        deps.Config,
		registry:   deps.Registry,
		groups:     deps.Groups,
		engine:     deps.Engine,
		messages:   deps.Messages,
		metrics:    deps.Metrics,
		log:        deps.Logger,
	}
}

// Join hands a new client to the hub, which starts its pumps. It reports
// false when the hub is shutting down.
func (h *Hub) Join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) receive(c *Client, payload []byte) bool {
	select {
	case h.inbound <- inbound{client: c, payload: payload}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// ClientCount returns the number of open connections, logged in or not.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run processes hub events until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.metrics.ConnectionOpened()
			client.log.Info("Client connected", "clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.end(client)

		case in := <-h.inbound:
			if in.client.state == stateClosed {
				continue
			}
			h.handleEnvelope(in.client, in.payload)
		}
	}
}

// end closes clients and every connection that goes stale while their
// departure is announced.
func (h *Hub) end(clients ...*Client) {
	queue := clients
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		queue = append(queue, h.endSession(c)...)
	}
}

// endSession closes c's outbound queue and releases its identity. When this
// connection still held the live binding, user_left is sent to everyone
// else; targets that cannot take it are returned.
func (h *Hub) endSession(c *Client) []*Client {
	if c.state == stateClosed {
		return nil
	}
	wasAuthenticated := c.state == stateAuthenticated
	c.state = stateClosed

	h.mutex.Lock()
	_, registered := h.clients[c]
	delete(h.clients, c)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	c.closed.Store(true)
	if registered {
		close(c.send)
		h.metrics.ConnectionClosed()
	}
	c.log.Info("Client disconnected", "user", c.identity, "clients", clientCount)

	if !wasAuthenticated || !h.registry.Unbind(c.identity, c) {
		return nil
	}
	h.metrics.SetSessions(h.registry.Len())
	return h.broadcastPresence(c.identity)
}

// shutdownClients closes every connection without announcing departures.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mutex.Unlock()

	for _, client := range clients {
		client.state = stateClosed
		client.closed.Store(true)
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Warn("Error closing client connection", "error", err)
			}
		}
		if client.identity != "" {
			h.registry.Unbind(client.identity, client)
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown stops the event loop and waits for every pump to finish or for
// timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
