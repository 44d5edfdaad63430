package server

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/hybridchat/internal/config"
	"github.com/Tyrowin/hybridchat/internal/dispatch"
	"github.com/Tyrowin/hybridchat/internal/files"
	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/metrics"
	"github.com/Tyrowin/hybridchat/internal/registry"
	"github.com/Tyrowin/hybridchat/internal/store"
)

// Deps are the components a Server is assembled from.
type Deps struct {
	Config   config.Config
	Store    store.MessageLog
	Groups   *groups.Store
	Registry *registry.Registry
	Engine   *dispatch.Engine
	Files    *files.Service
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the relay's WebSocket endpoint plus its HTTP API.
type Server struct {
	cfg      config.Config
	hub      *Hub
	registry *registry.Registry
	groups   *groups.Store
	messages store.MessageLog
	files    *files.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New assembles a Server. Call Start before serving requests.
func New(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		registry: deps.Registry,
		groups:   deps.Groups,
		messages: deps.Store,
		files:    deps.Files,
		metrics:  deps.Metrics,
		log:      deps.Logger,
	}
	s.hub = NewHub(HubDeps{
		Config:   deps.Config,
		Registry: deps.Registry,
		Groups:   deps.Groups,
		Engine:   deps.Engine,
		Messages: deps.Store,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger,
	})

	origins := newOriginPolicy(deps.Config.AllowedOrigins, deps.Logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub event loop in its own goroutine.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("Hub started and ready to manage WebSocket connections")
}

// Shutdown stops the hub and waits up to timeout for connections to drain.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
