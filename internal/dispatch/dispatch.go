// Package dispatch turns an authenticated sender's outbound message into a
// persisted message and a set of deliveries.
//
// The engine persists before it fans out, so a message that could not be
// stored is never delivered. Delivery is best effort: each target gets a
// non-blocking enqueue and targets that cannot accept it are reported back
// as stale for the session layer to close.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/metrics"
	"github.com/Tyrowin/hybridchat/internal/protocol"
	"github.com/Tyrowin/hybridchat/internal/registry"
	"github.com/Tyrowin/hybridchat/internal/store"
)

var (
	// ErrGroupNotFound is returned for a group message to an unknown group.
	ErrGroupNotFound = errors.New("group not found")
	// ErrNotMember is returned when the sender does not belong to the
	// target group. Nothing is persisted or delivered.
	ErrNotMember = errors.New("sender is not a member of the group")
	// ErrPersistence wraps store failures. Nothing is delivered.
	ErrPersistence = errors.New("message could not be persisted")
	// ErrInvalidKind is returned for an unknown message kind.
	ErrInvalidKind = errors.New("unknown message kind")
)

// DefaultPersistTimeout bounds a single store append.
const DefaultPersistTimeout = 5 * time.Second

// Sender is the authenticated origin of a message.
type Sender struct {
	Identity string
	Conn     registry.Conn
}

// Outbound is a message as requested by its sender. To is the recipient
// identity for private messages and the group id for group messages.
type Outbound struct {
	Kind       store.Kind
	To         string
	Content    string
	Attachment *store.Attachment
}

// Result describes what happened to a dispatched message.
type Result struct {
	Message   store.Message
	Delivered int
	// Stale lists connections that were closed or whose queue was full.
	Stale []registry.Conn
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock that stamps messages.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records persistence and delivery counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPersistTimeout bounds each store append.
func WithPersistTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.persistTimeout = d
		}
	}
}

// WithIDGenerator overrides message id allocation.
func WithIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// Engine routes messages between registered connections.
type Engine struct {
	registry       *registry.Registry
	groups         *groups.Store
	messages       store.MessageLog
	logger         *slog.Logger
	clock          clock.Clock
	metrics        *metrics.Metrics
	persistTimeout time.Duration
	newID          func() string
}

// New returns an engine reading targets from reg and gs and persisting to
// messages.
func New(reg *registry.Registry, gs *groups.Store, messages store.MessageLog, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:       reg,
		groups:         gs,
		messages:       messages,
		logger:         logger,
		clock:          clock.New(),
		persistTimeout: DefaultPersistTimeout,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch persists out on behalf of sender and delivers it. The sender
// receives a *_sent confirmation on its own connection; other targets
// receive the message itself.
func (e *Engine) Dispatch(ctx context.Context, sender Sender, out Outbound) (Result, error) {
	if !out.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidKind, out.Kind)
	}

	var members groups.Set
	if out.Kind == store.KindGroup {
		g, ok := e.groups.Get(out.To)
		if !ok {
			return Result{}, fmt.Errorf("group %s: %w", out.To, ErrGroupNotFound)
		}
		if !g.Members.Has(sender.Identity) {
			e.logger.Debug("Dropping group message from non-member", "user", sender.Identity, "group", out.To)
			return Result{}, fmt.Errorf("%s in %s: %w", sender.Identity, out.To, ErrNotMember)
		}
		members = g.Members
	}

	msg := store.Message{
		ID:         e.newID(),
		Kind:       out.Kind,
		From:       sender.Identity,
		Content:    out.Content,
		Timestamp:  e.clock.Now().UTC(),
		Attachment: out.Attachment,
	}
	if out.Kind != store.KindBroadcast {
		msg.To = out.To
	}

	if err := e.persist(ctx, msg); err != nil {
		return Result{}, err
	}

	res := Result{Message: msg}
	env := protocol.FromMessage(msg)
	payload := protocol.Encode(env)

	for _, target := range e.targets(sender, msg, members) {
		if target.IsOpen() && target.Send(payload) {
			res.Delivered++
			continue
		}
		res.Stale = append(res.Stale, target)
	}

	if sender.Conn != nil {
		env.Type = protocol.SentType(env.Type)
		if !sender.Conn.IsOpen() || !sender.Conn.Send(protocol.Encode(env)) {
			res.Stale = append(res.Stale, sender.Conn)
		}
	}

	e.metrics.Delivered("delivered", res.Delivered)
	e.metrics.Delivered("stale", len(res.Stale))
	e.logger.Debug("Message dispatched",
		"id", msg.ID, "kind", msg.Kind, "user", msg.From, "to", msg.To,
		"delivered", res.Delivered, "stale", len(res.Stale))
	return res, nil
}

func (e *Engine) persist(ctx context.Context, msg store.Message) error {
	ctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()

	start := e.clock.Now()
	if err := e.messages.AppendMessage(ctx, msg); err != nil {
		e.metrics.PersistFailed()
		e.logger.Error("Failed to persist message", "id", msg.ID, "kind", msg.Kind, "user", msg.From, "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.metrics.MessagePersisted(string(msg.Kind), e.clock.Since(start).Seconds())
	return nil
}

// targets resolves the connections that receive msg, excluding the sender.
func (e *Engine) targets(sender Sender, msg store.Message, members groups.Set) []registry.Conn {
	var conns []registry.Conn

	switch msg.Kind {
	case store.KindBroadcast:
		for _, entry := range e.registry.Entries() {
			if entry.Identity != sender.Identity {
				conns = append(conns, entry.Conn)
			}
		}
	case store.KindPrivate:
		if msg.To == sender.Identity {
			return nil
		}
		if conn, ok := e.registry.Lookup(msg.To); ok {
			conns = append(conns, conn)
		} else {
			e.logger.Debug("Private recipient offline; message stored only", "user", msg.From, "to", msg.To)
		}
	case store.KindGroup:
		for member := range members {
			if member == sender.Identity {
				continue
			}
			if conn, ok := e.registry.Lookup(member); ok {
				conns = append(conns, conn)
			}
		}
	}
	return conns
}
