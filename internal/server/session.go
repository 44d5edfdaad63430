package server

import (
	"context"
	"errors"

	"github.com/Tyrowin/hybridchat/internal/dispatch"
	"github.com/Tyrowin/hybridchat/internal/protocol"
	"github.com/Tyrowin/hybridchat/internal/registry"
	"github.com/Tyrowin/hybridchat/internal/store"
)

const loginMessage = "Login successful"

// handleEnvelope runs one inbound frame through the session state machine.
func (h *Hub) handleEnvelope(c *Client, raw []byte) {
	req, err := protocol.Decode(raw)

	if c.state == stateUnauthenticated {
		h.handleUnauthenticated(c, req, err)
		return
	}

	if err != nil {
		c.log.Debug("Rejected envelope", "user", c.identity, "error", err)
		h.metrics.Rejected(protocol.CodeValidation)
		h.reply(c, protocol.Failure(protocol.CodeValidation, err.Error()))
		return
	}

	switch r := req.(type) {
	case *protocol.LoginRequest:
		if r.UserID != c.identity {
			h.reply(c, protocol.Failure(protocol.CodeValidation, "connection is already logged in as "+c.identity))
			return
		}
		h.reply(c, protocol.Envelope{Type: protocol.TypeLoginSuccess, UserID: c.identity, Message: loginMessage})
	case *protocol.LogoutRequest:
		c.log.Info("User logged out", "user", c.identity)
		h.end(c)
	case *protocol.ChatRequest:
		h.dispatch(c, dispatch.Outbound{Kind: store.KindBroadcast, Content: r.Content, Attachment: r.File})
	case *protocol.PrivateChatRequest:
		h.dispatch(c, dispatch.Outbound{Kind: store.KindPrivate, To: r.To, Content: r.Content, Attachment: r.File})
	case *protocol.GroupChatRequest:
		h.dispatch(c, dispatch.Outbound{Kind: store.KindGroup, To: r.GroupID, Content: r.Content, Attachment: r.File})
	case *protocol.CreateGroupRequest:
		h.createGroup(c, r)
	case *protocol.JoinGroupRequest:
		h.joinGroup(c, r)
	case *protocol.HistoryRequest:
		h.history(c, r)
	}
}

// handleUnauthenticated accepts only login. A malformed login is answered
// with a validation error; anything else is dropped.
func (h *Hub) handleUnauthenticated(c *Client, req any, err error) {
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) && verr.Type == protocol.TypeLogin {
			h.reply(c, protocol.Failure(protocol.CodeValidation, err.Error()))
			return
		}
		c.log.Debug("Dropping envelope before login", "error", err)
		h.metrics.Rejected("unauthenticated")
		return
	}

	login, ok := req.(*protocol.LoginRequest)
	if !ok {
		c.log.Debug("Dropping envelope before login")
		h.metrics.Rejected("unauthenticated")
		return
	}
	h.login(c, login.UserID)
}

func (h *Hub) login(c *Client, identity string) {
	previous, replaced := h.registry.Bind(identity, c)
	c.identity = identity
	c.state = stateAuthenticated
	h.metrics.SetSessions(h.registry.Len())
	c.log.Info("User logged in", "user", identity, "replaced", replaced)

	if replaced {
		// The older connection is orphaned; ending it cannot unbind the new one.
		if old, ok := previous.(*Client); ok {
			h.end(old)
		}
	}

	h.reply(c, protocol.Envelope{Type: protocol.TypeLoginSuccess, UserID: identity, Message: loginMessage})
}

func (h *Hub) dispatch(c *Client, out dispatch.Outbound) {
	res, err := h.engine.Dispatch(h.ctx, dispatch.Sender{Identity: c.identity, Conn: c}, out)
	switch {
	case err == nil:
		h.closeStale(res.Stale)
	case errors.Is(err, dispatch.ErrNotMember):
		h.metrics.Rejected("not_member")
	case errors.Is(err, dispatch.ErrGroupNotFound):
		h.reply(c, protocol.Failure(protocol.CodeNotFound, "group "+out.To+" does not exist"))
	case errors.Is(err, dispatch.ErrPersistence):
		h.reply(c, protocol.Failure(protocol.CodePersistence, "message could not be stored"))
	default:
		h.reply(c, protocol.Failure(protocol.CodeValidation, err.Error()))
	}
}

func (h *Hub) createGroup(c *Client, r *protocol.CreateGroupRequest) {
	name := r.DisplayName()
	if name == "" {
		h.reply(c, protocol.Failure(protocol.CodeValidation, "group name must not be blank"))
		return
	}

	g, err := h.groups.Create(h.ctx, name, c.identity)
	if err != nil {
		c.log.Error("Failed to create group", "user", c.identity, "name", name, "error", err)
		h.reply(c, protocol.Failure(protocol.CodePersistence, "group could not be stored"))
		return
	}
	h.reply(c, protocol.Envelope{Type: protocol.TypeGroupCreated, GroupID: g.ID, GroupName: g.Name})
}

func (h *Hub) joinGroup(c *Client, r *protocol.JoinGroupRequest) {
	g, added, err := h.groups.Join(h.ctx, r.GroupID, c.identity)
	if err != nil {
		if !h.groups.Exists(r.GroupID) {
			h.reply(c, protocol.Failure(protocol.CodeNotFound, "group "+r.GroupID+" does not exist"))
			return
		}
		c.log.Error("Failed to join group", "user", c.identity, "group", r.GroupID, "error", err)
		h.reply(c, protocol.Failure(protocol.CodePersistence, "membership could not be stored"))
		return
	}

	h.reply(c, protocol.Envelope{Type: protocol.TypeJoinGroupSuccess, GroupID: g.ID, GroupName: g.Name})
	if !added {
		return
	}

	payload := protocol.Encode(protocol.Envelope{Type: protocol.TypeUserJoinedGroup, UserID: c.identity, GroupID: g.ID})
	var stale []registry.Conn
	for member := range g.Members {
		if member == c.identity {
			continue
		}
		if conn, ok := h.registry.Lookup(member); ok && !conn.Send(payload) {
			stale = append(stale, conn)
		}
	}
	h.closeStale(stale)
}

func (h *Hub) history(c *Client, r *protocol.HistoryRequest) {
	q := store.HistoryQuery{
		Scope:  r.Kind(),
		User:   c.identity,
		Peer:   r.With,
		Offset: r.Offset,
		Limit:  h.clampLimit(r.Limit),
	}
	if q.Scope == store.KindGroup {
		q.GroupID = r.GroupID
		if !h.groups.Exists(r.GroupID) {
			h.reply(c, protocol.Failure(protocol.CodeNotFound, "group "+r.GroupID+" does not exist"))
			return
		}
		if !h.groups.IsMember(r.GroupID, c.identity) {
			h.reply(c, protocol.Failure(protocol.CodeValidation, "not a member of group "+r.GroupID))
			return
		}
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.PersistTimeout)
	defer cancel()
	page, err := h.messages.QueryHistory(ctx, q)
	if err != nil {
		c.log.Error("History query failed", "user", c.identity, "scope", q.Scope, "error", err)
		h.reply(c, protocol.Failure(protocol.CodePersistence, "history is unavailable"))
		return
	}
	h.reply(c, protocol.History(page))
}

func (h *Hub) clampLimit(limit int) int {
	if limit <= 0 {
		return h.cfg.HistoryDefaultLimit
	}
	return min(limit, h.cfg.HistoryMaxLimit)
}

// reply sends env to c alone, ending the session if its queue is full.
func (h *Hub) reply(c *Client, env protocol.Envelope) {
	if c.state == stateClosed {
		return
	}
	if !c.Send(protocol.Encode(env)) {
		c.log.Warn("Send buffer full; closing connection", "user", c.identity)
		h.end(c)
	}
}

// broadcastPresence tells every online identity that identity left.
func (h *Hub) broadcastPresence(identity string) []*Client {
	payload := protocol.Encode(protocol.Envelope{Type: protocol.TypeUserLeft, UserID: identity})
	var stale []*Client
	for _, entry := range h.registry.Entries() {
		if entry.Identity == identity {
			continue
		}
		if !entry.Conn.Send(payload) {
			if client, ok := entry.Conn.(*Client); ok {
				stale = append(stale, client)
			}
		}
	}
	return stale
}

func (h *Hub) closeStale(conns []registry.Conn) {
	stale := make([]*Client, 0, len(conns))
	for _, conn := range conns {
		if client, ok := conn.(*Client); ok {
			client.log.Warn("Closing stale connection", "user", client.identity)
			stale = append(stale, client)
		}
	}
	h.end(stale...)
}
