package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"codepair/internal/store"
	"codepair/internal/ws"
	"codepair/pkg/protocol"
)

// Coordinator owns the join/leave lifecycle, the roster, and the edit fan-out
// for every session. It is the only component that mutates the roster; the
// signaling relay and the HTTP API read through it.
//
// Handlers run on the owning connection's read goroutine, so events from one
// connection are processed in receipt order with no cross-event races for
// that connection. The store serializes mutations across connections.
type Coordinator struct {
	store    *store.Store
	registry *ws.Registry
	contexts *contextTable
}

// New creates a coordinator over the given store and registry.
func New(st *store.Store, registry *ws.Registry) *Coordinator {
	return &Coordinator{
		store:    st,
		registry: registry,
		contexts: newContextTable(),
	}
}

// Context returns the connection context for a connection id, if the
// connection has joined.
func (c *Coordinator) Context(connID string) (*ConnContext, bool) {
	return c.contexts.get(connID)
}

// Dispatch routes one document-collaboration frame. Unknown events are
// reported so the transport layer can decide what to do with them.
func (c *Coordinator) Dispatch(conn *ws.Connection, env *protocol.Envelope) error {
	switch env.Event {
	case protocol.EventJoin:
		c.HandleJoin(conn, env.Data)
	case protocol.EventEdit:
		c.HandleEdit(conn, env.Data)
	case protocol.EventCursor:
		c.HandleCursor(conn, env.Data)
	case protocol.EventTyping:
		c.HandleTyping(conn, env.Data)
	case protocol.EventLanguage:
		c.HandleLanguage(conn, env.Data)
	case protocol.EventLeave:
		c.HandleLeave(conn, env.Data)
	case protocol.EventSessionInfo:
		c.HandleSessionInfo(conn, env.Data)
	case protocol.EventPing:
		c.HandlePing(conn)
	default:
		return ErrUnknownEvent
	}
	return nil
}

// HandleJoin admits a connection into a session: context first, then group
// membership, then the roster upsert, then the ack and broadcasts.
func (c *Coordinator) HandleJoin(conn *ws.Connection, data json.RawMessage) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" || req.User.ID == "" {
		c.sendError(conn, ErrInvalidRequest.Error())
		return
	}

	// The context must exist before the first suspension point so that events
	// arriving while the join is still loading are attributed, not dropped.
	c.contexts.set(&ConnContext{
		ConnectionID: conn.ID(),
		UserID:       req.User.ID,
		SessionID:    req.SessionID,
		User:         req.User,
	})

	logger := conn.Logger().With().
		Str("session_id", req.SessionID).Str("user_id", req.User.ID).Logger()

	// Joining a new group implicitly leaves the previous one.
	c.registry.JoinGroup(req.SessionID, conn)

	ctx := context.Background()
	sess, err := c.store.FindSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.sendError(conn, ErrSessionNotFound.Error())
		} else {
			logger.Error().Err(err).Msg("join: session load failed")
			c.sendError(conn, "failed to join session")
		}
		return
	}

	roster, err := c.store.Participants(ctx, req.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("join: roster load failed")
		c.sendError(conn, "failed to join session")
		return
	}

	used := make([]string, 0, len(roster))
	for _, p := range roster {
		used = append(used, p.Color)
	}

	username := req.User.Username
	if username == "" {
		username = "Anonymous"
	}

	participant := protocol.Participant{
		UserID:       req.User.ID,
		Username:     username,
		Color:        assignColor(used),
		Cursor:       protocol.Position{Line: 1, Column: 1},
		ConnectionID: conn.ID(),
		LastActive:   time.Now(),
	}

	// Keyed by user id: a rejoin replaces the stale entry, including its old
	// connection id, so the roster never carries duplicates for one user.
	if err := c.store.UpsertParticipant(ctx, req.SessionID, participant); err != nil {
		logger.Error().Err(err).Msg("join: participant upsert failed")
		c.sendError(conn, "failed to join session")
		return
	}

	roster, err = c.store.Participants(ctx, req.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("join: roster reload failed")
		c.sendError(conn, "failed to join session")
		return
	}

	// Ack carries the caller's own connection id; without it the client can
	// only fall back to identity-based self-echo filtering.
	c.send(conn, protocol.EventJoined, protocol.Joined{
		SessionID:    sess.SessionID,
		Title:        sess.Title,
		Code:         sess.Code,
		Language:     sess.Language,
		Participants: roster,
		ConnectionID: conn.ID(),
	})

	c.registry.BroadcastExcept(req.SessionID, conn.ID(), protocol.EventUserJoined, participant)
	c.registry.Broadcast(req.SessionID, protocol.EventRoster, roster)

	logger.Info().Int("participants", len(roster)).Msg("joined session")
}

// HandleEdit applies a full-text replacement and fans it out to everyone but
// the author. The write and the counter increment are one atomic statement;
// the newest write wins.
func (c *Coordinator) HandleEdit(conn *ws.Connection, data json.RawMessage) {
	var req protocol.EditRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		c.sendError(conn, "invalid code change data")
		return
	}

	connCtx, ok := c.selfHeal(conn, req.SessionID, req.UserID)
	if !ok {
		return
	}

	ctx := context.Background()
	now := time.Now()
	if err := c.store.ApplyEdit(ctx, connCtx.SessionID, req.Code, now); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.sendError(conn, ErrSessionNotFound.Error())
		} else {
			logger := conn.Logger()
			logger.Error().Err(err).Msg("edit: store update failed")
			c.sendError(conn, "failed to update code")
		}
		return
	}

	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = now.UnixMilli()
	}

	c.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventEditApplied, protocol.EditApplied{
		SessionID:    connCtx.SessionID,
		Code:         req.Code,
		Changes:      req.Changes,
		UserID:       connCtx.UserID,
		ConnectionID: conn.ID(),
		Timestamp:    timestamp,
	})

	c.send(conn, protocol.EventEditAck, protocol.EditAck{
		SessionID: connCtx.SessionID,
		Timestamp: now.UnixMilli(),
	})
}

// HandleCursor relays a cursor position to the other members. Best-effort:
// failures are logged, never surfaced.
func (c *Coordinator) HandleCursor(conn *ws.Connection, data json.RawMessage) {
	var req protocol.CursorRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	connCtx, ok := c.selfHeal(conn, req.SessionID, req.UserID)
	if !ok {
		return
	}

	if err := c.store.UpdateCursor(context.Background(), connCtx.SessionID, connCtx.UserID, req.Position, time.Now()); err != nil {
		logger := conn.Logger()
		logger.Debug().Err(err).Msg("cursor: store update failed")
	}

	c.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventCursorUpdate, protocol.CursorUpdate{
		UserID:    connCtx.UserID,
		Position:  req.Position,
		Timestamp: time.Now().UnixMilli(),
	})
}

// HandleTyping relays a typing indicator to the other members. No
// persistence.
func (c *Coordinator) HandleTyping(conn *ws.Connection, data json.RawMessage) {
	var req protocol.TypingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	connCtx, ok := c.selfHeal(conn, req.SessionID, "")
	if !ok {
		return
	}

	c.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventTypingUpdate, protocol.TypingUpdate{
		UserID:   connCtx.UserID,
		IsTyping: req.IsTyping,
	})
}

// HandleLanguage persists a language switch and relays it to the others; the
// sender already switched locally.
func (c *Coordinator) HandleLanguage(conn *ws.Connection, data json.RawMessage) {
	var req protocol.LanguageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Language == "" {
		return
	}

	connCtx, ok := c.selfHeal(conn, req.SessionID, "")
	if !ok {
		return
	}

	if err := c.store.SetLanguage(context.Background(), connCtx.SessionID, req.Language, time.Now()); err != nil {
		logger := conn.Logger()
		logger.Debug().Err(err).Msg("language: store update failed")
		return
	}

	c.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventLanguageUpdate, protocol.LanguageUpdate{
		Language: req.Language,
		UserID:   connCtx.UserID,
	})
}

// HandleLeave is the explicit counterpart of HandleDisconnect; both funnel
// into the same removal logic so the cleanup paths cannot diverge.
func (c *Coordinator) HandleLeave(conn *ws.Connection, data json.RawMessage) {
	var req protocol.LeaveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	connCtx, ok := c.contexts.get(conn.ID())
	if !ok || connCtx.SessionID != req.SessionID {
		return
	}

	c.removeParticipant(conn, connCtx)
	c.contexts.remove(conn.ID())
}

// HandleDisconnect runs when a connection's read loop exits for any reason.
func (c *Coordinator) HandleDisconnect(conn *ws.Connection) {
	if connCtx, ok := c.contexts.get(conn.ID()); ok {
		c.removeParticipant(conn, connCtx)
		c.contexts.remove(conn.ID())
	}
	c.registry.Unregister(conn)
}

// removeParticipant deletes this connection's roster entry and notifies the
// remaining members. The store guards the delete on the connection id, so a
// participant who already reconnected on a new socket is left untouched even
// when the old socket's disconnect is processed late.
func (c *Coordinator) removeParticipant(conn *ws.Connection, connCtx *ConnContext) {
	ctx := context.Background()
	logger := conn.Logger().With().
		Str("session_id", connCtx.SessionID).Str("user_id", connCtx.UserID).Logger()

	c.registry.LeaveGroup(conn)

	removed, err := c.store.PullParticipant(ctx, connCtx.SessionID, conn.ID())
	if err != nil {
		logger.Error().Err(err).Msg("disconnect: roster cleanup failed")
		return
	}
	if !removed {
		logger.Debug().Msg("participant already replaced by a newer connection")
		return
	}

	c.registry.Broadcast(connCtx.SessionID, protocol.EventUserLeft, protocol.UserLeft{
		UserID:       connCtx.UserID,
		ConnectionID: conn.ID(),
	})

	roster, err := c.store.Participants(ctx, connCtx.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("disconnect: roster reload failed")
		return
	}
	c.registry.Broadcast(connCtx.SessionID, protocol.EventRoster, roster)

	logger.Info().Int("participants", len(roster)).Msg("left session")
}

// HandleSessionInfo answers a read-only snapshot request. Used by clients to
// decide whether to resync after a reconnect; failures are logged only.
func (c *Coordinator) HandleSessionInfo(conn *ws.Connection, data json.RawMessage) {
	var req protocol.SessionInfoRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}

	info, err := c.store.SessionInfo(context.Background(), req.SessionID)
	if err != nil {
		logger := conn.Logger()
		logger.Debug().Err(err).Str("session_id", req.SessionID).
			Msg("session info lookup failed")
		return
	}
	c.send(conn, protocol.EventSessionInfo, info)
}

// HandlePing answers the application-level health check.
func (c *Coordinator) HandlePing(conn *ws.Connection) {
	c.send(conn, protocol.EventPong, protocol.Pong{Timestamp: time.Now().UnixMilli()})
}

// selfHeal resolves the trusted context for an event. When the context is
// missing or stale but the payload names a session, the context is rebuilt
// from the payload and the connection is moved into the group; this matches
// the join contract for connections whose join raced the event.
func (c *Coordinator) selfHeal(conn *ws.Connection, sessionID, userID string) (*ConnContext, bool) {
	connCtx, ok := c.contexts.get(conn.ID())
	if ok && connCtx.SessionID == sessionID {
		return connCtx, true
	}
	if sessionID == "" {
		if ok {
			return connCtx, true
		}
		return nil, false
	}

	logger := conn.Logger()
	logger.Warn().Str("session_id", sessionID).
		Msg("connection context stale, self-healing from payload")

	if !ok {
		connCtx = &ConnContext{ConnectionID: conn.ID()}
	}
	connCtx.SessionID = sessionID
	if userID != "" {
		connCtx.UserID = userID
	}
	c.contexts.set(connCtx)
	c.registry.JoinGroup(sessionID, conn)
	return connCtx, true
}

func (c *Coordinator) send(conn *ws.Connection, event string, payload any) {
	if err := conn.Send(event, payload); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID()).
			Str("event", event).Msg("send failed")
	}
}

func (c *Coordinator) sendError(conn *ws.Connection, message string) {
	c.send(conn, protocol.EventError, protocol.ErrorPayload{Message: message})
}
