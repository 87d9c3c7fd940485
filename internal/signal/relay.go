// Package signal routes call-initiation and WebRTC negotiation frames between
// session members. The relay is a pure router: it never inspects SDP or ICE
// content, holds no state, and delivers at most once, in receipt order, to
// the addressed recipients. Addressing is target-or-broadcast: a frame with a
// target connection id goes to that connection only, anything else goes to
// every other member of the sender's session.
package signal

import (
	"encoding/json"

	"codepair/internal/coordinator"
	"codepair/internal/ws"
	"codepair/pkg/protocol"
)

// Relay routes call signaling frames. It depends on the coordinator only for
// the sender's trusted identity and session membership.
type Relay struct {
	registry *ws.Registry
	coord    *coordinator.Coordinator
}

// New creates a relay over the shared registry and coordinator.
func New(registry *ws.Registry, coord *coordinator.Coordinator) *Relay {
	return &Relay{registry: registry, coord: coord}
}

// Dispatch routes one call signaling frame. Frames from connections that
// never joined a session are dropped; there is nobody to deliver them to.
func (r *Relay) Dispatch(conn *ws.Connection, env *protocol.Envelope) {
	connCtx, ok := r.coord.Context(conn.ID())
	if !ok || connCtx.SessionID == "" {
		logger := conn.Logger()
		logger.Debug().Str("event", env.Event).Msg("signal from unjoined connection, dropping")
		return
	}

	switch env.Event {
	case protocol.EventCallInvite:
		r.handleInvite(conn, connCtx, env.Data)
	case protocol.EventCallAccept:
		r.handleAccept(conn, connCtx, env.Data)
	case protocol.EventCallReject:
		r.handleReject(conn, connCtx, env.Data)
	case protocol.EventCallEnd:
		r.handleEnd(conn, connCtx)
	case protocol.EventSDPOffer:
		r.handleOffer(conn, connCtx, env.Data)
	case protocol.EventSDPAnswer:
		r.handleAnswer(conn, connCtx, env.Data)
	case protocol.EventICECandidate:
		r.handleCandidate(conn, connCtx, env.Data)
	case protocol.EventMediaToggle:
		r.handleMediaToggle(conn, connCtx, env.Data)
	}
}

func (r *Relay) handleInvite(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.CallInvite
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	callType := req.CallType
	if callType == "" {
		callType = protocol.CallTypeVideo
	}

	logger := conn.Logger()
	logger.Info().Str("call_type", callType).
		Str("session_id", connCtx.SessionID).Msg("call invite")

	r.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventIncomingCall, protocol.IncomingCall{
		SessionID:          connCtx.SessionID,
		CallerID:           connCtx.UserID,
		CallerName:         connCtx.User.Username,
		CallerConnectionID: conn.ID(),
		CallType:           callType,
	})
}

func (r *Relay) handleAccept(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.CallAccept
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	payload := protocol.CallAccepted{
		AcceptorID:           connCtx.UserID,
		AcceptorName:         connCtx.User.Username,
		AcceptorConnectionID: conn.ID(),
	}
	r.deliver(conn, connCtx, req.CallerConnectionID, protocol.EventCallAccepted, payload)
}

func (r *Relay) handleReject(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.CallReject
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	payload := protocol.CallRejected{
		RejectorID:   connCtx.UserID,
		RejectorName: connCtx.User.Username,
	}
	r.deliver(conn, connCtx, req.CallerConnectionID, protocol.EventCallRejected, payload)
}

func (r *Relay) handleEnd(conn *ws.Connection, connCtx *coordinator.ConnContext) {
	r.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventCallEnded, protocol.CallEnded{
		UserID: connCtx.UserID,
	})
}

func (r *Relay) handleOffer(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.SDPOffer
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	payload := protocol.SDPOffer{
		SessionID:          connCtx.SessionID,
		Offer:              req.Offer,
		CallerID:           connCtx.UserID,
		CallerConnectionID: conn.ID(),
	}
	r.deliver(conn, connCtx, req.TargetConnectionID, protocol.EventSDPOffer, payload)
}

func (r *Relay) handleAnswer(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.SDPAnswer
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	payload := protocol.SDPAnswer{
		SessionID:            connCtx.SessionID,
		Answer:               req.Answer,
		AnswererID:           connCtx.UserID,
		AnswererConnectionID: conn.ID(),
	}
	r.deliver(conn, connCtx, req.TargetConnectionID, protocol.EventSDPAnswer, payload)
}

func (r *Relay) handleCandidate(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.ICECandidate
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	payload := protocol.ICECandidate{
		SessionID:          connCtx.SessionID,
		Candidate:          req.Candidate,
		SenderID:           connCtx.UserID,
		SenderConnectionID: conn.ID(),
	}
	r.deliver(conn, connCtx, req.TargetConnectionID, protocol.EventICECandidate, payload)
}

func (r *Relay) handleMediaToggle(conn *ws.Connection, connCtx *coordinator.ConnContext, data json.RawMessage) {
	var req protocol.MediaToggle
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.Kind != protocol.MediaKindAudio && req.Kind != protocol.MediaKindVideo {
		return
	}

	r.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), protocol.EventMediaToggle, protocol.MediaToggle{
		SessionID: connCtx.SessionID,
		Kind:      req.Kind,
		Enabled:   req.Enabled,
		UserID:    connCtx.UserID,
	})
}

// deliver sends to the target connection when one is named, otherwise to
// every other session member. A vanished target is dropped silently.
func (r *Relay) deliver(conn *ws.Connection, connCtx *coordinator.ConnContext, target, event string, payload any) {
	if target != "" {
		r.registry.SendTo(target, event, payload)
		return
	}
	r.registry.BroadcastExcept(connCtx.SessionID, conn.ID(), event, payload)
}
