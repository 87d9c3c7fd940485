package protocol

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Envelope is the frame exchanged on the session channel. Data holds the
// event-specific payload and is decoded by the receiving handler.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// User is the identity a client presents when joining. The server trusts it
// only at join time; afterwards the connection context is authoritative.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Position is a cursor location in the shared document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Participant is one roster entry. ConnectionID names the socket that owns
// the entry and is the removal key on disconnect.
type Participant struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Color        string    `json:"color"`
	Cursor       Position  `json:"cursor"`
	ConnectionID string    `json:"connectionId"`
	LastActive   time.Time `json:"lastActive"`
}

// Session is the durable document snapshot.
type Session struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	Code         string    `json:"code"`
	Language     string    `json:"language"`
	TotalEdits   int64     `json:"totalEdits"`
	LastModified time.Time `json:"lastModified"`
}

// JoinRequest asks to enter a session.
type JoinRequest struct {
	SessionID string `json:"sessionId"`
	User      User   `json:"user"`
}

// Joined acknowledges a join with the full current state. ConnectionID is the
// caller's own server-assigned id, needed for reliable self-echo filtering.
type Joined struct {
	SessionID    string        `json:"sessionId"`
	Title        string        `json:"title"`
	Code         string        `json:"code"`
	Language     string        `json:"language"`
	Participants []Participant `json:"participants"`
	ConnectionID string        `json:"connectionId"`
}

// EditRequest carries a full-text document replacement. Changes is the
// editor's opaque change set, relayed untouched. UserID is advisory; the
// server prefers the connection context.
type EditRequest struct {
	SessionID string          `json:"sessionId"`
	Code      string          `json:"code"`
	Changes   json.RawMessage `json:"changes,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// EditApplied is fanned out to every member except the author.
type EditApplied struct {
	SessionID    string          `json:"sessionId"`
	Code         string          `json:"code"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	UserID       string          `json:"userId"`
	ConnectionID string          `json:"connectionId"`
	Timestamp    int64           `json:"timestamp"`
}

// EditAck confirms to the author that the store accepted the edit.
type EditAck struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// CursorRequest reports the sender's cursor position.
type CursorRequest struct {
	SessionID string   `json:"sessionId"`
	Position  Position `json:"position"`
	UserID    string   `json:"userId,omitempty"`
}

// CursorUpdate relays a cursor position to the other members.
type CursorUpdate struct {
	UserID    string   `json:"userId"`
	Position  Position `json:"position"`
	Timestamp int64    `json:"timestamp"`
}

// TypingRequest toggles the sender's typing indicator.
type TypingRequest struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// TypingUpdate relays a typing indicator to the other members.
type TypingUpdate struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// LanguageRequest switches the session language.
type LanguageRequest struct {
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
}

// LanguageUpdate relays a language switch to the other members.
type LanguageUpdate struct {
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

// LeaveRequest leaves a session without closing the connection.
type LeaveRequest struct {
	SessionID string `json:"sessionId"`
}

// UserLeft notifies remaining members that a participant is gone.
type UserLeft struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// SessionInfoRequest asks for a lightweight snapshot, used by clients to
// decide whether a full resync is needed after a reconnect.
type SessionInfoRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionInfo is the read-only snapshot reply.
type SessionInfo struct {
	SessionID        string    `json:"sessionId"`
	ParticipantCount int       `json:"participantCount"`
	Language         string    `json:"language"`
	LastModified     time.Time `json:"lastModified"`
}

// Pong answers an application-level ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is the generic error surfaced to the requesting connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Call types carried by CallInvite.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

// CallInvite starts a call; broadcast to every other session member.
type CallInvite struct {
	SessionID string `json:"sessionId"`
	CallType  string `json:"callType,omitempty"`
}

// IncomingCall announces an invite to the callees.
type IncomingCall struct {
	SessionID          string `json:"sessionId"`
	CallerID           string `json:"callerId"`
	CallerName         string `json:"callerName"`
	CallerConnectionID string `json:"callerConnectionId"`
	CallType           string `json:"callType"`
}

// CallAccept accepts an invite, addressed at the caller's connection.
type CallAccept struct {
	SessionID          string `json:"sessionId"`
	CallerConnectionID string `json:"callerConnectionId,omitempty"`
}

// CallAccepted tells the caller who picked up. The caller, not the acceptor,
// creates the offer next.
type CallAccepted struct {
	AcceptorID           string `json:"acceptorId"`
	AcceptorName         string `json:"acceptorName"`
	AcceptorConnectionID string `json:"acceptorConnectionId"`
}

// CallReject declines an invite, addressed at the caller's connection.
type CallReject struct {
	SessionID          string `json:"sessionId"`
	CallerConnectionID string `json:"callerConnectionId,omitempty"`
}

// CallRejected tells the caller the invite was declined.
type CallRejected struct {
	RejectorID   string `json:"rejectorId"`
	RejectorName string `json:"rejectorName"`
}

// CallEnd hangs up; broadcast to the other session members.
type CallEnd struct {
	SessionID string `json:"sessionId"`
}

// CallEnded tells the peers a member hung up.
type CallEnded struct {
	UserID string `json:"userId"`
}

// SDPOffer carries an SDP offer. TargetConnectionID routes it to a single
// connection; empty means every other session member.
type SDPOffer struct {
	SessionID          string                    `json:"sessionId"`
	TargetConnectionID string                    `json:"targetConnectionId,omitempty"`
	Offer              webrtc.SessionDescription `json:"offer"`
	CallerID           string                    `json:"callerId,omitempty"`
	CallerConnectionID string                    `json:"callerConnectionId,omitempty"`
}

// SDPAnswer carries an SDP answer back to the offerer.
type SDPAnswer struct {
	SessionID            string                    `json:"sessionId"`
	TargetConnectionID   string                    `json:"targetConnectionId,omitempty"`
	Answer               webrtc.SessionDescription `json:"answer"`
	AnswererID           string                    `json:"answererId,omitempty"`
	AnswererConnectionID string                    `json:"answererConnectionId,omitempty"`
}

// ICECandidate carries one trickled candidate.
type ICECandidate struct {
	SessionID          string                  `json:"sessionId"`
	TargetConnectionID string                  `json:"targetConnectionId,omitempty"`
	Candidate          webrtc.ICECandidateInit `json:"candidate"`
	SenderID           string                  `json:"senderId,omitempty"`
	SenderConnectionID string                  `json:"senderConnectionId,omitempty"`
}

// Media kinds for MediaToggle.
const (
	MediaKindAudio = "audio"
	MediaKindVideo = "video"
)

// MediaToggle announces a mute/unmute or camera on/off change.
type MediaToggle struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Enabled   bool   `json:"enabled"`
	UserID    string `json:"userId,omitempty"`
}
