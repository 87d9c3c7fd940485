package protocol

// Event names carried in the envelope. One logical channel multiplexes
// document collaboration and call signaling, so the full set lives here.
const (
	// Client → server, document collaboration.
	EventJoin        = "join"
	EventEdit        = "edit"
	EventCursor      = "cursor"
	EventTyping      = "typing"
	EventLanguage    = "language"
	EventLeave       = "leave"
	EventSessionInfo = "session-info"
	EventPing        = "ping"

	// Server → client, document collaboration.
	EventJoined         = "joined"
	EventRoster         = "roster"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventEditApplied    = "edit-applied"
	EventEditAck        = "edit-ack"
	EventCursorUpdate   = "cursor-update"
	EventTypingUpdate   = "typing-update"
	EventLanguageUpdate = "language-update"
	EventPong           = "pong"
	EventError          = "error"

	// Call signaling. Offer/answer/candidate events share a name in both
	// directions; the relay rewrites the payload with sender attribution.
	EventCallInvite   = "call-invite"
	EventCallAccept   = "call-accept"
	EventCallReject   = "call-reject"
	EventCallEnd      = "call-end"
	EventIncomingCall = "incoming-call"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
	EventSDPOffer     = "sdp-offer"
	EventSDPAnswer    = "sdp-answer"
	EventICECandidate = "ice-candidate"
	EventMediaToggle  = "media-toggle"
)

// CallEvents lists every event the signaling relay routes. The coordinator
// uses this to hand such frames off without inspecting their payloads.
var CallEvents = map[string]bool{
	EventCallInvite:   true,
	EventCallAccept:   true,
	EventCallReject:   true,
	EventCallEnd:      true,
	EventSDPOffer:     true,
	EventSDPAnswer:    true,
	EventICECandidate: true,
	EventMediaToggle:  true,
}
