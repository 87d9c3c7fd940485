// Package client implements the collaboration session client: the edit-sync
// protocol against the session coordinator and the call state machine driven
// by the signaling relay.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codepair/pkg/protocol"
)

// TypingQuietPeriod is how long after the last edit the "stopped typing"
// signal fires. Every new edit resets the timer.
const TypingQuietPeriod = 2 * time.Second

// Handlers are the application callbacks for server events. All of them are
// optional and are invoked from the client's read goroutine.
type Handlers struct {
	OnRoster       func(participants []protocol.Participant)
	OnUserJoined   func(p protocol.Participant)
	OnUserLeft     func(u protocol.UserLeft)
	OnRemoteEdit   func(e protocol.EditApplied)
	OnCursor       func(u protocol.CursorUpdate)
	OnTyping       func(u protocol.TypingUpdate)
	OnLanguage     func(u protocol.LanguageUpdate)
	OnSessionInfo  func(info protocol.SessionInfo)
	OnServerError  func(message string)
	OnDisconnected func(err error)
}

// Client is a session participant: it maintains the local document text,
// applies remote edits, suppresses the echo of its own edits, and hosts the
// call state machine sharing the same channel.
type Client struct {
	url  string
	user protocol.User
	log  zerolog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	sessionID    string
	connectionID string
	joined       bool
	joinedCh     chan error

	text         string
	language     string
	participants []protocol.Participant

	// Guards programmatic text replacement so the editor's own change
	// notification does not re-enter the submit path.
	applyingRemote bool

	typingTimer *time.Timer
	typingQuiet time.Duration

	handlers Handlers
	call     *Call
}

// New creates a client for the given WebSocket URL and identity. Handlers
// may be zero-valued.
func New(url string, user protocol.User, handlers Handlers) *Client {
	c := &Client{
		url:         url,
		user:        user,
		handlers:    handlers,
		typingQuiet: TypingQuietPeriod,
		log:         log.With().Str("user_id", user.ID).Logger(),
	}
	c.call = newCall(c)
	return c
}

// SetTypingQuietPeriod overrides how long after the last edit the stopped
// typing signal fires.
func (c *Client) SetTypingQuietPeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.typingQuiet = d
	}
}

// Call returns the client's call state machine.
func (c *Client) Call() *Call { return c.call }

// Connect dials the server and starts the read loop. It does not join a
// session; call Join next.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.joined = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Join performs the join handshake and blocks until the server acknowledges
// or ctx expires. The acknowledgment carries the full document, the roster,
// and this client's own connection id.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.sessionID = sessionID
	c.joined = false
	joinedCh := make(chan error, 1)
	c.joinedCh = joinedCh
	c.mu.Unlock()

	if err := c.send(protocol.EventJoin, protocol.JoinRequest{
		SessionID: sessionID,
		User:      c.user,
	}); err != nil {
		return err
	}

	select {
	case err := <-joinedCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect re-dials and re-joins the current session. The joined ack
// replaces the local text and roster wholesale; nothing typed during the
// outage is merged back.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotJoined
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Join(ctx, sessionID)
}

// HandleLocalChange is the entry point for the editor widget's change
// notification. Changes made while a remote edit is being applied are the
// echo of SetText and are ignored. Edits before the join handshake completes
// are dropped, not queued, and the drop is reported to the caller.
func (c *Client) HandleLocalChange(newText string, changes json.RawMessage, timestamp int64) error {
	c.mu.Lock()
	if c.applyingRemote {
		c.mu.Unlock()
		return nil
	}
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.text = newText
	sessionID := c.sessionID
	c.mu.Unlock()

	if err := c.send(protocol.EventEdit, protocol.EditRequest{
		SessionID: sessionID,
		Code:      newText,
		Changes:   changes,
		UserID:    c.user.ID,
		Timestamp: timestamp,
	}); err != nil {
		return err
	}

	c.signalTyping(sessionID)
	return nil
}

// signalTyping emits a typing indicator and schedules the stop signal after
// the quiet period, resetting the timer on every new edit.
func (c *Client) signalTyping(sessionID string) {
	_ = c.send(protocol.EventTyping, protocol.TypingRequest{SessionID: sessionID, IsTyping: true})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingQuiet, func() {
		_ = c.send(protocol.EventTyping, protocol.TypingRequest{SessionID: sessionID, IsTyping: false})
	})
}

// MoveCursor reports the local cursor position. Best-effort.
func (c *Client) MoveCursor(pos protocol.Position) error {
	sessionID, ok := c.currentSession()
	if !ok {
		return ErrNotJoined
	}
	return c.send(protocol.EventCursor, protocol.CursorRequest{
		SessionID: sessionID,
		Position:  pos,
		UserID:    c.user.ID,
	})
}

// ChangeLanguage switches the session language for everyone.
func (c *Client) ChangeLanguage(language string) error {
	sessionID, ok := c.currentSession()
	if !ok {
		return ErrNotJoined
	}
	c.mu.Lock()
	c.language = language
	c.mu.Unlock()
	return c.send(protocol.EventLanguage, protocol.LanguageRequest{
		SessionID: sessionID,
		Language:  language,
	})
}

// RequestSessionInfo asks for the lightweight snapshot used to decide
// whether a full resync is warranted.
func (c *Client) RequestSessionInfo() error {
	sessionID, ok := c.currentSession()
	if !ok {
		return ErrNotJoined
	}
	return c.send(protocol.EventSessionInfo, protocol.SessionInfoRequest{SessionID: sessionID})
}

// Leave exits the session without closing the connection.
func (c *Client) Leave() error {
	sessionID, ok := c.currentSession()
	if !ok {
		return ErrNotJoined
	}
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	return c.send(protocol.EventLeave, protocol.LeaveRequest{SessionID: sessionID})
}

// Close tears down the call, if any, and closes the connection.
func (c *Client) Close() error {
	c.call.teardownAndIdle()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Text returns the local document text.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Language returns the current session language.
func (c *Client) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Participants returns the last roster received from the server.
func (c *Client) Participants() []protocol.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// ConnectionID returns the server-assigned connection id from the join ack.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Joined reports whether the join handshake for the current session has
// completed.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) currentSession() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return "", false
	}
	return c.sessionID, true
}

func (c *Client) send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.joined = false
			}
			c.mu.Unlock()
			if c.handlers.OnDisconnected != nil {
				c.handlers.OnDisconnected(err)
			}
			return
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoined:
		c.onJoined(env.Data)
	case protocol.EventRoster:
		c.onRoster(env.Data)
	case protocol.EventUserJoined:
		c.onUserJoined(env.Data)
	case protocol.EventUserLeft:
		c.onUserLeft(env.Data)
	case protocol.EventEditApplied:
		c.onEditApplied(env.Data)
	case protocol.EventEditAck:
		// The ack confirms persistence; nothing to update locally.
	case protocol.EventCursorUpdate:
		c.onCursorUpdate(env.Data)
	case protocol.EventTypingUpdate:
		c.onTypingUpdate(env.Data)
	case protocol.EventLanguageUpdate:
		c.onLanguageUpdate(env.Data)
	case protocol.EventSessionInfo:
		c.onSessionInfo(env.Data)
	case protocol.EventPong:
		// Transport health only.
	case protocol.EventError:
		c.onServerError(env.Data)
	case protocol.EventIncomingCall,
		protocol.EventCallAccepted,
		protocol.EventCallRejected,
		protocol.EventCallEnded,
		protocol.EventSDPOffer,
		protocol.EventSDPAnswer,
		protocol.EventICECandidate,
		protocol.EventMediaToggle:
		c.call.dispatch(env)
	default:
		c.log.Debug().Str("event", env.Event).Msg("unhandled event")
	}
}

func (c *Client) onJoined(data json.RawMessage) {
	var joined protocol.Joined
	if err := json.Unmarshal(data, &joined); err != nil {
		return
	}

	// Wholesale replacement: last writer wins at the client level too.
	c.mu.Lock()
	c.connectionID = joined.ConnectionID
	c.text = joined.Code
	c.language = joined.Language
	c.participants = joined.Participants
	c.joined = true
	joinedCh := c.joinedCh
	c.joinedCh = nil
	c.mu.Unlock()

	if joinedCh != nil {
		joinedCh <- nil
	}
	if c.handlers.OnRoster != nil {
		c.handlers.OnRoster(joined.Participants)
	}
}

func (c *Client) onRoster(data json.RawMessage) {
	var roster []protocol.Participant
	if err := json.Unmarshal(data, &roster); err != nil {
		return
	}
	c.mu.Lock()
	c.participants = roster
	c.mu.Unlock()
	if c.handlers.OnRoster != nil {
		c.handlers.OnRoster(roster)
	}
}

func (c *Client) onUserJoined(data json.RawMessage) {
	var p protocol.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if c.handlers.OnUserJoined != nil {
		c.handlers.OnUserJoined(p)
	}
}

func (c *Client) onUserLeft(data json.RawMessage) {
	var u protocol.UserLeft
	if err := json.Unmarshal(data, &u); err != nil {
		return
	}
	if c.handlers.OnUserLeft != nil {
		c.handlers.OnUserLeft(u)
	}
}

func (c *Client) onEditApplied(data json.RawMessage) {
	var edit protocol.EditApplied
	if err := json.Unmarshal(data, &edit); err != nil {
		return
	}

	// The server excludes the sender from the fan-out, but a duplicate socket
	// or a late frame can still echo; filter on our own connection id, and on
	// identity when the connection id is absent.
	c.mu.Lock()
	own := (edit.ConnectionID != "" && edit.ConnectionID == c.connectionID) ||
		(edit.ConnectionID == "" && edit.UserID == c.user.ID)
	if own {
		c.mu.Unlock()
		return
	}
	// The guard stays up through the handler: when the application pushes the
	// text into its editor widget, the widget's change notification re-enters
	// HandleLocalChange synchronously and must not be resubmitted.
	c.applyingRemote = true
	c.text = edit.Code
	c.mu.Unlock()

	if c.handlers.OnRemoteEdit != nil {
		c.handlers.OnRemoteEdit(edit)
	}

	c.mu.Lock()
	c.applyingRemote = false
	c.mu.Unlock()
}

func (c *Client) onCursorUpdate(data json.RawMessage) {
	var u protocol.CursorUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return
	}
	if c.handlers.OnCursor != nil {
		c.handlers.OnCursor(u)
	}
}

func (c *Client) onTypingUpdate(data json.RawMessage) {
	var u protocol.TypingUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return
	}
	if c.handlers.OnTyping != nil {
		c.handlers.OnTyping(u)
	}
}

func (c *Client) onLanguageUpdate(data json.RawMessage) {
	var u protocol.LanguageUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return
	}
	c.mu.Lock()
	c.language = u.Language
	c.mu.Unlock()
	if c.handlers.OnLanguage != nil {
		c.handlers.OnLanguage(u)
	}
}

func (c *Client) onSessionInfo(data json.RawMessage) {
	var info protocol.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return
	}
	if c.handlers.OnSessionInfo != nil {
		c.handlers.OnSessionInfo(info)
	}
}

func (c *Client) onServerError(data json.RawMessage) {
	var e protocol.ErrorPayload
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}

	c.mu.Lock()
	joinedCh := c.joinedCh
	c.joinedCh = nil
	c.mu.Unlock()
	if joinedCh != nil {
		joinedCh <- ErrJoinFailed
		return
	}

	c.log.Warn().Str("message", e.Message).Msg("server error")
	if c.handlers.OnServerError != nil {
		c.handlers.OnServerError(e.Message)
	}
}
