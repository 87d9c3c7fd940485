package ws

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks live connections and their session group membership. It
// knows nothing about rosters or documents; groups exist only for fan-out.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connection id -> connection
	groups      map[string]map[string]*Connection // session id -> connection id -> connection
	sessionOf   map[string]string                 // connection id -> session id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]*Connection),
		sessionOf:   make(map[string]string),
	}
}

// Register adds a connection. It belongs to no group until JoinGroup.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes a connection from the registry and any group it joined.
// Idempotent; safe to call from every exit path.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromGroupLocked(conn.ID())
	delete(r.connections, conn.ID())
}

// JoinGroup moves a connection into a session group, leaving any previous
// group first. One connection is in at most one group.
func (r *Registry) JoinGroup(sessionID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromGroupLocked(conn.ID())

	group := r.groups[sessionID]
	if group == nil {
		group = make(map[string]*Connection)
		r.groups[sessionID] = group
	}
	group[conn.ID()] = conn
	r.sessionOf[conn.ID()] = sessionID
}

// LeaveGroup removes a connection from its current group, if any.
func (r *Registry) LeaveGroup(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromGroupLocked(conn.ID())
}

func (r *Registry) removeFromGroupLocked(connID string) {
	sessionID, ok := r.sessionOf[connID]
	if !ok {
		return
	}
	delete(r.sessionOf, connID)
	if group, ok := r.groups[sessionID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.groups, sessionID)
		}
	}
}

// Get returns a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// GroupOf returns the session a connection has joined.
func (r *Registry) GroupOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.sessionOf[connID]
	return sessionID, ok
}

// GroupMembers returns every connection in a session group.
func (r *Registry) GroupMembers(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.groups[sessionID]
	members := make([]*Connection, 0, len(group))
	for _, conn := range group {
		members = append(members, conn)
	}
	return members
}

// GroupSize returns the number of live connections in a session group.
func (r *Registry) GroupSize(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[sessionID])
}

// Broadcast sends an event to every member of a session group. A failed
// delivery is logged and skipped; one slow member never blocks the rest.
func (r *Registry) Broadcast(sessionID, event string, payload any) {
	for _, conn := range r.GroupMembers(sessionID) {
		if err := conn.Send(event, payload); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID()).
				Str("event", event).Msg("broadcast delivery failed")
		}
	}
}

// BroadcastExcept sends an event to every group member except one connection.
// This is the echo-suppression primitive: the sender never receives its own
// edit back.
func (r *Registry) BroadcastExcept(sessionID, exceptConnID, event string, payload any) {
	for _, conn := range r.GroupMembers(sessionID) {
		if conn.ID() == exceptConnID {
			continue
		}
		if err := conn.Send(event, payload); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID()).
				Str("event", event).Msg("broadcast delivery failed")
		}
	}
}

// SendTo delivers an event to a single connection by id. Missing targets are
// dropped silently; the relay offers no delivery guarantee beyond best-effort.
func (r *Registry) SendTo(connID, event string, payload any) {
	conn, ok := r.Get(connID)
	if !ok {
		log.Debug().Str("connection_id", connID).Str("event", event).
			Msg("target connection gone, dropping")
		return
	}
	if err := conn.Send(event, payload); err != nil {
		log.Debug().Err(err).Str("connection_id", connID).
			Str("event", event).Msg("targeted delivery failed")
	}
}

// Stats reports registry occupancy for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"connections": len(r.connections),
		"groups":      len(r.groups),
	}
}
