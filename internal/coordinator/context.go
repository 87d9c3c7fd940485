package coordinator

import (
	"sync"

	"codepair/pkg/protocol"
)

// ConnContext is the server-held identity record for one live connection. It
// is set during join before any store I/O begins, so events racing the join
// are attributed correctly, and it is the trusted source for user and session
// ids on every later event. Payload-supplied ids are fallbacks only.
type ConnContext struct {
	ConnectionID string
	UserID       string
	SessionID    string
	User         protocol.User
}

type contextTable struct {
	mu       sync.RWMutex
	contexts map[string]*ConnContext // connection id -> context
}

func newContextTable() *contextTable {
	return &contextTable{contexts: make(map[string]*ConnContext)}
}

func (t *contextTable) set(ctx *ConnContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[ctx.ConnectionID] = ctx
}

func (t *contextTable) get(connID string) (*ConnContext, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.contexts[connID]
	return ctx, ok
}

func (t *contextTable) remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contexts, connID)
}
