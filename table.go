package zssp

import (
	"sync"

	"github.com/opd-ai/zssp/packet"
)

// SessionTable stores sessions by their local session ID. NewSession and
// ReceiveContext.Receive add new sessions before their first datagram is
// sent, so replies always find them. The caller removes sessions when done.
type SessionTable interface {
	Lookup(id packet.SessionID) *Session
	Add(s *Session)
	Remove(id packet.SessionID)
}

// Table is a concurrency-safe SessionTable backed by a map.
type Table struct {
	mu       sync.RWMutex
	sessions map[packet.SessionID]*Session
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[packet.SessionID]*Session)}
}

// Lookup returns the session with the given local ID, or nil.
func (t *Table) Lookup(id packet.SessionID) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

// Add stores s under its local ID.
func (t *Table) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID()] = s
}

// Remove deletes the session with the given local ID.
func (t *Table) Remove(id packet.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sessions returns a snapshot of every session, for service loops.
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
