package mcp

import (
    "log"
    "sync"
    "time"

    "github.com/google/uuid"
)

// pushWait bounds how long Push will wait on a session whose buffer is
// full before dropping the event.
const pushWait = 500 * time.Millisecond

// Event is one downstream push on a session's SSE channel.
type Event struct {
    Name string
    Data string
}

// Session is the server side of one streaming client: a token plus the
// outbound channel its correlated responses are pushed on.
type Session struct {
    ID     string
    events chan Event
    done   chan struct{}
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

// SessionTable maps session tokens to their outbound channels, decoupling
// upstream request handling from downstream response delivery.
type SessionTable struct {
    mu       sync.Mutex
    sessions map[string]*Session
}

func NewSessionTable() *SessionTable {
    return &SessionTable{sessions: make(map[string]*Session)}
}

func (t *SessionTable) Open() *Session {
    s := &Session{
        ID:     uuid.NewString(),
        events: make(chan Event, 16),
        done:   make(chan struct{}),
    }
    t.mu.Lock()
    t.sessions[s.ID] = s
    t.mu.Unlock()
    return s
}

// Close releases the token and stops any further pushes. Idempotent.
func (t *SessionTable) Close(id string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    s, ok := t.sessions[id]
    if !ok {
        return
    }
    delete(t.sessions, id)
    close(s.done)
}

func (t *SessionTable) Get(id string) (*Session, bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    s, ok := t.sessions[id]
    return s, ok
}

// Push delivers ev to the session's downstream channel. Pushing to an
// unknown or torn-down session is a no-op, not an error. A session whose
// buffer stays full past pushWait has its event dropped so a stalled
// consumer cannot block the caller.
func (t *SessionTable) Push(id string, ev Event) bool {
    t.mu.Lock()
    s, ok := t.sessions[id]
    t.mu.Unlock()
    if !ok {
        return false
    }
    timer := time.NewTimer(pushWait)
    defer timer.Stop()
    select {
    case s.events <- ev:
        return true
    case <-s.done:
        return false
    case <-timer.C:
        log.Printf("MCP session %s not draining, dropping %s event", id, ev.Name)
        return false
    }
}
