package chat

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Session binds one live connection to a username and, after the first
// join, a room. Callers get copies; the registry owns the live record.
type Session struct {
	ID       string
	Username string
	Room     string // empty until the first join
}

// Registry is the single source of truth for live sessions and room
// membership. The room index is mutated in the same critical section as
// the session's room field, so a session can never be observed in two
// rooms at once and roster readers see either the pre- or post-mutation
// membership, never a partial set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{} // room name -> session ids
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Connect records a new session with no room binding and returns it.
func (g *Registry) Connect() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := &Session{ID: uuid.NewString()}
	g.sessions[s.ID] = s
	return *s
}

// Join normalizes the declared username and room and rebinds the session
// atomically: the old room's membership entry disappears in the same step
// the new one appears. Malformed input is defaulted, never rejected.
// ok is false only when the session is already gone.
func (g *Registry) Join(id, username, room string) (cleanUser, cleanRoom string, ok bool) {
	cleanUser = CleanUsername(username)
	cleanRoom = CleanRoom(room)

	g.mu.Lock()
	defer g.mu.Unlock()
	s, found := g.sessions[id]
	if !found {
		return cleanUser, cleanRoom, false
	}
	if s.Room != "" {
		g.dropMember(s.Room, id)
	}
	s.Username = cleanUser
	s.Room = cleanRoom
	set := g.rooms[cleanRoom]
	if set == nil {
		set = make(map[string]struct{})
		g.rooms[cleanRoom] = set
	}
	set[id] = struct{}{}
	return cleanUser, cleanRoom, true
}

// DisconnectFrom removes the session only while it is still bound to
// room, reporting its username so the caller can author the departure
// system message. ok is false when the session is gone or a concurrent
// join has rebound it; the caller re-resolves the binding and retries.
func (g *Registry) DisconnectFrom(id, room string) (username string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, found := g.sessions[id]
	if !found || s.Room != room {
		return "", false
	}
	delete(g.sessions, id)
	g.dropMember(room, id)
	return s.Username, true
}

// DisconnectUnbound removes the session only while it has no room
// binding. It reports whether the session is gone afterwards; false
// means a join bound it in the meantime and the caller must retry.
func (g *Registry) DisconnectUnbound(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, found := g.sessions[id]
	if !found {
		return true
	}
	if s.Room != "" {
		return false
	}
	delete(g.sessions, id)
	return true
}

// dropMember must be called with mu held.
func (g *Registry) dropMember(room, id string) {
	set := g.rooms[room]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(g.rooms, room)
	}
}

// Lookup returns a copy of the session record.
func (g *Registry) Lookup(id string) (Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, found := g.sessions[id]
	if !found {
		return Session{}, false
	}
	return *s, true
}

// MembersOf returns the session ids currently bound to room. Any room
// name is a valid query; an unknown room simply has no members.
func (g *Registry) MembersOf(room string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.rooms[room]))
	for id := range g.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Roster maps the room's current members to usernames, one entry per
// connection, sorted for stable output. A membership entry whose session
// cannot be resolved falls back to "anon".
func (g *Registry) Roster(room string) []string {
	g.mu.RLock()
	users := make([]string, 0, len(g.rooms[room]))
	for id := range g.rooms[room] {
		name := DefaultUser
		if s, found := g.sessions[id]; found && s.Username != "" {
			name = s.Username
		}
		users = append(users, name)
	}
	g.mu.RUnlock()
	sort.Strings(users)
	return users
}
