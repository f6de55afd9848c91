package chat

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// HistoryLimit is the window of recent messages delivered on join.
const HistoryLimit = 200

// MessageStore is the durable, ordered, room-keyed append log the hub
// writes through. *store.Store satisfies it; tests substitute fakes.
type MessageStore interface {
	Append(m Message) error
	Recent(room string, limit int) ([]Message, error)
}

// Sender receives server events for one connection. Implementations must
// not block; the websocket client buffers and sheds under backpressure.
type Sender interface {
	Push(ev ServerEvent)
}

// Hub drives the join/send/leave protocol. Events for one room run to
// completion under that room's lock, so membership changes, history
// loads, appends, and fan-outs are strictly serialized within a room
// while independent rooms proceed concurrently. A message is never
// broadcast before its append has completed.
type Hub struct {
	store MessageStore
	reg   *Registry

	mu    sync.Mutex
	rooms map[string]*room  // lock structs, kept for the process lifetime
	conns map[string]Sender // session id -> sender
}

type room struct {
	mu sync.Mutex
}

func NewHub(store MessageStore) *Hub {
	return &Hub{
		store: store,
		reg:   NewRegistry(),
		rooms: make(map[string]*room),
		conns: make(map[string]Sender),
	}
}

// Registry exposes the membership view backing the hub.
func (h *Hub) Registry() *Registry {
	return h.reg
}

// Connect registers a new unbound session for the given sender.
func (h *Hub) Connect(s Sender) Session {
	sess := h.reg.Connect()
	h.mu.Lock()
	h.conns[sess.ID] = s
	h.mu.Unlock()
	return sess
}

// Join rebinds the session to a room: deliver the recent history to the
// joining connection only, persist and broadcast the synthetic join
// message, then publish the roster. A re-join to a different room
// replaces the old binding silently; the old room sees no departure
// message.
func (h *Hub) Join(sessionID, username, roomName string) {
	// Lock the post-normalization room; Registry.Join repeats the same
	// deterministic normalization under its own lock.
	target := CleanRoom(roomName)
	r := h.room(target)
	r.mu.Lock()
	defer r.mu.Unlock()

	user, _, ok := h.reg.Join(sessionID, username, roomName)
	if !ok {
		return // connection already gone
	}

	if sender := h.sender(sessionID); sender != nil {
		hist, err := h.store.Recent(target, HistoryLimit)
		if err != nil {
			log.Error().Err(err).Str("room", target).Msg("load history")
			hist = nil
		}
		if hist == nil {
			hist = []Message{}
		}
		sender.Push(ServerEvent{Type: EventHistory, Messages: hist})
	}

	if h.emit(target, NewMessage(target, SystemUser, user+" joined "+target)) {
		h.publishRoster(target)
	}
}

// Send appends and broadcasts a user message. Empty-after-trim text is
// silently dropped. A send before any join is attributed to the lobby as
// "anon" without binding the session.
func (h *Hub) Send(sessionID, text string) {
	text = CleanText(text)
	if text == "" {
		return
	}
	sess, ok := h.reg.Lookup(sessionID)
	if !ok {
		return
	}
	user, roomName := sess.Username, sess.Room
	if roomName == "" {
		user, roomName = DefaultUser, DefaultRoom
	}

	r := h.room(roomName)
	r.mu.Lock()
	defer r.mu.Unlock()
	h.emit(roomName, NewMessage(roomName, user, text))
}

// Disconnect removes the session. For a joined session it persists and
// broadcasts the departure message and republishes the roster; a session
// that never joined leaves without a trace. The removal is verified
// against the registry under the room's lock and retried when a
// concurrent join has moved the binding, so the departure is always
// authored in the room the session actually left.
func (h *Hub) Disconnect(sessionID string) {
	for {
		sess, ok := h.reg.Lookup(sessionID)
		if !ok {
			h.dropSender(sessionID)
			return
		}
		if sess.Room == "" {
			if h.reg.DisconnectUnbound(sessionID) {
				h.dropSender(sessionID)
				return
			}
			continue // a join bound the session after the lookup
		}

		r := h.room(sess.Room)
		r.mu.Lock()
		user, ok := h.reg.DisconnectFrom(sessionID, sess.Room)
		if !ok {
			r.mu.Unlock()
			continue // rebound to another room after the lookup
		}
		h.dropSender(sessionID)
		if h.emit(sess.Room, NewMessage(sess.Room, SystemUser, user+" left "+sess.Room)) {
			h.publishRoster(sess.Room)
		}
		r.mu.Unlock()
		return
	}
}

// emit persists m and, only after the append has completed, fans it out
// to the room's current members. A persistence failure aborts the
// broadcast; the event is logged, never surfaced to clients.
func (h *Hub) emit(roomName string, m Message) bool {
	if err := h.store.Append(m); err != nil {
		log.Error().Err(err).Str("room", roomName).Str("user", m.User).Msg("append message")
		return false
	}
	h.broadcast(roomName, ServerEvent{Type: EventMessage, Message: &m})
	return true
}

func (h *Hub) broadcast(roomName string, ev ServerEvent) {
	for _, id := range h.reg.MembersOf(roomName) {
		if s := h.sender(id); s != nil {
			s.Push(ev)
		}
	}
}

// publishRoster recomputes the member list at publish time and delivers
// it to every current member.
func (h *Hub) publishRoster(roomName string) {
	h.broadcast(roomName, ServerEvent{Type: EventRoster, Users: h.reg.Roster(roomName)})
}

func (h *Hub) room(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[name]
	if r == nil {
		r = &room{}
		h.rooms[name] = r
	}
	return r
}

func (h *Hub) sender(sessionID string) Sender {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID]
}

func (h *Hub) dropSender(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sessionID)
}
