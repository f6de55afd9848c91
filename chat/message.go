package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SystemUser authors the synthetic join/leave messages.
const SystemUser = "system"

// Message is one immutable chat line. TS is milliseconds since epoch.
type Message struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	User string `json:"user"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// NewMessage stamps a fresh id and a monotonic timestamp. Inputs are
// expected to be normalized already.
func NewMessage(room, user, text string) Message {
	return Message{
		ID:   uuid.NewString(),
		Room: room,
		User: user,
		Text: text,
		TS:   nowMillis(),
	}
}

var (
	clockMu    sync.Mutex
	lastMillis int64
)

// nowMillis never goes backwards, so ascending retrieval within a room
// always shows non-decreasing timestamps even across wall-clock steps.
func nowMillis() int64 {
	clockMu.Lock()
	defer clockMu.Unlock()
	now := time.Now().UnixMilli()
	if now < lastMillis {
		now = lastMillis
	}
	lastMillis = now
	return now
}

// Client message types.
const (
	ActionJoin = "join"
	ActionSend = "send"
)

// Server event types.
const (
	EventHistory = "history"
	EventMessage = "message"
	EventRoster  = "roster"
)

// ClientMessage is the envelope received from websocket clients.
type ClientMessage struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ServerEvent is pushed to clients. Exactly one of Message, Messages, or
// Users is set, depending on Type.
type ServerEvent struct {
	Type     string    `json:"type"`
	Message  *Message  `json:"message,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Users    []string  `json:"users,omitempty"`
}
