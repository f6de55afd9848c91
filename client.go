package main

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// wsClient pumps one websocket connection and feeds its events to the hub.
type wsClient struct {
	sess   chat.Session
	conn   *websocket.Conn
	hub    *chat.Hub
	send   chan chat.ServerEvent
	closed atomic.Bool
}

func newWSClient(conn *websocket.Conn, hub *chat.Hub) *wsClient {
	c := &wsClient{
		conn: conn,
		hub:  hub,
		send: make(chan chat.ServerEvent, sendBufferSize),
	}
	c.sess = hub.Connect(c)
	return c
}

func (c *wsClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("session", c.sess.ID).Msg("read message")
			return
		}
		var msg chat.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Debug().Err(err).Str("session", c.sess.ID).Msg("bad client payload")
			continue
		}
		switch msg.Type {
		case chat.ActionJoin:
			c.hub.Join(c.sess.ID, msg.Username, msg.Room)
		case chat.ActionSend:
			c.hub.Send(c.sess.ID, msg.Text)
		default:
			log.Debug().Str("type", msg.Type).Msg("unknown client message type")
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("session", c.sess.ID).Msg("write json")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Push implements chat.Sender without blocking the hub.
func (c *wsClient) Push(ev chat.ServerEvent) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- ev:
	default:
		// drop oldest to avoid blocking
		select {
		case <-c.send:
		default:
		}
		c.send <- ev
	}
}

// close tears the connection down. Only the read loop calls it, so the
// hub sees the connection's joins, sends, and final disconnect in
// order, and no push can race the channel close: Disconnect drops the
// session's membership and sender under the room lock before send is
// closed.
func (c *wsClient) close() {
	if c.closed.Swap(true) {
		return
	}
	c.hub.Disconnect(c.sess.ID)
	close(c.send)
	_ = c.conn.Close()
}

// kick force-closes the transport; the read loop observes the error
// and runs the teardown.
func (c *wsClient) kick() {
	_ = c.conn.Close()
}
