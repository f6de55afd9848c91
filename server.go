package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/chat"
	"github.com/gosuda/roomchat/store"
)

// Server wires the REST API, the websocket endpoint, and the embedded UI.
type Server struct {
	name     string
	hub      *chat.Hub
	store    *store.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	wg      sync.WaitGroup
}

func NewServer(name string, hub *chat.Hub, st *store.Store) *Server {
	return &Server{
		name:  name,
		hub:   hub,
		store: st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Router builds the HTTP handler served both locally and over the relay.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/api/rooms", s.handleRooms)
	r.Get("/api/messages", s.handleMessages)
	r.Get("/api/export", s.handleExport)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct{ Name string }{Name: s.name})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"ok": true, "time": time.Now().UnixMilli()})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms, err := s.store.ListRooms()
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rooms)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	room := queryRoom(r)
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	msgs, err := s.store.Recent(room, limit)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("load messages")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, msgs)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	room := queryRoom(r)
	msgs, err := s.store.FullRange(room)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("export room")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	doc := struct {
		Room     string         `json:"room"`
		Count    int            `json:"count"`
		Messages []chat.Message `json:"messages"`
	}{Room: room, Count: len(msgs), Messages: msgs}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", room+"-history.json"))
	_, _ = w.Write(body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("upgrade websocket")
		return
	}
	c := newWSClient(conn, s.hub)
	s.track(c)
	defer s.untrack(c)
	go c.writeLoop()
	c.readLoop()
}

func (s *Server) track(c *wsClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
}

func (s *Server) untrack(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.wg.Done()
}

// closeAll force-closes all active websocket transports during
// shutdown; each read loop unwinds and disconnects its own session.
func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.kick()
	}
}

// wait blocks until every websocket handler has finished.
func (s *Server) wait() {
	s.wg.Wait()
}

func queryRoom(r *http.Request) string {
	room := r.URL.Query().Get("room")
	if room == "" {
		return chat.DefaultRoom
	}
	return room
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}
