package main

import (
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/models"
)

// viewerEvent is what browsers receive: either a full history or one
// finalized turn.
type viewerEvent struct {
	Type      string                  `json:"type"`
	SessionID string                  `json:"sessionId"`
	History   *models.HistorySnapshot `json:"history,omitempty"`
	Final     *models.TurnFinal       `json:"final,omitempty"`
}

// Hub keeps the latest snapshot per session and fans events out to viewers.
type Hub struct {
	mu      sync.RWMutex
	latest  map[string]models.HistorySnapshot
	clients map[*websocket.Conn]*sync.Mutex
	finals  int
}

func newHub() *Hub {
	return &Hub{
		latest:  make(map[string]models.HistorySnapshot),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Apply records ev and broadcasts it. Snapshots older than the stored one
// for the same session are ignored; Kafka only orders within a partition.
func (h *Hub) Apply(ev events.Event) {
	out := viewerEvent{Type: ev.Type, SessionID: ev.SessionID, History: ev.History, Final: ev.Final}

	h.mu.Lock()
	if ev.History != nil {
		if prev, ok := h.latest[ev.SessionID]; ok && prev.Timestamp > ev.History.Timestamp {
			h.mu.Unlock()
			return
		}
		h.latest[ev.SessionID] = *ev.History
	}
	if ev.Final != nil {
		h.finals++
		log.Info().
			Str("sessionId", ev.SessionID).
			Int64("turnId", ev.Final.Turn.TurnID).
			Str("uid", ev.Final.Turn.UID).
			Str("text", truncate(ev.Final.Turn.Text, 40)).
			Msg("Turn finalized")
	}
	clients := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, mu := range h.clients {
		clients[c] = mu
	}
	h.mu.Unlock()

	for conn, mu := range clients {
		mu.Lock()
		err := conn.WriteJSON(out)
		mu.Unlock()
		if err != nil {
			log.Debug().Err(err).Msg("Viewer write failed")
			h.Remove(conn)
		}
	}
}

// Sessions returns the latest snapshot of every session ordered by id.
func (h *Hub) Sessions() []models.HistorySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.HistorySnapshot, 0, len(h.latest))
	for _, s := range h.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Add registers a viewer and sends it every known session.
func (h *Hub) Add(conn *websocket.Conn) {
	mu := &sync.Mutex{}
	mu.Lock()
	defer mu.Unlock()

	h.mu.Lock()
	h.clients[conn] = mu
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("viewers", n).Msg("Viewer connected")

	for _, snap := range h.Sessions() {
		snap := snap
		if err := conn.WriteJSON(viewerEvent{Type: snap.EventType, SessionID: snap.SessionID, History: &snap}); err != nil {
			return
		}
	}
}

// Remove unregisters and closes a viewer. Idempotent.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		conn.Close()
		log.Info().Int("viewers", n).Msg("Viewer disconnected")
	}
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
