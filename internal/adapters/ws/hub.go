// Package ws is the room-scoped broadcast channel: every connection
// subscribes to one story room and receives the session's named events.
package ws

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Conn wraps one websocket with a buffered outbound queue. TrySend never
// blocks; a full queue is reported as backpressure and the frame dropped.
type Conn struct {
	id      domain.ConnID
	socket  *websocket.Conn
	send    chan []byte
	storyID domain.StoryID
	userID  domain.UserID

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.socket.Close()
	c.mu.Unlock()
}

// Hub tracks which connection subscribes to which story room.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*Conn
	rooms map[domain.StoryID]map[domain.ConnID]*Conn
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[domain.ConnID]*Conn),
		rooms: make(map[domain.StoryID]map[domain.ConnID]*Conn),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) subscribe(c *Conn, storyID domain.StoryID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev := c.storyID; prev != "" {
		if room, ok := h.rooms[prev]; ok {
			delete(room, c.id)
			if len(room) == 0 {
				delete(h.rooms, prev)
			}
		}
	}
	c.storyID = storyID
	room, ok := h.rooms[storyID]
	if !ok {
		room = make(map[domain.ConnID]*Conn)
		h.rooms[storyID] = room
	}
	room[c.id] = c
	log.Info().Str("module", "adapters.ws").Str("conn", string(c.id)).Str("story", string(storyID)).Msg("subscribed to room")
}

// remove unregisters the connection and reports which room it was in.
func (h *Hub) remove(c *Conn) (domain.StoryID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	storyID := c.storyID
	if storyID == "" {
		return "", false
	}
	if room, ok := h.rooms[storyID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, storyID)
		}
	}
	return storyID, true
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Broadcast fans one named event out to every subscriber of the story room.
func (h *Hub) Broadcast(storyID domain.StoryID, event string, payload any) {
	frame, err := json.Marshal(envelope{Type: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Str("event", event).Msg("marshal broadcast")
		return
	}
	h.mu.RLock()
	room := make([]*Conn, 0, len(h.rooms[storyID]))
	for _, c := range h.rooms[storyID] {
		room = append(room, c)
	}
	h.mu.RUnlock()

	for _, c := range room {
		if err := c.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "adapters.ws").Str("conn", string(c.id)).Str("event", event).Msg("dropped frame")
		}
	}
}

// SendTo targets a single connection.
func (h *Hub) SendTo(connID domain.ConnID, event string, payload any) {
	frame, err := json.Marshal(envelope{Type: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Str("event", event).Msg("marshal send")
		return
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Str("conn", string(connID)).Str("event", event).Msg("dropped frame")
	}
}
