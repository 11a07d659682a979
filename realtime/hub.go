// Package realtime pushes row-change notifications to connected browsers so
// they can refetch instead of polling.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fanbase/metrics"
	"fanbase/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 16
)

type Event struct {
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription receives events for one user on a set of topics.
type Subscription struct {
	id     string
	userID string
	topics map[string]bool
	events chan Event
	hub    *Hub
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[string]*Subscription
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewHub(log *zap.Logger, allowedOrigins []string) *Hub {
	return &Hub{
		subs: make(map[string]map[string]*Subscription),
		log:  log.Named("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     utils.OriginChecker(allowedOrigins),
		},
	}
}

// Subscribe registers interest in topics for userID. No topics means all.
func (h *Hub) Subscribe(userID string, topics ...string) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		userID: userID,
		topics: make(map[string]bool, len(topics)),
		events: make(chan Event, sendBuffer),
		hub:    h,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[string]*Subscription)
	}
	h.subs[userID][sub.id] = sub
	h.mu.Unlock()

	metrics.RealtimeSubscribers.Inc()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byUser := h.subs[sub.userID]
	if _, ok := byUser[sub.id]; !ok {
		return
	}
	delete(byUser, sub.id)
	if len(byUser) == 0 {
		delete(h.subs, sub.userID)
	}
	close(sub.events)
	metrics.RealtimeSubscribers.Dec()
}

// Publish delivers an event to the user's subscribers without blocking; a
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(userID, topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("failed to encode event", zap.String("topic", topic), zap.Error(err))
		return
	}
	ev := Event{Topic: topic, Data: data, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[userID] {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			h.log.Debug("dropping event for slow subscriber", zap.String("user_id", userID), zap.String("topic", topic))
		}
	}
}

// Count returns the number of live subscriptions for userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// ServeWS upgrades the request and streams the user's events until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, topics []string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := h.Subscribe(userID, topics...)
	done := make(chan struct{})

	go h.readPump(conn, done)
	h.writePump(conn, sub, done)
}

func (h *Hub) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
