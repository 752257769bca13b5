package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("notify: no ws session")

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// WSSession represents one connected client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(envelope{Event: event, Payload: payload})
}

// WSRegistry holds live sessions keyed by user id and implements Notifier.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &WSSession{conn: conn}
}

// Remove drops the session if conn is still the registered one.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Notify(target, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[target]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(event, payload)
}
