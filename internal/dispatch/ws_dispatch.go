package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected user. Writes are serialized per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the live session of every connected user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[int64]*WSSession)} }

// Add registers conn for userID, closing any session it replaces.
func (r *WSRegistry) Add(userID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	} else {
		observability.WSConnections.Inc()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

// Remove drops the session for userID if it still belongs to conn.
func (r *WSRegistry) Remove(userID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
		observability.WSConnections.Dec()
	}
}

func (r *WSRegistry) Push(userID int64, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}
