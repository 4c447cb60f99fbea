// Package relay implements the real-time core: the per-user connection
// registry and the per-session relay engine.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gitlab.com/privcomm/services/server/internal/metrics"
)

// DefaultCapacity is the process-wide cap on live sessions.
const DefaultCapacity = 10000

// ErrAtCapacity is returned by Connect when the registry is full. The caller
// closes the socket with code 1013.
var ErrAtCapacity = errors.New("server at capacity")

// Conn is the subset of *websocket.Conn the relay needs. Narrowed to an
// interface so sessions can be driven by fakes in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// LiveSession is the registry's handle to one open socket. Its mutex
// serializes writes to the socket; concurrent senders to the same recipient
// interleave whole frames, never bytes.
type LiveSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *LiveSession) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Registry maps user IDs to live sessions. At most one session per user
// exists at any instant; a newer connection displaces the old one.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*LiveSession
	capacity int
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

func NewRegistry(capacity int, logger zerolog.Logger, m *metrics.Registry) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*LiveSession),
		capacity: capacity,
		logger:   logger,
		metrics:  m,
	}
}

// Connect installs a session for the user. An existing session for the same
// user is closed and overwritten (newest wins); a full registry rejects the
// connection without displacing anyone.
func (r *Registry) Connect(userID uuid.UUID, conn Conn) (*LiveSession, error) {
	sess := &LiveSession{conn: conn}

	r.mu.Lock()
	displaced, ok := r.sessions[userID]
	if !ok && len(r.sessions) >= r.capacity {
		r.mu.Unlock()
		return nil, ErrAtCapacity
	}
	r.sessions[userID] = sess
	size := len(r.sessions)
	r.mu.Unlock()

	if displaced != nil {
		// Broken old sockets make this fail; the overwrite above already
		// removed them from routing.
		CloseWithStatus(displaced.conn, websocket.CloseNormalClosure, "session displaced by newer connection")
		_ = displaced.conn.Close()
	}

	r.metrics.ActiveSessions.Set(float64(size))
	r.logger.Info().Str("component", "registry").
		Str("user", redact(userID)).
		Bool("displaced", displaced != nil).
		Msg("User connected")
	return sess, nil
}

// Disconnect removes the user's entry if it still belongs to sess.
// Idempotent; a displaced session exiting late cannot evict its successor.
func (r *Registry) Disconnect(userID uuid.UUID, sess *LiveSession) {
	r.mu.Lock()
	cur, ok := r.sessions[userID]
	if ok && cur == sess {
		delete(r.sessions, userID)
	}
	size := len(r.sessions)
	r.mu.Unlock()

	if ok && cur == sess {
		r.metrics.ActiveSessions.Set(float64(size))
		r.logger.Info().Str("component", "registry").
			Str("user", redact(userID)).
			Msg("User disconnected")
	}
}

// Send delivers one frame to the user's live socket. Returns false when the
// user has no session or the write fails. The registry lock is released
// before the network write; only the session's own write mutex is held.
func (r *Registry) Send(userID uuid.UUID, message interface{}) bool {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	return sess.writeJSON(message) == nil
}

// Size reports the current number of live sessions.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseWithStatus sends a best-effort close frame before the socket is torn
// down, so clients see the close code.
func CloseWithStatus(conn Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func redact(userID uuid.UUID) string {
	return userID.String()[:8] + "..."
}
