// Package signaling provides ephemeral, token-protected pub/sub sessions
// used to exchange peer-to-peer setup messages. Sessions live in memory,
// expire on a TTL, and are torn down when their subscribers drain.
package signaling

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")

	// ErrUnauthorized is returned on a bad token.
	ErrUnauthorized = errors.New("invalid session token")

	// ErrConflict is returned when a session already has both peers
	// subscribed.
	ErrConflict = errors.New("session already has the maximum number of subscribers")
)

const (
	// tokenBytes gives 256 bits of entropy per bearer token.
	tokenBytes = 32

	// maxSubscribers bounds a session to its two peers.
	maxSubscribers = 2

	// signalBuffer is the per-subscriber channel capacity. Signals to a
	// full subscriber are dropped; the signaling loop is best-effort.
	signalBuffer = 16
)

// SessionInfo is returned to the creating client.
type SessionInfo struct {
	SessionID  string   `json:"sessionId"`
	Token      string   `json:"token"`
	ICEServers []string `json:"iceServers"`
	TTLSeconds int      `json:"ttlSeconds"`
}

// session states: Created, then Active on first subscribe, then Closed.
type session struct {
	id        string
	token     string
	createdAt time.Time
	expiry    *time.Timer

	mu          sync.Mutex
	active      bool
	closed      bool
	subscribers map[string]chan json.RawMessage
}

// Manager is the process-wide signaling session map.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	ttl        time.Duration
	iceServers []string
}

// NewManager creates a Manager with the given session TTL and the ICE
// configuration echoed to clients.
func NewManager(ttl time.Duration, iceServers []string) *Manager {
	return &Manager{
		sessions:   make(map[string]*session),
		ttl:        ttl,
		iceServers: iceServers,
	}
}

// Create allocates a session with a fresh bearer token and arms its TTL.
func (m *Manager) Create() (*SessionInfo, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	sess := &session{
		id:          uuid.New().String(),
		token:       token,
		createdAt:   time.Now(),
		subscribers: make(map[string]chan json.RawMessage),
	}
	sess.expiry = time.AfterFunc(m.ttl, func() {
		slog.Info("Signaling session expired", "session_id", sess.id)
		m.close(sess.id)
	})

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	slog.Info("Signaling session created", "session_id", sess.id, "ttl", m.ttl)
	return &SessionInfo{
		SessionID:  sess.id,
		Token:      token,
		ICEServers: m.iceServers,
		TTLSeconds: int(m.ttl.Seconds()),
	}, nil
}

// Subscribe attaches a peer to the session's signal stream. The returned
// function detaches it; when the last peer of an active session detaches,
// the session is closed. Auth runs on every operation.
func (m *Manager) Subscribe(id, token string) (<-chan json.RawMessage, func(), error) {
	sess, err := m.authorized(id, token)
	if err != nil {
		return nil, nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, nil, ErrNotFound
	}
	if len(sess.subscribers) >= maxSubscribers {
		return nil, nil, ErrConflict
	}

	subID := uuid.New().String()
	ch := make(chan json.RawMessage, signalBuffer)
	sess.subscribers[subID] = ch
	sess.active = true

	return ch, func() { m.unsubscribe(sess, subID) }, nil
}

// Signal fans a payload out to every live subscriber of the session.
func (m *Manager) Signal(id, token string, payload json.RawMessage) error {
	sess, err := m.authorized(id, token)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return ErrNotFound
	}
	for subID, ch := range sess.subscribers {
		select {
		case ch <- payload:
		default:
			slog.Warn("Dropping signal for slow subscriber",
				"session_id", id, "subscriber_id", subID)
		}
	}
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.close(id)
	}
}

// authorized looks the session up and verifies the bearer token with a
// constant-time compare. The compare runs even though tokens are
// random, with no short-circuit on length or prefix.
func (m *Manager) authorized(id, token string) (*session, error) {
	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	if sess == nil {
		return nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(sess.token)) != 1 {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// unsubscribe detaches one peer and closes the session when the last
// peer of an active session leaves.
func (m *Manager) unsubscribe(sess *session, subID string) {
	sess.mu.Lock()
	if ch, ok := sess.subscribers[subID]; ok {
		delete(sess.subscribers, subID)
		close(ch)
	}
	drained := sess.active && len(sess.subscribers) == 0 && !sess.closed
	sess.mu.Unlock()

	if drained {
		slog.Info("Signaling session drained", "session_id", sess.id)
		m.close(sess.id)
	}
}

// close removes the session and closes all remaining subscriber
// channels. Safe to call from the TTL timer, drain, and shutdown.
func (m *Manager) close(id string) {
	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if sess == nil {
		return
	}

	sess.expiry.Stop()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	for subID, ch := range sess.subscribers {
		delete(sess.subscribers, subID)
		close(ch)
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
