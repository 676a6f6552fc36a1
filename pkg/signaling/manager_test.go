package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(ttl time.Duration) *Manager {
	return NewManager(ttl, []string{"stun:stun.example.org:3478"})
}

func TestManager_Create(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	assert.NotEmpty(t, info.SessionID)
	assert.Len(t, info.Token, 2*tokenBytes, "token is hex-encoded")
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, info.ICEServers)
	assert.Equal(t, 60, info.TTLSeconds)
	assert.Equal(t, 1, m.Count())
}

func TestManager_TokensAreUnique(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	a, err := m.Create()
	require.NoError(t, err)
	b, err := m.Create()
	require.NoError(t, err)

	assert.NotEqual(t, a.Token, b.Token)
	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestManager_SignalFansOutToSubscribers(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	ch1, unsub1, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	defer unsub1()
	ch2, unsub2, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	defer unsub2()

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, m.Signal(info.SessionID, info.Token, payload))

	assert.Equal(t, payload, <-ch1)
	assert.Equal(t, payload, <-ch2)
}

func TestManager_RejectsBadToken(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	_, _, err = m.Subscribe(info.SessionID, "wrong-token")
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = m.Signal(info.SessionID, "wrong-token", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestManager_UnknownSession(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	_, _, err := m.Subscribe("missing", "token")
	assert.ErrorIs(t, err, ErrNotFound)

	err = m.Signal("missing", "token", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ThirdSubscriberConflicts(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	_, unsub1, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	defer unsub1()
	_, unsub2, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	defer unsub2()

	_, _, err = m.Subscribe(info.SessionID, info.Token)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestManager_SessionExpiresOnTTL(t *testing.T) {
	m := newTestManager(30 * time.Millisecond)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	ch, _, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 10*time.Millisecond)

	_, open := <-ch
	assert.False(t, open, "expiry closes subscriber channels")

	err = m.Signal(info.SessionID, info.Token, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_DrainClosesActiveSession(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	_, unsub1, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	ch2, unsub2, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)

	unsub1()
	assert.Equal(t, 1, m.Count(), "one peer remains, session stays up")

	unsub2()
	assert.Equal(t, 0, m.Count(), "last peer leaving closes the session")

	_, open := <-ch2
	assert.False(t, open)

	// Detaching again must be a no-op.
	unsub2()
}

func TestManager_CreatedSessionSurvivesWithoutSubscribers(t *testing.T) {
	// A session nobody has joined yet only dies on TTL, never on drain.
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	_, unsub, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	unsub()

	// The session was active and drained, so it is gone now.
	assert.Equal(t, 0, m.Count())

	// But a fresh, never-joined session stays.
	_, err = m.Create()
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestManager_SlowSubscriberDropsSignals(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Shutdown()

	info, err := m.Create()
	require.NoError(t, err)

	ch, unsub, err := m.Subscribe(info.SessionID, info.Token)
	require.NoError(t, err)
	defer unsub()

	// Nobody reads; the buffer fills and the overflow is dropped
	// without blocking the sender.
	payload := json.RawMessage(`{}`)
	for i := 0; i < signalBuffer+5; i++ {
		require.NoError(t, m.Signal(info.SessionID, info.Token, payload))
	}
	assert.Len(t, ch, signalBuffer)
}

func TestManager_ShutdownClosesEverything(t *testing.T) {
	m := newTestManager(time.Minute)

	a, err := m.Create()
	require.NoError(t, err)
	_, err = m.Create()
	require.NoError(t, err)

	ch, _, err := m.Subscribe(a.SessionID, a.Token)
	require.NoError(t, err)

	m.Shutdown()

	assert.Equal(t, 0, m.Count())
	_, open := <-ch
	assert.False(t, open)
}
