package bridge

import (
	"sync"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/waclient"
)

// client is the in-memory lifecycle state for one user. All fields behind mu;
// the manager never holds two client locks at once.
type client struct {
	userID string

	mu                   sync.Mutex
	state                domain.ConnState
	sess                 waclient.Session
	gen                  int // bumped on every session handoff; stale pumps check it
	qr                   *domain.QRCode
	info                 domain.ClientInfo
	chats                []domain.Chat
	chatsSynced          bool
	lastError            string
	lastConnectedAt      *time.Time
	lastDisconnectedAt   *time.Time
	lastDisconnectReason string
	requiresNewPairing   bool
	reconnectTimer       *time.Timer
}

func newClient(userID string, cachedChats []domain.Chat) *client {
	return &client{
		userID: userID,
		state:  domain.StateUninitialized,
		chats:  cachedChats,
	}
}

// installSessionLocked hands the live link over to a new session and returns
// the generation tag the new event pump must carry.
func (c *client) installSessionLocked(sess waclient.Session) int {
	c.gen++
	c.sess = sess
	c.qr = nil
	c.chatsSynced = false
	return c.gen
}

// dropSessionLocked detaches the current session, invalidating its pump, and
// returns it for closing outside the lock.
func (c *client) dropSessionLocked() waclient.Session {
	sess := c.sess
	c.sess = nil
	c.gen++
	return sess
}

func (c *client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// statusLocked renders the externally visible status. hasCreds comes from the
// store, which the caller checks outside the lock.
func (c *client) statusLocked(hasCreds bool) domain.SessionStatus {
	return domain.SessionStatus{
		UserID:               c.userID,
		State:                c.state,
		Connected:            c.state.Live() && c.sess != nil,
		HasSession:           hasCreds,
		QRAvailable:          c.qr != nil,
		ChatCount:            len(c.chats),
		LastConnectedAt:      c.lastConnectedAt,
		LastDisconnectedAt:   c.lastDisconnectedAt,
		LastDisconnectReason: c.lastDisconnectReason,
		RequiresNewPairing:   c.requiresNewPairing,
	}
}

// snapshotLocked renders the persistable slice of this client's state.
func (c *client) snapshotLocked(hasCreds bool) domain.SessionSnapshot {
	return domain.SessionSnapshot{
		State:                c.state,
		HasCredentials:       hasCreds,
		LastConnectedAt:      c.lastConnectedAt,
		LastDisconnectedAt:   c.lastDisconnectedAt,
		LastDisconnectReason: c.lastDisconnectReason,
		RequiresNewPairing:   c.requiresNewPairing,
		UpdatedAt:            time.Now().UTC(),
	}
}

func (c *client) chatsCopyLocked() []domain.Chat {
	out := make([]domain.Chat, len(c.chats))
	copy(out, c.chats)
	return out
}
