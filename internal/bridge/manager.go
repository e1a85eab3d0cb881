// Package bridge coordinates the lifecycle of user sessions: connecting them
// through the gateway, keeping their state machine honest, relaying traffic to
// the backend, and restoring everything after a process restart.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/wabridge/internal/backend"
	"github.com/ashureev/wabridge/internal/chatdir"
	"github.com/ashureev/wabridge/internal/config"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/store"
	"github.com/ashureev/wabridge/internal/waclient"
)

var (
	ErrNoSession            = errors.New("no session for user")
	ErrNotConnected         = errors.New("session not connected")
	ErrQRNotAvailable       = errors.New("qr code not available")
	ErrInitializeTimeout    = errors.New("initialize timed out")
	ErrActiveSetUnavailable = errors.New("active user set unavailable")
)

// MessageArchive is the slice of the archive the manager needs.
type MessageArchive interface {
	SaveMessage(ctx context.Context, msg domain.Message) error
	RecentMessages(ctx context.Context, userID, chatID string, since time.Time, limit int) ([]domain.Message, error)
	DeleteUserMessages(ctx context.Context, userID string) (int64, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// notifyTimeout bounds fire-and-forget backend calls so a hung backend cannot
// pile up goroutines forever.
const notifyTimeout = 30 * time.Second

// Manager owns the per-user session registry and every lifecycle operation.
type Manager struct {
	cfg      config.LifecycleConfig
	dialer   waclient.Dialer
	sessions *store.SessionStore
	state    *store.StateFile
	chatdir  *chatdir.Cache
	archive  MessageArchive
	backend  backend.Notifier

	mu      sync.Mutex
	clients map[string]*client

	initGroup    singleflight.Group
	restoreGroup singleflight.Group
}

func NewManager(
	cfg config.LifecycleConfig,
	dialer waclient.Dialer,
	sessions *store.SessionStore,
	state *store.StateFile,
	chats *chatdir.Cache,
	arch MessageArchive,
	notifier backend.Notifier,
) *Manager {
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sessions: sessions,
		state:    state,
		chatdir:  chats,
		archive:  arch,
		backend:  notifier,
		clients:  make(map[string]*client),
	}
}

func (m *Manager) lookup(userID string) (*client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[userID]
	return c, ok
}

// getOrCreateClient registers the user in memory, seeding the chat directory
// from the persisted cache so it survives process restarts.
func (m *Manager) getOrCreateClient(userID string) *client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[userID]; ok {
		return c
	}
	c := newClient(userID, m.chatdir.Load(userID))
	m.clients[userID] = c
	return c
}

func (m *Manager) removeClient(userID string) *client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clients[userID]
	delete(m.clients, userID)
	return c
}

func (m *Manager) registeredIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// persistSnapshot writes the client's durable slice to the state file.
// Persistence failures are logged, never propagated: the state file is an
// optimization, the credential store is the source of truth.
func (m *Manager) persistSnapshot(c *client) {
	hasCreds := m.sessions.HasCredentials(c.userID)
	c.mu.Lock()
	snap := c.snapshotLocked(hasCreds)
	c.mu.Unlock()
	if err := m.state.Put(c.userID, snap); err != nil {
		slog.Warn("Failed to persist session state", "user_id", c.userID, "error", err)
	}
}

// Status reports the current lifecycle view for one user. Unknown users are
// reported as uninitialized rather than erroring so the endpoint can be polled
// before the first initialize.
func (m *Manager) Status(userID string) domain.SessionStatus {
	hasCreds := m.sessions.HasCredentials(userID)
	c, ok := m.lookup(userID)
	if !ok {
		return domain.SessionStatus{
			UserID:     userID,
			State:      domain.StateUninitialized,
			HasSession: hasCreds,
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(hasCreds)
}

// StatusAll lists every user the bridge knows about, in memory or on disk.
func (m *Manager) StatusAll() []domain.SessionStatus {
	seen := make(map[string]bool)
	for _, id := range m.registeredIDs() {
		seen[id] = true
	}
	if ids, err := m.sessions.ListKnownUserIDs(); err != nil {
		slog.Warn("Failed to scan session folders", "error", err)
	} else {
		for _, id := range ids {
			seen[id] = true
		}
	}
	out := make([]domain.SessionStatus, 0, len(seen))
	for id := range seen {
		out = append(out, m.Status(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// QR returns the latest pairing code for the user, or ErrQRNotAvailable when
// the session is past (or not yet at) the pairing stage.
func (m *Manager) QR(userID string) (domain.QRCode, error) {
	c, ok := m.lookup(userID)
	if !ok {
		return domain.QRCode{}, ErrQRNotAvailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qr == nil {
		return domain.QRCode{}, ErrQRNotAvailable
	}
	return *c.qr, nil
}

// Messages serves the archived message history for one chat.
func (m *Manager) Messages(ctx context.Context, userID, chatID string, since time.Time, limit int) ([]domain.Message, error) {
	if err := store.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return m.archive.RecentMessages(ctx, userID, chatID, since, limit)
}

// HealthSummary is the aggregate view served on the health endpoint.
type HealthSummary struct {
	Status   string         `json:"status"`
	Total    int            `json:"total"`
	Sessions map[string]int `json:"sessions"`
}

func (m *Manager) Health() HealthSummary {
	statuses := m.StatusAll()
	counts := make(map[string]int)
	for _, st := range statuses {
		counts[string(st.State)]++
	}
	return HealthSummary{
		Status:   "ok",
		Total:    len(statuses),
		Sessions: counts,
	}
}
