package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/store"
	"github.com/ashureev/wabridge/internal/waclient"
)

// chatsPollInterval paces the bounded wait inside Chats.
const chatsPollInterval = 500 * time.Millisecond

// InitResult is what an initialize call resolves to once the session reaches
// a decisive stage (paired and connected, or waiting for a QR scan).
type InitResult struct {
	UserID      string           `json:"userId"`
	State       domain.ConnState `json:"state"`
	HasSession  bool             `json:"hasSession"`
	QRAvailable bool             `json:"qrAvailable"`
}

// Initialize brings the user's session up. preferExisting controls whether
// stored credentials are offered to the gateway; false forces a fresh pairing.
// Concurrent calls for the same user coalesce onto one attempt.
func (m *Manager) Initialize(ctx context.Context, userID string, preferExisting bool) (InitResult, error) {
	if err := store.ValidateUserID(userID); err != nil {
		return InitResult{}, err
	}
	v, err, shared := m.initGroup.Do(userID, func() (any, error) {
		return m.initialize(ctx, userID, preferExisting)
	})
	if shared {
		slog.Debug("Joined in-flight initialization", "user_id", userID)
	}
	if err != nil {
		return InitResult{}, err
	}
	return v.(InitResult), nil
}

func (m *Manager) initialize(ctx context.Context, userID string, preferExisting bool) (InitResult, error) {
	c := m.getOrCreateClient(userID)

	c.mu.Lock()
	if c.state == domain.StateConnected && c.sess != nil {
		res := m.resultLocked(c)
		c.mu.Unlock()
		slog.Debug("Session already connected", "user_id", userID)
		return res, nil
	}
	c.stopReconnectTimerLocked()
	c.state = domain.StateInitializing
	c.lastError = ""
	c.mu.Unlock()
	m.persistSnapshot(c)

	slog.Info("Initializing session", "user_id", userID, "prefer_existing", preferExisting)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.InitAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
			case <-time.After(m.cfg.InitRetryDelay):
			}
			if err := ctx.Err(); err != nil {
				lastErr = err
				break
			}
			if m.cfg.WipeOnFinalRetry && attempt == m.cfg.InitAttempts {
				slog.Warn("Wiping credentials before final attempt", "user_id", userID)
				if err := m.sessions.EraseSession(userID); err != nil {
					slog.Warn("Credential wipe failed", "user_id", userID, "error", err)
				}
			}
		}

		res, err := m.attemptConnect(ctx, c, preferExisting, attempt)
		if err == nil {
			m.persistSnapshot(c)
			return res, nil
		}
		lastErr = err
		slog.Warn("Session initialization attempt failed",
			"user_id", userID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	c.mu.Lock()
	c.lastError = lastErr.Error()
	c.state = domain.StateDisconnected
	c.mu.Unlock()
	m.persistSnapshot(c)
	return InitResult{}, fmt.Errorf("initialize user %s: %w", userID, lastErr)
}

// attemptConnect performs one dial and waits for the first decisive event.
// Credentials and chats that arrive during the handshake are absorbed so the
// gateway never has to replay them.
func (m *Manager) attemptConnect(ctx context.Context, c *client, preferExisting bool, attempt int) (InitResult, error) {
	userID := c.userID
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.InitAttemptTimeout)
	defer cancel()

	params := waclient.DialParams{UserID: userID, FreshPairing: !preferExisting}
	if preferExisting && m.sessions.HasCredentials(userID) {
		creds, err := m.sessions.ReadCredentials(userID)
		if err != nil {
			slog.Warn("Failed to read stored credentials", "user_id", userID, "error", err)
		} else {
			params.Credentials = creds
		}
	}

	sess, err := m.dialer.Dial(attemptCtx, params)
	if err != nil {
		return InitResult{}, fmt.Errorf("attempt %d: dial gateway: %w", attempt, err)
	}

	c.mu.Lock()
	gen := c.installSessionLocked(sess)
	c.mu.Unlock()

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				m.detachSession(c, gen)
				return InitResult{}, fmt.Errorf("attempt %d: connection closed during handshake", attempt)
			}
			switch e := ev.(type) {
			case waclient.QREvent:
				m.handleQR(c, gen, e)
				go m.pump(c, gen, sess)
				c.mu.Lock()
				res := m.resultLocked(c)
				c.mu.Unlock()
				return res, nil
			case waclient.ReadyEvent:
				m.handleReady(c, gen, e)
				go m.pump(c, gen, sess)
				c.mu.Lock()
				res := m.resultLocked(c)
				c.mu.Unlock()
				return res, nil
			case waclient.DisconnectedEvent:
				m.detachSession(c, gen)
				_ = sess.Close(context.Background(), e.Reason)
				if domain.IsLogoutReason(e.Reason) {
					c.mu.Lock()
					c.requiresNewPairing = true
					c.mu.Unlock()
				}
				return InitResult{}, fmt.Errorf("attempt %d: disconnected during handshake: %s", attempt, e.Reason)
			default:
				m.absorbEvent(c, gen, ev)
			}
		case <-attemptCtx.Done():
			m.detachSession(c, gen)
			_ = sess.Close(context.Background(), "initialization timeout")
			return InitResult{}, fmt.Errorf("attempt %d: %w after %s", attempt, ErrInitializeTimeout, m.cfg.InitAttemptTimeout)
		}
	}
}

func (m *Manager) resultLocked(c *client) InitResult {
	return InitResult{
		UserID:      c.userID,
		State:       c.state,
		HasSession:  m.sessions.HasCredentials(c.userID),
		QRAvailable: c.qr != nil,
	}
}

// detachSession drops the session from the client if the generation still
// matches, so a late pump cannot clobber a newer session's state.
func (m *Manager) detachSession(c *client, gen int) {
	c.mu.Lock()
	if c.gen == gen {
		c.sess = nil
	}
	c.mu.Unlock()
}

// pump consumes session events until the stream closes. A closed stream with
// no disconnect event still counts as a disconnect.
func (m *Manager) pump(c *client, gen int, sess waclient.Session) {
	sawDisconnect := false
	for ev := range sess.Events() {
		if _, ok := ev.(waclient.DisconnectedEvent); ok {
			sawDisconnect = true
		}
		if !m.absorbEvent(c, gen, ev) {
			return
		}
	}
	if !sawDisconnect {
		m.handleDisconnect(c, gen, "connection closed")
	}
}

// absorbEvent routes one event. Returns false when the client has moved on to
// a newer session and this pump should stop.
func (m *Manager) absorbEvent(c *client, gen int, ev waclient.Event) bool {
	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		return false
	}

	switch e := ev.(type) {
	case waclient.QREvent:
		m.handleQR(c, gen, e)
	case waclient.AuthenticatedEvent:
		c.mu.Lock()
		if c.gen == gen {
			c.qr = nil
		}
		c.mu.Unlock()
		slog.Info("Session authenticated", "user_id", c.userID)
	case waclient.ReadyEvent:
		m.handleReady(c, gen, e)
	case waclient.CredentialsEvent:
		m.handleCredentials(c, e)
	case waclient.ChatsEvent:
		m.handleChats(c, gen, e)
	case waclient.MessageEvent:
		m.handleMessage(c, e)
	case waclient.DisconnectedEvent:
		m.handleDisconnect(c, gen, e.Reason)
	}
	return true
}

func (m *Manager) handleQR(c *client, gen int, e waclient.QREvent) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateAwaitingPairing
	c.qr = &domain.QRCode{Code: e.Code, IssuedAt: time.Now().UTC()}
	c.mu.Unlock()
	slog.Info("QR code received", "user_id", c.userID)
	m.persistSnapshot(c)
}

func (m *Manager) handleReady(c *client, gen int, e waclient.ReadyEvent) {
	now := time.Now().UTC()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateConnected
	c.qr = nil
	c.info = e.Info
	c.lastConnectedAt = &now
	c.requiresNewPairing = false
	c.lastError = ""
	info := c.info
	c.mu.Unlock()

	slog.Info("Session connected", "user_id", c.userID, "push_name", info.PushName, "platform", info.Platform)
	m.persistSnapshot(c)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.backend.NotifyConnected(ctx, c.userID, info); err != nil {
			slog.Warn("Failed to notify backend of connection", "user_id", c.userID, "error", err)
		}
	}()
}

func (m *Manager) handleCredentials(c *client, e waclient.CredentialsEvent) {
	if len(e.Files) == 0 {
		return
	}
	if err := m.sessions.SaveCredentials(c.userID, e.Files); err != nil {
		slog.Error("Failed to save credentials", "user_id", c.userID, "error", err)
		return
	}
	slog.Debug("Credentials saved", "user_id", c.userID, "files", len(e.Files))
	m.persistSnapshot(c)
}

func (m *Manager) handleChats(c *client, gen int, e waclient.ChatsEvent) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.chats = domain.MergeChats(c.chats, e.Chats)
	c.chatsSynced = true
	merged := c.chatsCopyLocked()
	c.mu.Unlock()

	slog.Debug("Chat directory updated", "user_id", c.userID, "chats", len(merged))
	m.chatdir.Save(c.userID, merged)
}

func (m *Manager) handleMessage(c *client, e waclient.MessageEvent) {
	msg := e.Message
	if msg.MessageID == "" || msg.ChatID == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.ChatType == "" {
		msg.ChatType = domain.ChatTypePrivate
	}

	entry := domain.Chat{
		ID:                 msg.ChatID,
		Name:               msg.ChatName,
		IsGroup:            msg.ChatType == domain.ChatTypeGroup,
		LastMessagePreview: msg.Preview(),
	}
	c.mu.Lock()
	c.chats = domain.MergeChats(c.chats, []domain.Chat{entry})
	merged := c.chatsCopyLocked()
	c.mu.Unlock()
	m.chatdir.Save(c.userID, merged)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := m.archive.SaveMessage(ctx, msg); err != nil {
		slog.Warn("Failed to archive message", "user_id", msg.UserID, "message_id", msg.MessageID, "error", err)
	}
	cancel()

	if msg.FromMe {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.backend.SubmitMessage(ctx, msg); err != nil {
			slog.Warn("Failed to forward message", "user_id", msg.UserID, "message_id", msg.MessageID, "error", err)
		}
	}()
}

// handleDisconnect moves the client to disconnected, notifies the backend and
// decides whether a reconnect gets scheduled. Logouts never reconnect: the
// stored credentials are dead and only a new pairing can revive the session.
func (m *Manager) handleDisconnect(c *client, gen int, reason string) {
	now := time.Now().UTC()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.state == domain.StateDisconnected || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = domain.StateDisconnected
	c.qr = nil
	c.lastDisconnectedAt = &now
	c.lastDisconnectReason = reason
	logout := domain.IsLogoutReason(reason)
	if logout {
		c.requiresNewPairing = true
	}
	c.mu.Unlock()

	slog.Warn("Session disconnected", "user_id", c.userID, "reason", reason, "logout", logout)
	m.persistSnapshot(c)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.backend.NotifyDisconnected(ctx, c.userID); err != nil {
			slog.Warn("Failed to notify backend of disconnect", "user_id", c.userID, "error", err)
		}
	}()

	if logout {
		slog.Warn("Session logged out, waiting for a new pairing", "user_id", c.userID)
		return
	}
	m.scheduleReconnect(c, m.cfg.ReconnectDelay)
}

func (m *Manager) scheduleReconnect(c *client, delay time.Duration) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() { m.runReconnect(c.userID) })
	c.mu.Unlock()
	slog.Info("Reconnect scheduled", "user_id", c.userID, "delay", delay)
}

func (m *Manager) runReconnect(userID string) {
	c, ok := m.lookup(userID)
	if !ok {
		return
	}
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.state == domain.StateConnected || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateReconnecting
	c.mu.Unlock()

	slog.Info("Attempting reconnect", "user_id", userID)
	ctx, cancel := context.WithTimeout(context.Background(), m.initBudget())
	defer cancel()
	if _, err := m.Initialize(ctx, userID, true); err != nil {
		slog.Warn("Reconnect failed, rescheduling", "user_id", userID, "error", err)
		m.scheduleReconnect(c, m.cfg.ReconnectRetryDelay)
	}
}

// initBudget is the wall-clock ceiling for a full initialize cycle: every
// attempt, every inter-attempt delay, plus slack for teardown.
func (m *Manager) initBudget() time.Duration {
	per := m.cfg.InitAttemptTimeout + m.cfg.InitRetryDelay
	return time.Duration(m.cfg.InitAttempts)*per + 10*time.Second
}

// Disconnect tears down the live link without touching stored credentials.
// Suspension reasons escalate to a full cleanup instead.
func (m *Manager) Disconnect(ctx context.Context, userID, reason string) error {
	if err := store.ValidateUserID(userID); err != nil {
		return err
	}
	if reason == "" {
		reason = "disconnect requested"
	}
	if domain.IsSuspensionReason(reason) {
		slog.Info("Disconnect escalated to cleanup", "user_id", userID, "reason", reason)
		return m.Cleanup(ctx, userID)
	}

	c, ok := m.lookup(userID)
	if !ok {
		return ErrNoSession
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.stopReconnectTimerLocked()
	sess := c.dropSessionLocked()
	c.state = domain.StateDisconnected
	c.qr = nil
	c.lastDisconnectedAt = &now
	c.lastDisconnectReason = reason
	if domain.IsLogoutReason(reason) {
		c.requiresNewPairing = true
	}
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(ctx, reason); err != nil {
			slog.Debug("Session close reported error", "user_id", userID, "error", err)
		}
	}
	slog.Info("Session disconnected by request", "user_id", userID, "reason", reason)
	m.persistSnapshot(c)

	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.backend.NotifyDisconnected(nctx, userID); err != nil {
			slog.Warn("Failed to notify backend of disconnect", "user_id", userID, "error", err)
		}
	}()
	return nil
}

// Cleanup removes every trace of the user: live link, timers, credentials,
// chat cache, state entry and archived messages. Safe to repeat; a user that
// was never seen cleans up to nothing.
func (m *Manager) Cleanup(ctx context.Context, userID string) error {
	if err := store.ValidateUserID(userID); err != nil {
		return err
	}
	slog.Info("Cleaning up session", "user_id", userID)

	if c := m.removeClient(userID); c != nil {
		c.mu.Lock()
		c.stopReconnectTimerLocked()
		sess := c.dropSessionLocked()
		c.state = domain.StateTornDown
		c.qr = nil
		c.chats = nil
		c.mu.Unlock()
		if sess != nil {
			if err := sess.Close(ctx, "cleanup"); err != nil {
				slog.Debug("Session close reported error", "user_id", userID, "error", err)
			}
		}
	}

	eraseErr := m.sessions.EraseSession(userID)
	if eraseErr != nil {
		slog.Error("Failed to erase credentials", "user_id", userID, "error", eraseErr)
	}
	m.chatdir.Delete(userID)
	if err := m.state.Delete(userID); err != nil {
		slog.Warn("Failed to remove state entry", "user_id", userID, "error", err)
	}
	if n, err := m.archive.DeleteUserMessages(ctx, userID); err != nil {
		slog.Warn("Failed to purge archived messages", "user_id", userID, "error", err)
	} else if n > 0 {
		slog.Info("Purged archived messages", "user_id", userID, "count", n)
	}

	if eraseErr != nil {
		return fmt.Errorf("cleanup user %s: %w", userID, eraseErr)
	}
	return nil
}

// Restart is a full cleanup followed by a fresh pairing after a short settle.
func (m *Manager) Restart(ctx context.Context, userID string) (InitResult, error) {
	if err := store.ValidateUserID(userID); err != nil {
		return InitResult{}, err
	}
	slog.Info("Restarting session", "user_id", userID)
	if err := m.Cleanup(ctx, userID); err != nil {
		slog.Warn("Cleanup during restart failed, continuing", "user_id", userID, "error", err)
	}
	select {
	case <-ctx.Done():
		return InitResult{}, ctx.Err()
	case <-time.After(m.cfg.RestartDelay):
	}
	return m.Initialize(ctx, userID, true)
}

// Reconnect drops the live link and immediately re-initializes with a forced
// fresh pairing, for sessions stuck in a bad credential state.
func (m *Manager) Reconnect(ctx context.Context, userID, reason string) (InitResult, error) {
	if err := store.ValidateUserID(userID); err != nil {
		return InitResult{}, err
	}
	if reason == "" {
		reason = "reconnect requested"
	}
	if c, ok := m.lookup(userID); ok {
		c.mu.Lock()
		c.stopReconnectTimerLocked()
		sess := c.dropSessionLocked()
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close(ctx, reason)
		}
	}
	return m.Initialize(ctx, userID, false)
}

// Chats returns the user's chat directory, lazily starting the session from
// stored credentials when needed. The cached directory is preferred; a live
// fetch happens only when no cache exists at all.
func (m *Manager) Chats(ctx context.Context, userID string) ([]domain.Chat, error) {
	if err := store.ValidateUserID(userID); err != nil {
		return nil, err
	}

	if !m.liveFor(userID) {
		if !m.sessions.HasCredentials(userID) {
			return nil, ErrNoSession
		}
		slog.Info("Chat request for offline session, starting it", "user_id", userID)
		go func() {
			bgctx, cancel := context.WithTimeout(context.Background(), m.initBudget())
			defer cancel()
			if _, err := m.Initialize(bgctx, userID, true); err != nil {
				slog.Warn("Lazy session start failed", "user_id", userID, "error", err)
			}
		}()
	}

	deadline := time.Now().Add(m.cfg.ChatsWaitTimeout)
	for !m.liveFor(userID) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no connection after %s", ErrNotConnected, m.cfg.ChatsWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(chatsPollInterval):
		}
	}

	c, ok := m.lookup(userID)
	if !ok {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	cached := c.chatsCopyLocked()
	sess := c.sess
	c.mu.Unlock()
	if len(cached) > 0 {
		return cached, nil
	}

	if persisted := m.chatdir.Load(userID); len(persisted) > 0 {
		c.mu.Lock()
		if len(c.chats) == 0 {
			c.chats = persisted
		}
		cached = c.chatsCopyLocked()
		c.mu.Unlock()
		return cached, nil
	}

	if sess == nil {
		return nil, ErrNotConnected
	}
	if err := sess.RequestChats(ctx); err != nil {
		return nil, fmt.Errorf("request chat directory: %w", err)
	}
	for {
		c.mu.Lock()
		synced := c.chatsSynced
		cached = c.chatsCopyLocked()
		c.mu.Unlock()
		if synced || time.Now().After(deadline) {
			return cached, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(chatsPollInterval):
		}
	}
}

// liveFor reports whether the user currently has a connected session attached.
func (m *Manager) liveFor(userID string) bool {
	c, ok := m.lookup(userID)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Live() && c.sess != nil
}
