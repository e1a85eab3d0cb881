package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
)

// StartHealthSweep launches the periodic background pass that revives dropped
// sessions and prunes the message archive. It returns immediately; the sweep
// stops when ctx is cancelled.
func (m *Manager) StartHealthSweep(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		slog.Info("Health sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Health sweep started", "interval", interval, "retention", retention)
		for {
			select {
			case <-ticker.C:
				m.sweepOnce(ctx, retention)
			case <-ctx.Done():
				slog.Info("Health sweep shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweepOnce kicks a reconnect for every credentialed user whose session is
// neither live nor already on a path back to live.
func (m *Manager) sweepOnce(ctx context.Context, retention time.Duration) {
	kicked := 0
	for _, userID := range m.restoreCandidates() {
		if ctx.Err() != nil {
			return
		}
		if m.onRecoveryPath(userID) {
			continue
		}
		slog.Info("Health sweep reviving session", "user_id", userID)
		kicked++
		go func(id string) {
			bgctx, cancel := context.WithTimeout(context.Background(), m.initBudget())
			defer cancel()
			if _, err := m.Initialize(bgctx, id, true); err != nil {
				slog.Warn("Health sweep revival failed", "user_id", id, "error", err)
			}
		}(userID)
	}
	if kicked > 0 {
		slog.Info("Health sweep pass complete", "revived", kicked)
	}

	if retention > 0 {
		cutoff := time.Now().Add(-retention)
		if n, err := m.archive.PruneOlderThan(ctx, cutoff); err != nil {
			slog.Error("Archive prune failed", "error", err)
		} else if n > 0 {
			slog.Info("Archive pruned", "messages", n, "cutoff", cutoff.Format(time.RFC3339))
		}
	}
}

// onRecoveryPath reports whether the user already has a live session, an
// in-flight initialization, or an armed reconnect timer.
func (m *Manager) onRecoveryPath(userID string) bool {
	c, ok := m.lookup(userID)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case domain.StateConnected, domain.StateAwaitingPairing, domain.StateInitializing, domain.StateReconnecting:
		return true
	}
	return c.reconnectTimer != nil
}
