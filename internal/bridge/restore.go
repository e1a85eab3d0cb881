package bridge

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/wabridge/internal/domain"
)

// Restore outcome vocabulary.
const (
	RestoreSuccess          = "success"
	RestoreError            = "error"
	RestoreSkippedSuspended = "skipped_suspended"
	RestoreCleaned          = "cleaned"
)

// RestoreOutcome records what happened to one user during a bulk pass.
type RestoreOutcome struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RestoreAll re-establishes sessions for every user with stored credentials,
// consulting the backend's active-user set to skip and purge suspended ones.
// Concurrent calls share a single pass.
func (m *Manager) RestoreAll(ctx context.Context) ([]RestoreOutcome, error) {
	v, err, shared := m.restoreGroup.Do("restore-all", func() (any, error) {
		return m.restoreAll(ctx), nil
	})
	if shared {
		slog.Info("Joined in-flight restore")
	}
	if err != nil {
		return nil, err
	}
	return v.([]RestoreOutcome), nil
}

func (m *Manager) restoreAll(ctx context.Context) []RestoreOutcome {
	runID := uuid.NewString()
	start := time.Now()
	slog.Info("Restore pass started", "run_id", runID)

	activeSet := m.fetchActiveSet(ctx, runID)
	if activeSet == nil {
		slog.Warn("Active user set unavailable, restoring every known session", "run_id", runID)
	} else {
		m.teardownStale(ctx, activeSet, runID)
	}

	candidates := m.restoreCandidates()
	slog.Info("Restore candidates collected", "run_id", runID, "count", len(candidates))

	outcomes := make([]RestoreOutcome, 0, len(candidates))
	for _, userID := range candidates {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, RestoreOutcome{UserID: userID, Status: RestoreError, Detail: err.Error()})
			continue
		}
		if activeSet != nil && !activeSet[userID] {
			slog.Info("Skipping suspended user", "run_id", runID, "user_id", userID)
			if err := m.Cleanup(ctx, userID); err != nil {
				slog.Warn("Cleanup of suspended user failed", "run_id", runID, "user_id", userID, "error", err)
			}
			outcomes = append(outcomes, RestoreOutcome{UserID: userID, Status: RestoreSkippedSuspended})
			continue
		}
		res, err := m.Initialize(ctx, userID, true)
		if err != nil {
			slog.Warn("Restore failed for user", "run_id", runID, "user_id", userID, "error", err)
			outcomes = append(outcomes, RestoreOutcome{UserID: userID, Status: RestoreError, Detail: err.Error()})
			continue
		}
		outcomes = append(outcomes, RestoreOutcome{UserID: userID, Status: RestoreSuccess, Detail: string(res.State)})
	}

	counts := make(map[string]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	slog.Info("Restore pass finished",
		"run_id", runID,
		"duration", time.Since(start).Round(time.Millisecond),
		"success", counts[RestoreSuccess],
		"errors", counts[RestoreError],
		"skipped", counts[RestoreSkippedSuspended],
	)
	return outcomes
}

// ReconcileStale purges every known user the backend no longer lists as
// active. Unlike a restore pass, an unavailable active set aborts the run:
// purging is destructive and must never fall back to guessing.
func (m *Manager) ReconcileStale(ctx context.Context) ([]RestoreOutcome, error) {
	v, err, _ := m.restoreGroup.Do("reconcile-stale", func() (any, error) {
		return m.reconcileStale(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]RestoreOutcome), nil
}

func (m *Manager) reconcileStale(ctx context.Context) ([]RestoreOutcome, error) {
	runID := uuid.NewString()
	slog.Info("Stale session reconciliation started", "run_id", runID)

	activeSet := m.fetchActiveSet(ctx, runID)
	if activeSet == nil {
		return nil, ErrActiveSetUnavailable
	}
	m.teardownStale(ctx, activeSet, runID)

	var outcomes []RestoreOutcome
	for _, userID := range m.knownUserIDs() {
		if activeSet[userID] {
			continue
		}
		if err := m.Cleanup(ctx, userID); err != nil {
			outcomes = append(outcomes, RestoreOutcome{UserID: userID, Status: RestoreError, Detail: err.Error()})
			continue
		}
		outcomes = append(outcomes, RestoreOutcome{UserID: userID, Status: RestoreCleaned})
	}
	slog.Info("Stale session reconciliation finished", "run_id", runID, "purged", len(outcomes))
	return outcomes, nil
}

// fetchActiveSet queries the backend for the active-user set, retrying with a
// linearly growing delay. Returns nil when the backend never answered, which
// callers treat as "unknown", not "empty".
func (m *Manager) fetchActiveSet(ctx context.Context, runID string) map[string]bool {
	attempts := m.cfg.ActiveUsersAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		ids, err := m.backend.ActiveUserIDs(ctx)
		if err == nil {
			set := make(map[string]bool, len(ids))
			for _, id := range ids {
				if id != "" {
					set[id] = true
				}
			}
			slog.Info("Active user set fetched", "run_id", runID, "count", len(set), "attempt", attempt)
			return set
		}
		slog.Warn("Active user query failed", "run_id", runID, "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}
		delay := time.Duration(attempt) * m.cfg.ActiveUsersRetryBase
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	return nil
}

// teardownStale drops live sessions for users missing from the active set.
// Their on-disk traces are handled by the caller's candidate loop.
func (m *Manager) teardownStale(ctx context.Context, activeSet map[string]bool, runID string) {
	m.mu.Lock()
	var stale []*client
	for id, c := range m.clients {
		if !activeSet[id] {
			stale = append(stale, c)
			delete(m.clients, id)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		slog.Info("Tearing down stale session", "run_id", runID, "user_id", c.userID)
		c.mu.Lock()
		c.stopReconnectTimerLocked()
		sess := c.dropSessionLocked()
		c.state = domain.StateTornDown
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close(ctx, "stale session")
		}
		if err := m.state.Delete(c.userID); err != nil {
			slog.Warn("Failed to remove state entry", "user_id", c.userID, "error", err)
		}
	}
}

// restoreCandidates lists every user worth restoring: anyone with stored
// credentials, whether or not they are already registered in memory.
func (m *Manager) restoreCandidates() []string {
	var out []string
	for _, id := range m.knownUserIDs() {
		if m.sessions.HasCredentials(id) {
			out = append(out, id)
		}
	}
	return out
}

// knownUserIDs is the union of on-disk sessions, the in-memory registry and
// state-file entries, sorted for deterministic passes.
func (m *Manager) knownUserIDs() []string {
	seen := make(map[string]bool)
	if ids, err := m.sessions.ListKnownUserIDs(); err != nil {
		slog.Warn("Failed to scan session folders", "error", err)
	} else {
		for _, id := range ids {
			seen[id] = true
		}
	}
	for _, id := range m.registeredIDs() {
		seen[id] = true
	}
	for id := range m.state.All() {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
