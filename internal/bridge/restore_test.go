package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/waclient"
)

func TestManager_RestoreAllRestoresActiveAndPurgesSuspended(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.seedCredentials(t, "user-1")
	rig.seedCredentials(t, "user-2")
	rig.notifier.activeIDs = []string{"user-1"}

	outcomes, err := rig.manager.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("RestoreAll failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].UserID != "user-1" || outcomes[0].Status != RestoreSuccess {
		t.Errorf("Expected user-1 to be restored, got %+v", outcomes[0])
	}
	if outcomes[1].UserID != "user-2" || outcomes[1].Status != RestoreSkippedSuspended {
		t.Errorf("Expected user-2 to be skipped, got %+v", outcomes[1])
	}

	if st := rig.manager.Status("user-1"); st.State != domain.StateConnected {
		t.Errorf("Expected user-1 connected, got %s", st.State)
	}
	if rig.sessions.HasCredentials("user-2") {
		t.Error("Expected the suspended user's credentials to be purged")
	}
	if got := rig.dialer.dialCount(); got != 1 {
		t.Errorf("Expected 1 dial, got %d", got)
	}
}

func TestManager_RestoreAllAssumesAllWhenBackendDown(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.seedCredentials(t, "user-1")
	rig.seedCredentials(t, "user-2")
	rig.notifier.activeErr = errors.New("backend unreachable")

	outcomes, err := rig.manager.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("RestoreAll failed: %v", err)
	}
	for _, o := range outcomes {
		if o.Status != RestoreSuccess {
			t.Errorf("Expected %s to be restored despite the degraded backend, got %s", o.UserID, o.Status)
		}
	}
	if got := rig.notifier.activeCallCount(); got != 3 {
		t.Errorf("Expected 3 active-user attempts, got %d", got)
	}
	if rig.sessions.HasCredentials("user-1") != true || rig.sessions.HasCredentials("user-2") != true {
		t.Error("Expected no credentials to be purged on a degraded pass")
	}
	if got := rig.dialer.dialCount(); got != 2 {
		t.Errorf("Expected both users dialed, got %d", got)
	}
}

func TestManager_RestoreAllCoalescesConcurrentPasses(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.seedCredentials(t, "user-1")
	rig.notifier.activeIDs = []string{"user-1"}

	// Slow the dial down so both calls overlap.
	rig.dialer.onDial = func(params waclient.DialParams, sess *fakeSession) {
		time.Sleep(50 * time.Millisecond)
		sess.emit(waclient.ReadyEvent{Info: domain.ClientInfo{PushName: "Tester"}})
	}

	var wg sync.WaitGroup
	results := make([][]RestoreOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := rig.manager.RestoreAll(ctx)
			if err != nil {
				t.Errorf("RestoreAll failed: %v", err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	if got := rig.dialer.dialCount(); got != 1 {
		t.Errorf("Expected concurrent passes to share one dial, got %d", got)
	}
	if len(results[0]) != 1 || len(results[1]) != 1 {
		t.Fatalf("Expected both callers to see one outcome, got %d and %d", len(results[0]), len(results[1]))
	}
}

func TestManager_ReconcileStaleRequiresActiveSet(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredentials(t, "user-1")
	rig.notifier.activeErr = errors.New("backend unreachable")

	if _, err := rig.manager.ReconcileStale(context.Background()); !errors.Is(err, ErrActiveSetUnavailable) {
		t.Fatalf("Expected ErrActiveSetUnavailable, got %v", err)
	}
	if !rig.sessions.HasCredentials("user-1") {
		t.Error("Expected nothing purged when the active set is unknown")
	}
}

func TestManager_ReconcileStalePurgesInactiveUsers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.seedCredentials(t, "user-1")
	rig.seedCredentials(t, "user-2")
	if _, err := rig.manager.Initialize(ctx, "user-2", true); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	rig.notifier.activeIDs = []string{"user-1"}

	outcomes, err := rig.manager.ReconcileStale(ctx)
	if err != nil {
		t.Fatalf("ReconcileStale failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].UserID != "user-2" || outcomes[0].Status != RestoreCleaned {
		t.Errorf("Expected user-2 to be cleaned, got %+v", outcomes[0])
	}

	if rig.sessions.HasCredentials("user-2") {
		t.Error("Expected user-2 credentials to be purged")
	}
	if !rig.sessions.HasCredentials("user-1") {
		t.Error("Expected user-1 to be untouched")
	}
	if st := rig.manager.Status("user-2"); st.State != domain.StateUninitialized {
		t.Errorf("Expected user-2 back to a clean slate, got %s", st.State)
	}
}

func TestManager_HealthSweepRevivesDroppedSessions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.seedCredentials(t, "user-1")

	rig.manager.sweepOnce(ctx, 0)
	waitFor(t, 2*time.Second, "session revival", func() bool {
		return rig.manager.Status("user-1").State == domain.StateConnected
	})
	if got := rig.dialer.dialCount(); got != 1 {
		t.Fatalf("Expected 1 dial, got %d", got)
	}

	// A healthy session is left alone on the next pass.
	rig.manager.sweepOnce(ctx, 0)
	time.Sleep(50 * time.Millisecond)
	if got := rig.dialer.dialCount(); got != 1 {
		t.Errorf("Expected no extra dial for a healthy session, got %d", got)
	}
}

func TestManager_HealthSweepPrunesArchive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.archive.mu.Lock()
	rig.archive.messages = []domain.Message{
		{UserID: "u", MessageID: "old", ChatID: "c", Timestamp: time.Now().Add(-2 * time.Hour)},
		{UserID: "u", MessageID: "new", ChatID: "c", Timestamp: time.Now()},
	}
	rig.archive.mu.Unlock()

	rig.manager.sweepOnce(ctx, time.Hour)

	if got := rig.archive.count(); got != 1 {
		t.Errorf("Expected the old message pruned, got %d left", got)
	}
}

func TestManager_HealthSummary(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredentials(t, "disk-user")
	if _, err := rig.manager.Initialize(context.Background(), "live-user", true); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	h := rig.manager.Health()
	if h.Status != "ok" {
		t.Errorf("Expected status ok, got %s", h.Status)
	}
	if h.Total != 2 {
		t.Errorf("Expected 2 sessions, got %d", h.Total)
	}
	if h.Sessions[string(domain.StateConnected)] != 1 {
		t.Errorf("Expected 1 connected session, got %d", h.Sessions[string(domain.StateConnected)])
	}
	if h.Sessions[string(domain.StateUninitialized)] != 1 {
		t.Errorf("Expected 1 uninitialized session, got %d", h.Sessions[string(domain.StateUninitialized)])
	}
}
