package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
)

func TestStateFile_PutAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := NewStateFile(path)
	if err != nil {
		t.Fatalf("NewStateFile: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	snap := domain.SessionSnapshot{
		State:           domain.StateConnected,
		HasCredentials:  true,
		LastConnectedAt: &now,
		UpdatedAt:       now,
	}
	if err := f.Put("42", snap); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A fresh instance must see what the first one wrote.
	reloaded, err := NewStateFile(path)
	if err != nil {
		t.Fatalf("NewStateFile reload: %v", err)
	}
	got, ok := reloaded.Snapshot("42")
	if !ok {
		t.Fatal("Expected snapshot for user 42 after reload")
	}
	if got.State != domain.StateConnected || !got.HasCredentials {
		t.Errorf("Unexpected snapshot %+v", got)
	}
	if got.LastConnectedAt == nil || !got.LastConnectedAt.Equal(now) {
		t.Errorf("Expected lastConnectedAt %v, got %v", now, got.LastConnectedAt)
	}
}

func TestStateFile_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f, err := NewStateFile(path)
	if err != nil {
		t.Fatalf("NewStateFile: %v", err)
	}

	if err := f.Delete("missing"); err != nil {
		t.Fatalf("Delete of absent user: %v", err)
	}

	if err := f.Put("7", domain.SessionSnapshot{State: domain.StateDisconnected, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := f.Delete("7"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.Snapshot("7"); ok {
		t.Error("Expected snapshot gone after delete")
	}

	reloaded, err := NewStateFile(path)
	if err != nil {
		t.Fatalf("NewStateFile reload: %v", err)
	}
	if _, ok := reloaded.Snapshot("7"); ok {
		t.Error("Expected delete to be persisted")
	}
}

func TestStateFile_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := NewStateFile(path)
	if err == nil {
		t.Error("Expected an error for a corrupt state file")
	}
	if f == nil {
		t.Fatal("Expected a usable state file despite the load error")
	}
	if len(f.All()) != 0 {
		t.Errorf("Expected empty state, got %v", f.All())
	}

	// The instance must still accept writes.
	if err := f.Put("42", domain.SessionSnapshot{State: domain.StateInitializing, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Put after corrupt load: %v", err)
	}
}
