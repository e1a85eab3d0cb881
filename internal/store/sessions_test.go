package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/wabridge/internal/domain"
)

func TestSessionStore_HasCredentialsHeuristic(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	if s.HasCredentials("42") {
		t.Error("Expected no credentials for unknown user")
	}

	// One file is not enough to count as a restorable session.
	if err := s.SaveCredentials("42", []domain.CredentialFile{{Name: "creds.json", Data: []byte("{}")}}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if s.HasCredentials("42") {
		t.Error("Expected single file not to count as credentials")
	}

	if err := s.SaveCredentials("42", []domain.CredentialFile{{Name: "keys.json", Data: []byte("{}")}}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if !s.HasCredentials("42") {
		t.Error("Expected two files to count as credentials")
	}
}

func TestSessionStore_ReadCredentials(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	files, err := s.ReadCredentials("7")
	if err != nil {
		t.Fatalf("ReadCredentials on missing folder: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("Expected no files, got %d", len(files))
	}

	want := []domain.CredentialFile{
		{Name: "creds.json", Data: []byte(`{"token":"abc"}`)},
		{Name: "keys.json", Data: []byte(`{"k":1}`)},
	}
	if err := s.SaveCredentials("7", want); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	files, err = s.ReadCredentials("7")
	if err != nil {
		t.Fatalf("ReadCredentials: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(files))
	}
	byName := map[string]string{}
	for _, f := range files {
		byName[f.Name] = string(f.Data)
	}
	if byName["creds.json"] != `{"token":"abc"}` {
		t.Errorf("Unexpected creds.json content %q", byName["creds.json"])
	}
}

func TestSessionStore_EraseSession(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	// Erasing a session that never existed must be a no-op.
	if err := s.EraseSession("404"); err != nil {
		t.Fatalf("EraseSession on missing folder: %v", err)
	}

	files := []domain.CredentialFile{
		{Name: "creds.json", Data: []byte("{}")},
		{Name: "keys.json", Data: []byte("{}")},
	}
	if err := s.SaveCredentials("9", files); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if err := s.EraseSession("9"); err != nil {
		t.Fatalf("EraseSession: %v", err)
	}
	if _, err := os.Stat(s.Dir("9")); !os.IsNotExist(err) {
		t.Error("Expected session folder to be gone")
	}
	if s.HasCredentials("9") {
		t.Error("Expected no credentials after erase")
	}

	// Second erase stays a no-op.
	if err := s.EraseSession("9"); err != nil {
		t.Fatalf("EraseSession repeat: %v", err)
	}
}

func TestSessionStore_EraseReadOnlyArtifacts(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := s.SaveCredentials("11", []domain.CredentialFile{
		{Name: "creds.json", Data: []byte("{}")},
		{Name: "lock", Data: []byte("x")},
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	// Simulate the read-only droppings some client libraries leave behind.
	if err := os.Chmod(filepath.Join(s.Dir("11"), "lock"), 0o400); err != nil {
		t.Fatalf("Chmod: %v", err)
	}

	if err := s.EraseSession("11"); err != nil {
		t.Fatalf("EraseSession: %v", err)
	}
	if _, err := os.Stat(s.Dir("11")); !os.IsNotExist(err) {
		t.Error("Expected session folder to be gone")
	}
}

func TestSessionStore_ListKnownUserIDs(t *testing.T) {
	root := t.TempDir()
	s, err := NewSessionStore(root)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	for _, id := range []string{"7", "42", "3"} {
		if err := s.SaveCredentials(id, []domain.CredentialFile{{Name: "creds.json", Data: []byte("{}")}}); err != nil {
			t.Fatalf("SaveCredentials(%s): %v", id, err)
		}
	}
	// Stray entries in the root must not be reported as users.
	if err := os.WriteFile(filepath.Join(root, "chats-42.json"), []byte("[]"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "not-a-session"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	ids, err := s.ListKnownUserIDs()
	if err != nil {
		t.Fatalf("ListKnownUserIDs: %v", err)
	}
	want := []string{"3", "42", "7"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, ids)
		}
	}
}

func TestSessionStore_RejectsUnsafeIDs(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	for _, id := range []string{"", "../evil", "a/b", `a\b`} {
		if err := s.SaveCredentials(id, []domain.CredentialFile{{Name: "creds.json"}}); err == nil {
			t.Errorf("Expected SaveCredentials to reject user ID %q", id)
		}
		if s.HasCredentials(id) {
			t.Errorf("Expected HasCredentials false for user ID %q", id)
		}
	}

	if err := s.SaveCredentials("42", []domain.CredentialFile{{Name: "../escape", Data: []byte("x")}}); err == nil {
		t.Error("Expected SaveCredentials to reject traversal file name")
	}
}
