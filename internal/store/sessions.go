package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/ashureev/wabridge/internal/domain"
)

const (
	sessionDirPrefix = "session-"

	// A session folder with at least this many entries is assumed to hold a
	// restorable credential set. Known approximation: it cannot tell valid
	// credentials from stale ones, the client library settles that at connect.
	minCredentialEntries = 2
)

// SessionStore owns the durable per-user credential folders under a single
// root directory. Folder layout follows the session-<userID> convention so
// users can be rediscovered by scanning the root.
type SessionStore struct {
	root string
}

// NewSessionStore creates the root directory if needed.
func NewSessionStore(root string) (*SessionStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions root %s: %w", root, err)
	}
	return &SessionStore{root: root}, nil
}

// Root returns the sessions root directory.
func (s *SessionStore) Root() string {
	return s.root
}

// Dir returns the credential folder path for a user.
func (s *SessionStore) Dir(userID string) string {
	return filepath.Join(s.root, sessionDirPrefix+userID)
}

// HasCredentials reports whether the user's session folder exists and holds
// enough entries to plausibly restore a session.
func (s *SessionStore) HasCredentials(userID string) bool {
	if err := ValidateUserID(userID); err != nil {
		return false
	}
	entries, err := os.ReadDir(s.Dir(userID))
	if err != nil {
		return false
	}
	return len(entries) >= minCredentialEntries
}

// SaveCredentials writes a batch of opaque credential files into the user's
// session folder. Each file is written atomically; names must be plain file
// names without path separators.
func (s *SessionStore) SaveCredentials(userID string, files []domain.CredentialFile) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	dir := s.Dir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session folder %s: %w", dir, err)
	}
	for _, f := range files {
		if err := validateFileName(f.Name); err != nil {
			return err
		}
		if err := WriteFileAtomic(filepath.Join(dir, f.Name), f.Data, 0o600); err != nil {
			return fmt.Errorf("save credential file %s: %w", f.Name, err)
		}
	}
	return nil
}

// ReadCredentials loads every regular file from the user's session folder.
// A missing folder yields an empty slice.
func (s *SessionStore) ReadCredentials(userID string) ([]domain.CredentialFile, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	dir := s.Dir(userID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session folder %s: %w", dir, err)
	}

	var files []domain.CredentialFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read credential file %s: %w", e.Name(), err)
		}
		files = append(files, domain.CredentialFile{Name: e.Name(), Data: data})
	}
	return files, nil
}

// EraseSession removes the user's credential folder. Removal is best-effort
// destructive: a failed RemoveAll is retried after forcing everything
// writable, then handed to the OS as a last resort.
func (s *SessionStore) EraseSession(userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	dir := s.Dir(userID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(dir); err == nil {
		return nil
	}

	// Credential stores sometimes contain read-only artifacts.
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(path, 0o700)
		} else {
			_ = os.Chmod(path, 0o600)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}

	if runtime.GOOS != "windows" {
		if out, err := exec.Command("rm", "-rf", dir).CombinedOutput(); err != nil {
			return fmt.Errorf("force remove %s: %w (%s)", dir, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return fmt.Errorf("remove %s: folder still present after retries", dir)
}

// ListKnownUserIDs scans the root for session folders and returns their
// user IDs sorted.
func (s *SessionStore) ListKnownUserIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan sessions root %s: %w", s.root, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sessionDirPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), sessionDirPrefix)
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ErrInvalidUserID marks user IDs that cannot safely name filesystem entries.
var ErrInvalidUserID = errors.New("invalid user id")

// ValidateUserID rejects IDs that cannot safely name filesystem entries.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if strings.ContainsAny(userID, "/\\") || strings.Contains(userID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid credential file name %q", name)
	}
	return nil
}
