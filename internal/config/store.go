package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store exposes the active configuration source, the persisted snapshot used
// for change detection, and a slot for the last configuration error.
type Store interface {
	// CurrentSource returns the active configuration source.
	CurrentSource() Source

	// StoredSnapshot returns the last persisted source, or nil when no
	// snapshot has been stored yet.
	StoredSnapshot() (*Source, error)

	// Persist replaces the stored snapshot.
	Persist(Source) error

	// LastError returns the most recent configuration error, or nil.
	LastError() error

	// SetLastError records a configuration error for diagnostics. A nil
	// error clears the slot.
	SetLastError(error)
}

// MemoryStore is an in-memory Store for tests and single-run invocations.
type MemoryStore struct {
	mu       sync.Mutex
	source   Source
	snapshot *Source
	lastErr  error
}

// NewMemoryStore creates a MemoryStore with the given active source and no
// stored snapshot.
func NewMemoryStore(source Source) *MemoryStore {
	return &MemoryStore{source: source}
}

func (s *MemoryStore) CurrentSource() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// SetSource replaces the active source. Used by tests to simulate a
// configuration change between launches.
func (s *MemoryStore) SetSource(source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

func (s *MemoryStore) StoredSnapshot() (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	snap := *s.snapshot
	return &snap, nil
}

func (s *MemoryStore) Persist(source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &source
	return nil
}

func (s *MemoryStore) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *MemoryStore) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// fileSnapshot is the on-disk snapshot format. The client secret is stored
// as a SHA-256 digest, never in plaintext.
type fileSnapshot struct {
	Source
	ClientSecretSHA256 string `json:"client_secret_sha256,omitempty"`
}

// hashSecret digests a client secret for snapshot comparison. An empty
// secret hashes to "" so secretless sources round-trip unchanged.
func hashSecret(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// FileStore persists the configuration snapshot as a JSON file so change
// detection survives restarts. The snapshot carries a digest of the client
// secret instead of the secret itself.
type FileStore struct {
	mu      sync.Mutex
	source  Source
	path    string
	lastErr error
}

// NewFileStore creates a FileStore with the given active source, persisting
// the snapshot at path.
func NewFileStore(source Source, path string) *FileStore {
	return &FileStore{source: source, path: path}
}

func (s *FileStore) CurrentSource() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *FileStore) StoredSnapshot() (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	restored := snap.Source
	if snap.ClientSecretSHA256 == hashSecret(s.source.ClientSecret) {
		// Same secret as the active source; restore it so value comparison
		// sees an unchanged configuration.
		restored.ClientSecret = s.source.ClientSecret
	} else {
		restored.ClientSecret = snap.ClientSecretSHA256
	}
	return &restored, nil
}

func (s *FileStore) Persist(source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := fileSnapshot{Source: source, ClientSecretSHA256: hashSecret(source.ClientSecret)}
	snap.Source.ClientSecret = ""
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	// Write-then-rename so a crash never leaves a torn snapshot.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *FileStore) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
