package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testSource() Source {
	return Source{
		ClientID:     "abc",
		RedirectURI:  "http://localhost:9090/callback",
		DiscoveryURI: "https://idp.example.com/.well-known/openid-configuration",
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(testSource())

	snap, err := store.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() error = %v", err)
	}
	if snap != nil {
		t.Fatal("fresh store should have no snapshot")
	}

	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	snap, err = store.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() error = %v", err)
	}
	if snap == nil || *snap != testSource() {
		t.Errorf("snapshot = %+v, want persisted source", snap)
	}

	wantErr := errors.New("discovery failed")
	store.SetLastError(wantErr)
	if got := store.LastError(); got != wantErr {
		t.Errorf("LastError() = %v, want %v", got, wantErr)
	}
	store.SetLastError(nil)
	if got := store.LastError(); got != nil {
		t.Errorf("LastError() after clear = %v, want nil", got)
	}
}

func TestFileStore_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(testSource(), path)

	snap, err := store.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() error = %v", err)
	}
	if snap != nil {
		t.Fatal("missing snapshot file should yield nil snapshot")
	}

	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	// A fresh store at the same path must see the persisted snapshot.
	reopened := NewFileStore(testSource(), path)
	snap, err = reopened.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() after reopen error = %v", err)
	}
	if snap == nil || *snap != testSource() {
		t.Errorf("snapshot = %+v, want persisted source", snap)
	}
}

func TestFileStore_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(testSource(), path)
	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	changed := testSource()
	changed.ClientID = "different"
	next := NewFileStore(changed, path)

	snap, err := next.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() error = %v", err)
	}
	if snap == nil {
		t.Fatal("expected persisted snapshot")
	}
	if *snap == next.CurrentSource() {
		t.Error("changed source must not compare equal to the old snapshot")
	}
}

func TestFileStore_SnapshotOmitsClientSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	src := testSource()
	src.ClientSecret = "super-secret-value"

	store := NewFileStore(src, path)
	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}
	if strings.Contains(string(raw), "super-secret-value") {
		t.Fatal("snapshot file must not contain the client secret in plaintext")
	}

	// An unchanged secret still compares equal across restarts.
	reopened := NewFileStore(src, path)
	snap, err := reopened.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() error = %v", err)
	}
	if snap == nil || *snap != src {
		t.Errorf("snapshot = %+v, want unchanged source", snap)
	}
}

func TestFileStore_DetectsClientSecretChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	src := testSource()
	src.ClientSecret = "old-secret"
	store := NewFileStore(src, path)
	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	tests := []struct {
		name   string
		secret string
	}{
		{"rotated secret", "new-secret"},
		{"secret removed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := src
			changed.ClientSecret = tt.secret
			next := NewFileStore(changed, path)
			snap, err := next.StoredSnapshot()
			if err != nil {
				t.Fatalf("StoredSnapshot() error = %v", err)
			}
			if snap == nil {
				t.Fatal("expected persisted snapshot")
			}
			if *snap == next.CurrentSource() {
				t.Error("changed secret must not compare equal to the old snapshot")
			}
		})
	}
}

func TestFileStore_DetectsSecretAdded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(testSource(), path)
	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	withSecret := testSource()
	withSecret.ClientSecret = "introduced-later"
	next := NewFileStore(withSecret, path)
	snap, err := next.StoredSnapshot()
	if err != nil {
		t.Fatalf("StoredSnapshot() error = %v", err)
	}
	if snap != nil && *snap == next.CurrentSource() {
		t.Error("adding a secret must not compare equal to the secretless snapshot")
	}
}

func TestFileStore_CreatesSnapshotDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshot.json")
	store := NewFileStore(testSource(), path)
	if err := store.Persist(store.CurrentSource()); err != nil {
		t.Fatalf("Persist() into missing dir error = %v", err)
	}
	snap, err := store.StoredSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("StoredSnapshot() = %+v, %v", snap, err)
	}
}
