// Package oauthmgr implements C2, the OAuth token manager: durable token
// storage with atomic persistence and a refresh critical section that
// collapses concurrent refreshers onto a single token exchange. See
// spec.md §4.2.
package oauthmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// TokenBundle is the persisted OAuth state for one provider. See spec.md §3.
type TokenBundle struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenHash    string    `json:"token_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// tokenHash computes a hash of the access token safe to write into the
// audit log — never the token itself.
func tokenHash(provider, accessToken string) string {
	h := sha256.Sum256([]byte(provider + "|" + accessToken))
	return hex.EncodeToString(h[:16])
}

// Store persists TokenBundles to a single JSON file with cross-process
// locking and atomic write-temp-then-rename durability.
type Store struct {
	path     string
	lockPath string
	flock    *flock.Flock
}

const flockTimeout = 10 * time.Second

// acquireLock bounds how long a Load/Save call waits to acquire the
// cross-process lock before giving up. The returned release func must
// always be called.
func (s *Store) acquireLock() (release func(), err error) {
	ctx, cancel := context.WithTimeout(context.Background(), flockTimeout)
	defer cancel()

	locked, err := s.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire token store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire token store lock: timed out after %s", flockTimeout)
	}
	return func() { s.flock.Unlock() }, nil
}

// NewStore opens a token store rooted at path (e.g. ~/.receipt-processor/tokens.json).
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		flock:    flock.New(path + ".lock"),
	}
}

type fileContents struct {
	Bundles map[string]TokenBundle `json:"bundles"`
}

// Load reads the bundle for provider. Returns (nil, nil) if no bundle is on
// disk yet — callers distinguish "never authenticated" from an error.
func (s *Store) Load(provider string) (*TokenBundle, error) {
	release, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()

	contents, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	bundle, ok := contents.Bundles[provider]
	if !ok {
		return nil, nil
	}
	return &bundle, nil
}

// Save persists bundle for its provider, atomically.
func (s *Store) Save(bundle TokenBundle) error {
	bundle.TokenHash = tokenHash(bundle.Provider, bundle.AccessToken)

	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	contents, err := s.readLocked()
	if err != nil {
		return err
	}
	if contents.Bundles == nil {
		contents.Bundles = make(map[string]TokenBundle)
	}
	contents.Bundles[bundle.Provider] = bundle

	return s.writeLocked(contents)
}

func (s *Store) readLocked() (*fileContents, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &fileContents{Bundles: make(map[string]TokenBundle)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}
	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	if contents.Bundles == nil {
		contents.Bundles = make(map[string]TokenBundle)
	}
	return &contents, nil
}

// writeLocked durably persists contents: write to a sibling temp file,
// fsync, then rename over the target so a crash never leaves a partially
// written tokens.json.
func (s *Store) writeLocked(contents *fileContents) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token store dir: %w", err)
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp token file into place: %w", err)
	}
	return nil
}
