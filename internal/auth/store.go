package auth

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
)

// Store holds the current credential in memory and mirrors it to the token
// file. Reads are lock free; writes and reloads are serialized.
type Store struct {
	path   string
	config *oauth2.Config
	logger *slog.Logger

	current atomic.Pointer[Credential]

	mu      sync.Mutex
	modTime time.Time
	size    int64
}

// OpenStore loads the client secret and token file. It fails if either is
// missing or malformed so the bot never starts without a usable credential.
func OpenStore(clientSecretFile, tokenFile, redirectURL string, scopes []string, logger *slog.Logger) (*Store, error) {
	cfg, err := LoadClientConfig(clientSecretFile, redirectURL, scopes)
	if err != nil {
		return nil, err
	}
	return NewStore(cfg, tokenFile, logger)
}

// NewStore loads the token file at path for the given client config
func NewStore(cfg *oauth2.Config, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		config: cfg,
		logger: logger.With("component", "auth_store"),
	}

	cred, err := ReadCredential(path)
	if err != nil {
		return nil, fmt.Errorf("load token file %s: %w", path, err)
	}
	s.current.Store(cred)
	s.recordStat()

	s.logger.Info("credential loaded", "path", path, "expiry", cred.Expiry)
	return s, nil
}

// Config returns the OAuth client configuration
func (s *Store) Config() *oauth2.Config { return s.config }

// Path returns the token file location
func (s *Store) Path() string { return s.path }

// Current returns the credential in use
func (s *Store) Current() *Credential { return s.current.Load() }

// Replace swaps in c and persists it. The in-memory swap happens even when
// the write fails, so callers keep a working token; the error is returned
// for logging.
func (s *Store) Replace(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Store(c)
	if err := WriteCredential(s.path, c); err != nil {
		return err
	}
	s.recordStatLocked()
	return nil
}

// ReloadIfChanged re-reads the token file when it differs from the last
// version this store saw. It reports whether a new credential was loaded.
func (s *Store) ReloadIfChanged() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := os.Stat(s.path)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if fi.ModTime().Equal(s.modTime) && fi.Size() == s.size {
		return false, nil
	}

	cred, err := ReadCredential(s.path)
	if err != nil {
		return false, err
	}
	s.current.Store(cred)
	s.modTime = fi.ModTime()
	s.size = fi.Size()

	s.logger.Info("credential reloaded from disk", "expiry", cred.Expiry)
	return true, nil
}

func (s *Store) recordStat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordStatLocked()
}

func (s *Store) recordStatLocked() {
	if fi, err := os.Stat(s.path); err == nil {
		s.modTime = fi.ModTime()
		s.size = fi.Size()
	}
}
