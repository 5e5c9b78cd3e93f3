package implicit

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Storage is the pluggable persistence backend for cached tokens and
// per-request scratch entries.  Implementations must be safe for concurrent
// use: the same key/value space is shared by every browsing context of the
// page (main window, popups, frames).  Writes are last-write-wins; the flow
// relies on state/nonce uniqueness rather than locking to avoid cross-talk
// between concurrent acquisitions.
type Storage interface {
	// Set stores value under key, overwriting any existing value.
	Set(key, value string) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) (string, error)

	// Delete removes key.  Deleting a missing key is a no-op.
	Delete(key string) error

	// Keys returns all keys with the given prefix.  An empty prefix returns
	// every key.
	Keys(prefix string) ([]string, error)

	// Clear removes every key.
	Clear() error
}

// Per-request scratch entries, keyed by request purpose and by the state
// value that will be consumed by the matching response.
const (
	keyLoginState      = "login-request-state"
	keyRenewState      = "renewal-request-state"
	keyLoginRequestURL = "login-request-url"
	keyNoncePrefix     = "nonce:"                // + state
	keyAuthorityPrefix = "authority:"            // + state
	keyAcquireAccount  = "acquireTokenAccount:"  // + homeAccountIdentifier|none + ":" + state
	keyErrorCode       = "error"
	keyErrorDesc       = "error.description"

	// keyLegacyIDToken interops with the storage entry a predecessor library
	// used for its raw id token.
	keyLegacyIDToken = "adal.idtoken"
)

func nonceKey(state string) string     { return keyNoncePrefix + state }
func authorityKey(state string) string { return keyAuthorityPrefix + state }

func acquireAccountKey(homeAccountID, state string) string {
	if homeAccountID == "" {
		homeAccountID = "none"
	}
	return keyAcquireAccount + homeAccountID + ":" + state
}

// MemoryStorage is an in-process Storage.  It is the default backend and the
// analog of session storage: entries do not survive the client's lifetime.
type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: map[string]string{}}
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemoryStorage) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", fmt.Errorf("storage key %q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MemoryStorage) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = map[string]string{}
	return nil
}

// mirrorStorage wraps a primary Storage and mirrors the transient
// per-request entries (state and nonce) to a secondary store.  In a browser
// host the secondary store is cookie-backed, so a request begun before a
// full-page redirect can still be correlated after the return navigation.
type mirrorStorage struct {
	primary Storage
	mirror  Storage
}

func newMirrorStorage(primary, mirror Storage) *mirrorStorage {
	return &mirrorStorage{primary: primary, mirror: mirror}
}

func isTransientKey(key string) bool {
	switch {
	case key == keyLoginState, key == keyRenewState, key == keyLoginRequestURL:
		return true
	case strings.HasPrefix(key, keyNoncePrefix):
		return true
	}
	return false
}

func (s *mirrorStorage) Set(key, value string) error {
	if err := s.primary.Set(key, value); err != nil {
		return err
	}
	if isTransientKey(key) {
		return s.mirror.Set(key, value)
	}
	return nil
}

func (s *mirrorStorage) Get(key string) (string, error) {
	v, err := s.primary.Get(key)
	if err == nil {
		return v, nil
	}
	if isTransientKey(key) {
		return s.mirror.Get(key)
	}
	return "", err
}

func (s *mirrorStorage) Delete(key string) error {
	var result *multierror.Error
	if err := s.primary.Delete(key); err != nil {
		result = multierror.Append(result, err)
	}
	if isTransientKey(key) {
		if err := s.mirror.Delete(key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *mirrorStorage) Keys(prefix string) ([]string, error) {
	return s.primary.Keys(prefix)
}

func (s *mirrorStorage) Clear() error {
	var result *multierror.Error
	if err := s.primary.Clear(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.mirror.Clear(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
