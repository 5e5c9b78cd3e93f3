package implicit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/spaauth/sdk/strutil"
)

// DefaultTokenRenewalOffset is how long before a cached token's expiry it is
// considered stale and silently renewed.
const DefaultTokenRenewalOffset = 300 * time.Second

// cacheKey is the composite identifier for one cached token grant.  Its JSON
// serialization is the storage key.
type cacheKey struct {
	Authority string `json:"authority"`
	ClientID  string `json:"clientId"`
	Scopes    string `json:"scopes"`
	UID       string `json:"uid,omitempty"`
	UTID      string `json:"utid,omitempty"`
}

// cacheValue is the payload stored for one cacheKey.
type cacheValue struct {
	Token      string `json:"token"`
	IDToken    string `json:"idToken,omitempty"`
	ExpiresOn  int64  `json:"expiresOn"`
	ClientInfo string `json:"clientInfo,omitempty"`
}

type cacheEntry struct {
	key   cacheKey
	value cacheValue
}

func (k cacheKey) storageKey() (string, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (k cacheKey) scopeList() []string { return parseScopes(k.Scopes) }

func (k cacheKey) matchesAccount(account *Account) bool {
	if account == nil {
		return true
	}
	return joinIdentifiers(k.UID, k.UTID) == account.HomeAccountIdentifier
}

// tokenCache is the token grant store over a pluggable Storage backend.
type tokenCache struct {
	storage Storage
	logger  hclog.Logger
}

func newTokenCache(storage Storage, logger hclog.Logger) *tokenCache {
	return &tokenCache{storage: storage, logger: logger}
}

// lookup finds at most one unambiguous cached token for the request.
//
// Entries are filtered by client id and by the account's home identifier.
// Without an explicit authority the requested scopes must be a subset of a
// single entry's scope set; multiple matching entries fail with
// ErrMultipleMatchingTokens, and matches spanning distinct authorities fail
// with ErrMultipleAuthorities.  With an explicit authority, entries are
// filtered by authority and scopes and exactly one match is required.
//
// A single match past its renewal offset is evicted and reported as a miss.
// A miss returns (nil, nil).
func (c *tokenCache) lookup(clientID string, account *Account, scopes []string, authority string, offset time.Duration, now time.Time) (*cacheEntry, error) {
	const op = "implicit.tokenCache.lookup"
	entries, err := c.entries(clientID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	wanted := normalizeScopes(scopes)
	var matches []cacheEntry
	for _, e := range entries {
		if !e.key.matchesAccount(account) {
			continue
		}
		if authority != "" && e.key.Authority != authority {
			continue
		}
		if !scopesSubset(e.key.scopeList(), wanted) {
			continue
		}
		matches = append(matches, e)
	}

	switch {
	case len(matches) == 0:
		return nil, nil
	case len(matches) > 1 && authority == "":
		authorities := map[string]struct{}{}
		for _, m := range matches {
			authorities[m.key.Authority] = struct{}{}
		}
		if len(authorities) > 1 {
			return nil, fmt.Errorf("%s: %w", op, ErrMultipleAuthorities)
		}
		return nil, fmt.Errorf("%s: %w", op, ErrMultipleMatchingTokens)
	case len(matches) > 1:
		return nil, fmt.Errorf("%s: %w", op, ErrMultipleMatchingTokens)
	}

	match := matches[0]
	expiresOn := time.Unix(match.value.ExpiresOn, 0)
	if !expiresOn.After(now.Add(offset)) {
		c.logger.Debug("evicting expired cache entry", "scopes", match.key.Scopes)
		if err := c.remove(match.key); err != nil {
			return nil, fmt.Errorf("%s: unable to evict expired entry: %w", op, err)
		}
		return nil, nil
	}
	return &match, nil
}

// store writes a cache entry, overwriting any entry with the same key.
func (c *tokenCache) store(key cacheKey, value cacheValue) error {
	const op = "implicit.tokenCache.store"
	sk, err := key.storageKey()
	if err != nil {
		return fmt.Errorf("%s: unable to serialize cache key: %w", op, err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: unable to serialize cache value: %w", op, err)
	}
	if err := c.storage.Set(sk, string(raw)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// evictIntersecting removes any entry for the same client, authority and
// account whose scope set intersects newScopes.  An incoming consent for
// overlapping scopes supersedes the old grant; leaving both behind would
// create ambiguous lookups.
func (c *tokenCache) evictIntersecting(clientID, authority string, account *Account, newScopes []string) error {
	const op = "implicit.tokenCache.evictIntersecting"
	entries, err := c.entries(clientID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	incoming := normalizeScopes(newScopes)
	var result *multierror.Error
	for _, e := range entries {
		if !e.key.matchesAccount(account) {
			continue
		}
		if e.key.Authority != authority {
			continue
		}
		if !scopesIntersect(e.key.scopeList(), incoming) {
			continue
		}
		if err := c.remove(e.key); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
		}
	}
	return result.ErrorOrNil()
}

// entries returns every cache entry for the client id.
func (c *tokenCache) entries(clientID string) ([]cacheEntry, error) {
	const op = "implicit.tokenCache.entries"
	keys, err := c.storage.Keys("{")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var entries []cacheEntry
	for _, sk := range keys {
		var key cacheKey
		if err := json.Unmarshal([]byte(sk), &key); err != nil {
			continue
		}
		if key.ClientID != clientID {
			continue
		}
		rawValue, err := c.storage.Get(sk)
		if err != nil {
			continue
		}
		var value cacheValue
		if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
			c.logger.Warn("skipping unparsable cache value", "key", sk)
			continue
		}
		entries = append(entries, cacheEntry{key: key, value: value})
	}
	return entries, nil
}

// removeAll deletes every cache entry for the client id.
func (c *tokenCache) removeAll(clientID string) error {
	const op = "implicit.tokenCache.removeAll"
	entries, err := c.entries(clientID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var result *multierror.Error
	for _, e := range entries {
		if err := c.remove(e.key); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
		}
	}
	return result.ErrorOrNil()
}

func (c *tokenCache) remove(key cacheKey) error {
	sk, err := key.storageKey()
	if err != nil {
		return err
	}
	return c.storage.Delete(sk)
}

// normalizeScopes lowercases, trims and dedupes a scope list, preserving
// order.
func normalizeScopes(scopes []string) []string {
	lowered := make([]string, 0, len(scopes))
	for _, s := range scopes {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(s)))
	}
	return strutil.RemoveDuplicatesStable(lowered, false)
}

// scopeKey returns the normalized, space-joined form of a scope list, used
// to key in-flight renewals and cache entries.
func scopeKey(scopes []string) string {
	return strings.Join(normalizeScopes(scopes), " ")
}

func parseScopes(joined string) []string {
	return normalizeScopes(strings.Fields(joined))
}

// scopesSubset reports whether every wanted scope is present in have.
func scopesSubset(have, wanted []string) bool {
	for _, w := range wanted {
		if !strutil.StrListContains(have, w) {
			return false
		}
	}
	return true
}

// scopesIntersect reports whether the two scope sets share any scope.
func scopesIntersect(a, b []string) bool {
	for _, s := range a {
		if strutil.StrListContains(b, s) {
			return true
		}
	}
	return false
}
