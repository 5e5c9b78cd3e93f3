package implicit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	sdkhttp "github.com/hashicorp/spaauth/sdk/http"
)

// authorityKind distinguishes the two accepted directory URL topologies.
type authorityKind int

const (
	// authorityTenant is a directory addressed by a single tenant path
	// segment: https://host/{tenant}
	authorityTenant authorityKind = iota

	// authorityPolicy is a policy directory addressed by a trust-framework
	// path: https://host/tfp/{tenant}/{policy}
	authorityPolicy
)

const policyPathMarker = "tfp"

// Authority identifies a directory that issues tokens.  Its metadata
// (authorization, token and end-session endpoints) is resolved lazily via the
// directory's discovery document.
type Authority struct {
	canonical string
	kind      authorityKind
	validate  bool
}

// AuthorityMetadata is the resolved endpoint set for one authority.  It is
// cached in memory per Client and never persisted across client lifetimes.
type AuthorityMetadata struct {
	CanonicalAuthority    string `json:"-"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	Issuer                string `json:"issuer"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	Validated             bool   `json:"-"`
}

// NewAuthority validates the shape of a directory URL and returns an
// Authority for it.  Two topologies are accepted: a tenant directory
// (https://host/{tenant}) and a policy directory
// (https://host/tfp/{tenant}/{policy}).
func NewAuthority(rawURL string, validate bool) (*Authority, error) {
	const op = "implicit.NewAuthority"
	if rawURL == "" {
		return nil, fmt.Errorf("%s: authority url is empty: %w", op, ErrInvalidAuthority)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%s: authority url %q is unparsable: %w", op, rawURL, ErrInvalidAuthority)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%s: authority url scheme must be http or https: %w", op, ErrInvalidAuthority)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%s: authority url has no host: %w", op, ErrInvalidAuthority)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%s: authority url must not have a query or fragment: %w", op, ErrInvalidAuthority)
	}

	segments := splitPath(u.Path)
	var kind authorityKind
	switch {
	case len(segments) == 1 && segments[0] != policyPathMarker:
		kind = authorityTenant
	case len(segments) == 3 && segments[0] == policyPathMarker:
		kind = authorityPolicy
	default:
		return nil, fmt.Errorf("%s: authority path %q matches neither a tenant nor a policy directory: %w", op, u.Path, ErrInvalidAuthority)
	}

	canonical := u.Scheme + "://" + u.Host + "/" + strings.Join(segments, "/")
	return &Authority{
		canonical: canonical,
		kind:      kind,
		validate:  validate,
	}, nil
}

// CanonicalURL returns the normalized authority URL (no trailing slash).
func (a *Authority) CanonicalURL() string { return a.canonical }

// discoveryURL returns the authority's openid-configuration document URL.
func (a *Authority) discoveryURL() string {
	return a.canonical + "/.well-known/openid-configuration"
}

// resolve fetches and decodes the authority's discovery document.  Failures
// are endpoint-resolution errors: non-retryable within the same acquisition,
// retryable on a fresh user-initiated call.
func (a *Authority) resolve(ctx context.Context, client *http.Client) (*AuthorityMetadata, error) {
	const op = "implicit.Authority.resolve"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.discoveryURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create discovery request: %w", op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to fetch discovery document: %w", op, ErrEndpointResolution)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: discovery document returned status %d: %w", op, resp.StatusCode, ErrEndpointResolution)
	}

	var md AuthorityMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document: %w", op, ErrEndpointResolution)
	}
	if md.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("%s: discovery document has no authorization endpoint: %w", op, ErrEndpointResolution)
	}
	if a.validate && md.Issuer == "" {
		return nil, fmt.Errorf("%s: discovery document has no issuer: %w", op, ErrEndpointResolution)
	}
	md.CanonicalAuthority = a.canonical
	md.Validated = a.validate
	return &md, nil
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// authorityCache resolves each distinct authority string at most once per
// client lifetime.
type authorityCache struct {
	mu     sync.Mutex
	client *http.Client
	m      map[string]*AuthorityMetadata
}

func newAuthorityCache(client *http.Client) *authorityCache {
	return &authorityCache{
		client: client,
		m:      map[string]*AuthorityMetadata{},
	}
}

// resolve returns cached metadata for authorityURL or fetches it.  The http
// client is carried on the request context so it is also honored by any
// x/oauth2 or go-oidc calls sharing that context.
func (c *authorityCache) resolve(ctx context.Context, authorityURL string, validate bool) (*AuthorityMetadata, error) {
	const op = "implicit.authorityCache.resolve"
	a, err := NewAuthority(authorityURL, validate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	if md, ok := c.m[a.CanonicalURL()]; ok {
		c.mu.Unlock()
		return md, nil
	}
	c.mu.Unlock()

	md, err := a.resolve(sdkhttp.OidcClientContext(ctx, c.client), c.client)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	c.m[a.CanonicalURL()] = md
	c.mu.Unlock()
	return md, nil
}
