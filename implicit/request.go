package implicit

import (
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hashicorp/spaauth/sdk/strutil"
)

// Response types for the implicit flow.
const (
	ResponseTypeIDToken      = "id_token"
	ResponseTypeToken        = "token"
	ResponseTypeIDTokenToken = "id_token token"
)

// reservedScopes are implicitly requested on every authorization request and
// filtered out of the caller-visible scope set.
var reservedScopes = []string{oidc.ScopeOpenID, "profile"}

// stateSeparator joins the generated state guid with the caller-supplied
// state segment.
const stateSeparator = "|"

// authRequest is one assembled authorization request.  Its state and nonce
// are single-use: generated here, persisted until the matching response
// consumes them.
type authRequest struct {
	authority    *AuthorityMetadata
	clientID     string
	scopes       []string
	responseType string
	redirectURI  string
	state        string
	nonce        string
	prompt       string
	loginHint    string
	sessionID    string
	domainHint   string
	extraParams  map[string]string
}

// newAuthRequest assembles an authorization request with a fresh anti-replay
// state and nonce.  The caller's scopes must be non-empty, and the client id
// is only a valid scope when it is the sole scope (denoting an id-token-only
// request).  Reserved scopes are filtered from the stored set since they are
// always implicitly requested.
func newAuthRequest(md *AuthorityMetadata, clientID string, scopes []string, responseType, redirectURI, callerState string, opt ...Option) (*authRequest, error) {
	const op = "implicit.newAuthRequest"
	if md == nil {
		return nil, fmt.Errorf("%s: authority metadata is nil: %w", op, ErrNilParameter)
	}
	if clientID == "" {
		return nil, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if err := validateScopes(clientID, scopes); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getReqOpts(opt...)

	stateGUID, err := NewID("")
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce, err := NewID("")
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}

	state := stateGUID
	if callerState != "" {
		state = stateGUID + stateSeparator + callerState
	}

	return &authRequest{
		authority:    md,
		clientID:     clientID,
		scopes:       filterReservedScopes(clientID, scopes),
		responseType: responseType,
		redirectURI:  redirectURI,
		state:        state,
		nonce:        nonce,
		prompt:       opts.withPrompt,
		loginHint:    opts.withLoginHint,
		sessionID:    opts.withSessionID,
		domainHint:   opts.withDomainHint,
		extraParams:  opts.withExtraParams,
	}, nil
}

// validateScopes enforces the request scope rules: a nil or empty scope set
// is a configuration error, and the client id may not appear alongside other
// scopes.
func validateScopes(clientID string, scopes []string) error {
	if len(normalizeScopes(scopes)) == 0 {
		return ErrEmptyScopes
	}
	normalized := normalizeScopes(scopes)
	if strutil.StrListContains(normalized, strings.ToLower(clientID)) && len(normalized) > 1 {
		return ErrClientIDAsScope
	}
	return nil
}

// filterReservedScopes removes the reserved scopes (and a sole client id)
// from the caller's set.  The reserved scopes are re-added on the wire.
func filterReservedScopes(clientID string, scopes []string) []string {
	normalized := normalizeScopes(scopes)
	filtered := make([]string, 0, len(normalized))
	for _, s := range normalized {
		if strutil.StrListContains(reservedScopes, s) {
			continue
		}
		if s == strings.ToLower(clientID) {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered
}

// URL serializes the request against the authority's authorization endpoint.
// The response is always requested in fragment form.
func (r *authRequest) URL() string {
	cfg := oauth2.Config{
		ClientID:    r.clientID,
		RedirectURL: r.redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL: r.authority.AuthorizationEndpoint,
		},
		Scopes: append(append([]string{}, reservedScopes...), r.scopes...),
	}

	authCodeOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", r.responseType),
		oauth2.SetAuthURLParam("response_mode", "fragment"),
		oidc.Nonce(r.nonce),
	}
	if r.prompt != "" {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("prompt", r.prompt))
	}
	if r.loginHint != "" {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("login_hint", r.loginHint))
	}
	if r.sessionID != "" {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("sid", r.sessionID))
	}
	if r.domainHint != "" {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("domain_hint", r.domainHint))
	}
	for k, v := range r.extraParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, v))
	}

	return cfg.AuthCodeURL(r.state, authCodeOpts...)
}

// splitState separates a response state into its generated guid and the
// caller-supplied segment.
func splitState(state string) (guid, callerState string) {
	guid, callerState, _ = strings.Cut(state, stateSeparator)
	return guid, callerState
}
