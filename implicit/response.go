package implicit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/spaauth/sdk/strutil"
)

// requestKind classifies which pending request a response correlates to.
type requestKind int

const (
	kindUnknown requestKind = iota
	kindLogin
	kindRenew
)

func (k requestKind) String() string {
	switch k {
	case kindLogin:
		return "login"
	case kindRenew:
		return "renew-token"
	default:
		return "unknown"
	}
}

// responseStage is the correlation state machine for an inbound
// authorization response.
type responseStage int

const (
	stageSent responseStage = iota
	stageReceived
	stageValidated
	stageSuccess
	stageError
)

func (s responseStage) String() string {
	switch s {
	case stageSent:
		return "sent"
	case stageReceived:
		return "received"
	case stageValidated:
		return "validated"
	case stageSuccess:
		return "success"
	case stageError:
		return "error"
	default:
		return "unknown"
	}
}

// AuthResult is a resolved token acquisition.
type AuthResult struct {
	// Token is the acquired token: an access token, or the raw id token for
	// an id-token-only request.  TokenType tells which.
	Token     string
	TokenType string

	ExpiresOn     time.Time
	IDToken       IDToken
	IDTokenClaims *IDTokenClaims
	Scopes        []string
	Account       *Account

	// CallerState is the caller-supplied state segment echoed back by the
	// authorization server.
	CallerState string

	// FromCache is true when the token was served from the cache without a
	// network round trip.
	FromCache bool
}

// responseParams are the recognized authorization response parameters.
const (
	paramIDToken      = "id_token"
	paramAccessToken  = "access_token"
	paramExpiresIn    = "expires_in"
	paramScope        = "scope"
	paramState        = "state"
	paramSessionState = "session_state"
	paramClientInfo   = "client_info"
	paramError        = "error"
	paramErrorDesc    = "error_description"
)

// IsAuthResponse reports whether the URL's fragment carries an authorization
// response (a token, or an error pair).
func IsAuthResponse(responseURL string) bool {
	params, err := parseResponseFragment(responseURL)
	if err != nil {
		return false
	}
	return isAuthParams(params)
}

func isAuthParams(params url.Values) bool {
	return params.Has(paramError) || params.Has(paramErrorDesc) ||
		params.Has(paramAccessToken) || params.Has(paramIDToken)
}

// parseResponseFragment extracts the key/value parameters of a URL fragment.
// Both "#param=..." and hash-routed "#/param=..." forms are accepted.
func parseResponseFragment(responseURL string) (url.Values, error) {
	const op = "implicit.parseResponseFragment"
	_, fragment, found := strings.Cut(responseURL, "#")
	if !found {
		fragment = responseURL
	}
	fragment = strings.TrimPrefix(fragment, "/")
	params, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse fragment: %w", op, ErrInvalidParameter)
	}
	return params, nil
}

// CompleteAuthorization correlates an authorization response returned on any
// of the three surfaces (main-window redirect, popup return, hidden frame)
// with the pending request that produced it, validates it, persists the
// result, and resolves every caller waiting on that correlation state.
//
// A URL that does not carry an authorization response returns (nil, nil) and
// changes nothing, so the host may call this unconditionally on page load.
func (c *Client) CompleteAuthorization(ctx context.Context, responseURL string) (*AuthResult, error) {
	const op = "implicit.(Client).CompleteAuthorization"
	params, err := parseResponseFragment(responseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !isAuthParams(params) {
		return nil, nil
	}

	stage := stageReceived
	state := params.Get(paramState)
	kind, silent := c.classifyState(state)
	c.logger.Debug("authorization response", "stage", stage.String(), "kind", kind.String(), "silent", silent)

	if kind == kindUnknown {
		// recorded for diagnostics only: no cache write, and no pending
		// request's nonce is consumed
		stage = stageError
		c.recordError("invalid_state", fmt.Sprintf("state %q does not match any pending request", state))
		c.logger.Warn("authorization response rejected", "stage", stage.String())
		return nil, fmt.Errorf("%s: %w", op, ErrStateMismatch)
	}
	stage = stageValidated
	if !silent {
		// only the interactive attempt that persisted this state owns the
		// in-progress flag; a hidden frame response leaves it alone
		defer c.clearProgress(kind)
	}

	if errCode := params.Get(paramError); errCode != "" {
		stage = stageError
		respErr := &ResponseError{Code: errCode, Description: params.Get(paramErrorDesc)}
		c.recordError(respErr.Code, respErr.Description)
		if kind == kindRenew {
			// the grants being renewed were invalidated by the error
			c.evictFailedRenewal(state)
		}
		c.cleanupRequestState(kind, state)
		err := fmt.Errorf("%s: %w", op, respErr)
		c.dispatchOutcome(state, renewOutcome{err: err})
		c.logger.Warn("authorization response rejected", "stage", stage.String(), "error", respErr.Code)
		return nil, err
	}

	var claims *IDTokenClaims
	rawIDToken := params.Get(paramIDToken)
	if rawIDToken != "" {
		claims, err = IDToken(rawIDToken).Claims()
		if err != nil {
			stage = stageError
			c.recordError("invalid_id_token", err.Error())
			c.cleanupRequestState(kind, state)
			err := fmt.Errorf("%s: %w", op, err)
			c.dispatchOutcome(state, renewOutcome{err: err})
			return nil, err
		}
		expectedNonce, nonceErr := c.storage.Get(nonceKey(state))
		if nonceErr != nil || claims.Nonce != expectedNonce {
			// the partially-built account is discarded, never trusted
			stage = stageError
			claims = nil
			c.recordError("invalid_nonce", "id_token nonce does not match the request nonce")
			c.cleanupRequestState(kind, state)
			err := fmt.Errorf("%s: %w", op, ErrNonceMismatch)
			c.dispatchOutcome(state, renewOutcome{err: err})
			c.logger.Warn("authorization response rejected", "stage", stage.String(), "error", "nonce mismatch")
			return nil, err
		}
	}

	clientInfoRaw := params.Get(paramClientInfo)
	clientInfo, ciErr := DecodeClientInfo(clientInfoRaw)
	if ciErr != nil {
		c.logger.Warn("ignoring unparsable client_info in response")
		clientInfo = &ClientInfo{}
		clientInfoRaw = ""
	}
	var account *Account
	if claims != nil {
		account = NewAccount(claims, clientInfo)
	}

	if kind == kindRenew && account != nil {
		c.checkRenewedAccount(state, account)
	}

	result, err := c.persistResponse(params, kind, state, rawIDToken, claims, clientInfo, clientInfoRaw, account)
	if err != nil {
		stage = stageError
		c.cleanupRequestState(kind, state)
		err := fmt.Errorf("%s: %w", op, err)
		c.dispatchOutcome(state, renewOutcome{err: err})
		return nil, err
	}

	if kind == kindLogin && account != nil {
		c.setCurrentAccount(account)
	}

	c.cleanupRequestState(kind, state)
	stage = stageSuccess
	c.logger.Debug("authorization response", "stage", stage.String(), "kind", kind.String(),
		"tokenType", result.TokenType, "token", AccessToken(result.Token))
	c.dispatchOutcome(state, renewOutcome{result: result})

	if kind == kindLogin {
		// return the top-level window to the page the login started from,
		// when the host asked for it
		if returnURL, err := c.storage.Get(keyLoginRequestURL); err == nil && returnURL != "" {
			_ = c.storage.Delete(keyLoginRequestURL)
			if err := c.navigator.Redirect(ctx, returnURL); err != nil {
				c.logger.Warn("unable to navigate back to login request url", "error", err)
			}
		}
	}
	return result, nil
}

// persistResponse writes the cache entry for a validated response and builds
// the AuthResult for it.
func (c *Client) persistResponse(params url.Values, kind requestKind, state, rawIDToken string, claims *IDTokenClaims, clientInfo *ClientInfo, clientInfoRaw string, account *Account) (*AuthResult, error) {
	const op = "implicit.(Client).persistResponse"

	authority, err := c.storage.Get(authorityKey(state))
	if err != nil || authority == "" {
		authority = c.config.Authority
	}

	// the cache entry is keyed by the scopes of the originating request, not
	// by what the server echoes back
	var scopes string
	if sk, ok := c.registry.scopeFor(state); ok && sk != "" {
		scopes = sk
	} else if s := params.Get(paramScope); s != "" {
		scopes = scopeKey(strings.Fields(s))
	} else {
		scopes = strings.ToLower(c.config.ClientID)
	}

	var token, tokenType string
	var expiresOn time.Time
	now := time.Now()
	if at := params.Get(paramAccessToken); at != "" {
		token, tokenType = at, ResponseTypeToken
		expiresIn := int64(3600)
		if v := params.Get(paramExpiresIn); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				expiresIn = parsed
			}
		}
		expiresOn = now.Add(time.Duration(expiresIn) * time.Second)
	} else {
		token, tokenType = rawIDToken, ResponseTypeIDToken
		if claims != nil && !claims.Expiry.IsZero() {
			expiresOn = claims.Expiry
		} else {
			expiresOn = now.Add(time.Hour)
		}
	}

	// an incoming consent supersedes cached grants for intersecting scopes
	if err := c.cache.evictIntersecting(c.config.ClientID, authority, account, parseScopes(scopes)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	key := cacheKey{
		Authority: authority,
		ClientID:  c.config.ClientID,
		Scopes:    scopes,
		UID:       clientInfo.UID,
		UTID:      clientInfo.UTID,
	}
	value := cacheValue{
		Token:      token,
		IDToken:    rawIDToken,
		ExpiresOn:  expiresOn.Unix(),
		ClientInfo: clientInfoRaw,
	}
	if err := c.cache.store(key, value); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if kind == kindLogin && rawIDToken != "" {
		if err := c.storage.Set(keyLegacyIDToken, rawIDToken); err != nil {
			c.logger.Warn("unable to write legacy id token entry", "error", err)
		}
	}

	_, callerState := splitState(state)
	return &AuthResult{
		Token:         token,
		TokenType:     tokenType,
		ExpiresOn:     expiresOn,
		IDToken:       IDToken(rawIDToken),
		IDTokenClaims: claims,
		Scopes:        parseScopes(scopes),
		Account:       account,
		CallerState:   callerState,
	}, nil
}

// classifyState matches a response state against the persisted login and
// acquisition request states, falling back to the states of hidden frame
// renewals still in flight in this client.  Silent renewals never persist a
// state slot, so a fallback match identifies a silent response.
func (c *Client) classifyState(state string) (kind requestKind, silent bool) {
	if state == "" {
		return kindUnknown, false
	}
	if v, err := c.storage.Get(keyLoginState); err == nil && v == state {
		return kindLogin, false
	}
	if v, err := c.storage.Get(keyRenewState); err == nil && v == state {
		return kindRenew, false
	}
	if strutil.StrListContains(c.registry.outstanding(), state) {
		return kindRenew, true
	}
	return kindUnknown, false
}

// persistRequest stores the per-request scratch entries that the matching
// response will consume: the nonce, the authority, (for renewals) the
// targeted account, and the expected state for the request's purpose.  The
// state slot is written only for top-level (navigating) requests: hidden
// frame renewals are correlated through the in-flight registry instead, so
// they cannot clobber the slot an open popup or redirect is waiting on.
func (c *Client) persistRequest(kind requestKind, req *authRequest, account *Account, returnURL string, topLevel bool) error {
	const op = "implicit.(Client).persistRequest"
	if topLevel {
		stateKey := keyRenewState
		if kind == kindLogin {
			stateKey = keyLoginState
		}
		if err := c.storage.Set(stateKey, req.state); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := c.storage.Set(nonceKey(req.state), req.nonce); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.storage.Set(authorityKey(req.state), req.authority.CanonicalAuthority); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if kind == kindRenew {
		home := ""
		if account != nil {
			home = account.HomeAccountIdentifier
		}
		if err := c.storage.Set(acquireAccountKey(home, req.state), home); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if kind == kindLogin && returnURL != "" {
		if err := c.storage.Set(keyLoginRequestURL, returnURL); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// cleanupRequestState removes the scratch entries keyed by a consumed state
// so they cannot leak into a later, unrelated correlation.  It runs on every
// terminal path, success or error.
func (c *Client) cleanupRequestState(kind requestKind, state string) {
	var result *multierror.Error
	result = multierror.Append(result,
		c.storage.Delete(nonceKey(state)),
		c.storage.Delete(authorityKey(state)),
	)
	if keys, err := c.storage.Keys(keyAcquireAccount); err == nil {
		for _, k := range keys {
			if strings.HasSuffix(k, ":"+state) {
				result = multierror.Append(result, c.storage.Delete(k))
			}
		}
	}
	stateKey := keyRenewState
	if kind == kindLogin {
		stateKey = keyLoginState
	}
	if v, err := c.storage.Get(stateKey); err == nil && v == state {
		result = multierror.Append(result, c.storage.Delete(stateKey))
	}
	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn("unable to fully clean up request state", "error", err)
	}
}

// evictFailedRenewal removes the cached grants a failed renewal was covering,
// scoped to the account the renewal targeted when one was recorded.
func (c *Client) evictFailedRenewal(state string) {
	sk, ok := c.registry.scopeFor(state)
	if !ok || sk == "" {
		return
	}
	authority, err := c.storage.Get(authorityKey(state))
	if err != nil || authority == "" {
		authority = c.config.Authority
	}
	var account *Account
	if keys, err := c.storage.Keys(keyAcquireAccount); err == nil {
		for _, k := range keys {
			if !strings.HasSuffix(k, ":"+state) {
				continue
			}
			if home, err := c.storage.Get(k); err == nil && home != "" {
				account = &Account{HomeAccountIdentifier: home}
			}
			break
		}
	}
	if err := c.cache.evictIntersecting(c.config.ClientID, authority, account, parseScopes(sk)); err != nil {
		c.logger.Warn("unable to evict grants for failed renewal", "error", err)
	}
}

// checkRenewedAccount compares the account a renewal was issued for with the
// account the response resolved to.  A mismatch is logged but does not reject
// the response; the cache entry is keyed by the resolved account either way.
func (c *Client) checkRenewedAccount(state string, account *Account) {
	keys, err := c.storage.Keys(keyAcquireAccount)
	if err != nil {
		return
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, ":"+state) {
			continue
		}
		requested, err := c.storage.Get(k)
		if err != nil || requested == "" {
			return
		}
		if requested != account.HomeAccountIdentifier {
			c.logger.Warn("renewal resolved to a different account than requested",
				"requested", requested, "resolved", account.HomeAccountIdentifier)
		}
		return
	}
}

// recordError writes the cache-adjacent diagnostic entries for a rejected
// response.
func (c *Client) recordError(code, description string) {
	if err := c.storage.Set(keyErrorCode, code); err != nil {
		c.logger.Warn("unable to record error code", "error", err)
		return
	}
	if err := c.storage.Set(keyErrorDesc, description); err != nil {
		c.logger.Warn("unable to record error description", "error", err)
	}
}

// dispatchOutcome fans a terminal outcome out to every caller registered
// against state, if that registration has not already been consumed.
func (c *Client) dispatchOutcome(state string, out renewOutcome) {
	if d, ok := c.registry.dispatcher(state); ok {
		d(out)
	}
}
