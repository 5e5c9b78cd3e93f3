package implicit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	sdkhttp "github.com/hashicorp/spaauth/sdk/http"
)

// Config is the configuration for a Client.
type Config struct {
	// ClientID is the relying party id registered with the authority.
	ClientID string

	// Authority is the default directory URL tokens are requested from.
	Authority string

	// RedirectURI is the URI the authority redirects authorization responses
	// back to.
	RedirectURI string

	// PostLogoutRedirectURI is an optional URI the authority redirects to
	// after the end-session navigation.
	PostLogoutRedirectURI string

	// ValidateAuthority requires resolved authority metadata to carry an
	// issuer before it is trusted.
	ValidateAuthority bool

	// TokenRenewalOffset is how long before expiry a cached token is treated
	// as stale.  Defaults to DefaultTokenRenewalOffset.
	TokenRenewalOffset time.Duration

	// LoadFrameTimeout bounds a hidden frame renewal.  Defaults to
	// DefaultLoadFrameTimeout.
	LoadFrameTimeout time.Duration

	// PopupPollInterval is how often popups and frames are polled.  Defaults
	// to DefaultPollInterval.
	PopupPollInterval time.Duration

	// Logger is an optional logger.
	Logger hclog.Logger
}

// NewConfig composes a new client config.
// Supported options: WithLogger, WithValidateAuthority,
// WithTokenRenewalOffset, WithLoadFrameTimeout, WithPopupPollInterval,
// WithPostLogoutRedirectURI
func NewConfig(clientID, authority, redirectURI string, opt ...Option) (*Config, error) {
	const op = "implicit.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		ClientID:              clientID,
		Authority:             authority,
		RedirectURI:           redirectURI,
		PostLogoutRedirectURI: opts.withPostLogoutRedirectURI,
		ValidateAuthority:     opts.withValidateAuthority,
		TokenRenewalOffset:    opts.withRenewalOffset,
		LoadFrameTimeout:      opts.withFrameTimeout,
		PopupPollInterval:     opts.withPollInterval,
		Logger:                opts.withLogger,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid client config: %w", op, err)
	}
	return c, nil
}

// Validate the client configuration.  The authority's URL shape is checked
// here; it is not verified to be discoverable via an http request.
func (c *Config) Validate() error {
	const op = "implicit.Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: client config is nil: %w", op, ErrNilParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%s: redirect URI is empty: %w", op, ErrInvalidParameter)
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return fmt.Errorf("%s: redirect URI %q is invalid: %w", op, c.RedirectURI, ErrInvalidParameter)
	}
	if _, err := NewAuthority(c.Authority, c.ValidateAuthority); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// configOptions is the set of available options for NewConfig
type configOptions struct {
	withLogger                hclog.Logger
	withValidateAuthority     bool
	withRenewalOffset         time.Duration
	withFrameTimeout          time.Duration
	withPollInterval          time.Duration
	withPostLogoutRedirectURI string
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withRenewalOffset: DefaultTokenRenewalOffset,
		withFrameTimeout:  DefaultLoadFrameTimeout,
		withPollInterval:  DefaultPollInterval,
	}
}

func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithValidateAuthority requires resolved authority metadata to be validated.
func WithValidateAuthority() Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withValidateAuthority = true
		}
	}
}

// WithTokenRenewalOffset overrides the default renewal offset.
func WithTokenRenewalOffset(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRenewalOffset = d
		}
	}
}

// WithLoadFrameTimeout overrides the default hidden frame timeout.
func WithLoadFrameTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withFrameTimeout = d
		}
	}
}

// WithPopupPollInterval overrides the default popup/frame poll interval.
func WithPopupPollInterval(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withPollInterval = d
		}
	}
}

// WithPostLogoutRedirectURI provides the URI the authority should redirect
// to after logout.
func WithPostLogoutRedirectURI(uri string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withPostLogoutRedirectURI = uri
		}
	}
}

// Client is the token acquisition engine for one browser-resident
// application.  It is constructed once per page lifetime and owns the token
// cache, the authority metadata cache, the in-flight renewal registrations
// and the current account; there is no teardown other than the page ending.
type Client struct {
	config      *Config
	storage     Storage
	cache       *tokenCache
	authorities *authorityCache
	registry    *renewalRegistry
	navigator   Navigator
	httpClient  *http.Client
	logger      hclog.Logger
	nested      bool

	mu                sync.Mutex
	account           *Account
	loginInProgress   bool
	acquireInProgress bool
}

// NewClient creates a Client for the given config.
// Supported options: WithNavigator (required), WithStorage,
// WithTransientMirror, WithNestedContext, WithLogger, WithProviderCA
func NewClient(c *Config, opt ...Option) (*Client, error) {
	const op = "implicit.NewClient"
	if c == nil {
		return nil, fmt.Errorf("%s: client config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: client config is invalid: %w", op, err)
	}
	opts := getClientOpts(opt...)
	if opts.withNavigator == nil {
		return nil, fmt.Errorf("%s: a navigator is required: %w", op, ErrNilParameter)
	}

	logger := opts.withLogger
	if logger == nil {
		logger = c.Logger
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	storage := opts.withStorage
	if storage == nil {
		if opts.storageSet {
			return nil, fmt.Errorf("%s: provided storage is nil: %w", op, ErrInvalidCacheLocation)
		}
		storage = NewMemoryStorage()
	}
	if opts.withTransientMirror != nil {
		storage = newMirrorStorage(storage, opts.withTransientMirror)
	}

	httpClient, err := sdkhttp.NewClient(opts.withProviderCA)
	if err != nil {
		return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
	}

	return &Client{
		config:      c,
		storage:     storage,
		cache:       newTokenCache(storage, logger),
		authorities: newAuthorityCache(httpClient),
		registry:    newRenewalRegistry(),
		navigator:   opts.withNavigator,
		httpClient:  httpClient,
		logger:      logger,
		nested:      opts.withNestedContext,
	}, nil
}

// LoginRedirect begins an interactive login via a full-page redirect.  The
// call does not return a result: the authorization response arrives as a URL
// fragment on the redirect URI, which the host must deliver to
// CompleteAuthorization.
// Supported options: WithScopes, WithCallerState, WithAuthority,
// WithLoginHint, WithDomainHint, WithPrompt, WithExtraParams, WithReturnURL
func (c *Client) LoginRedirect(ctx context.Context, opt ...Option) error {
	const op = "implicit.(Client).LoginRedirect"
	if err := c.beginInteraction(kindLogin); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := c.buildInteractiveRequest(ctx, kindLogin, nil, opt...)
	if err != nil {
		c.clearProgress(kindLogin)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.navigator.Redirect(ctx, req.URL()); err != nil {
		c.clearProgress(kindLogin)
		c.cleanupRequestState(kindLogin, req.state)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LoginPopup performs an interactive login through a tracked popup window
// and blocks until the popup returns, is closed by the user, or ctx ends.
// Supported options: WithScopes, WithCallerState, WithAuthority,
// WithLoginHint, WithDomainHint, WithPrompt, WithExtraParams
func (c *Client) LoginPopup(ctx context.Context, opt ...Option) (*AuthResult, error) {
	const op = "implicit.(Client).LoginPopup"
	if err := c.beginInteraction(kindLogin); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer c.clearProgress(kindLogin)
	result, err := c.runPopup(ctx, kindLogin, nil, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// AcquireTokenRedirect begins an interactive token acquisition for scopes
// via a full-page redirect.  As with LoginRedirect, the response arrives
// through CompleteAuthorization.
func (c *Client) AcquireTokenRedirect(ctx context.Context, scopes []string, opt ...Option) error {
	const op = "implicit.(Client).AcquireTokenRedirect"
	if err := c.beginInteraction(kindRenew); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := c.buildInteractiveRequest(ctx, kindRenew, scopes, opt...)
	if err != nil {
		c.clearProgress(kindRenew)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.navigator.Redirect(ctx, req.URL()); err != nil {
		c.clearProgress(kindRenew)
		c.cleanupRequestState(kindRenew, req.state)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AcquireTokenPopup performs an interactive token acquisition for scopes
// through a tracked popup window and blocks until the popup returns, is
// closed by the user, or ctx ends.
func (c *Client) AcquireTokenPopup(ctx context.Context, scopes []string, opt ...Option) (*AuthResult, error) {
	const op = "implicit.(Client).AcquireTokenPopup"
	if err := c.beginInteraction(kindRenew); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer c.clearProgress(kindRenew)
	result, err := c.runPopup(ctx, kindRenew, scopes, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// beginInteraction enforces the one-interactive-flow-at-a-time invariant.  A
// concurrent interactive call fails fast rather than queuing.
func (c *Client) beginInteraction(kind requestKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loginInProgress {
		return ErrLoginInProgress
	}
	if c.acquireInProgress {
		return ErrAcquireTokenInProgress
	}
	if kind == kindLogin {
		c.loginInProgress = true
	} else {
		c.acquireInProgress = true
	}
	return nil
}

func (c *Client) clearProgress(kind requestKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == kindLogin {
		c.loginInProgress = false
	} else {
		c.acquireInProgress = false
	}
}

// buildInteractiveRequest resolves the authority and assembles an
// authorization request for an interactive flow, persisting its scratch
// entries.
func (c *Client) buildInteractiveRequest(ctx context.Context, kind requestKind, scopes []string, opt ...Option) (*authRequest, error) {
	opts := getReqOpts(opt...)
	if kind == kindLogin && len(scopes) == 0 {
		scopes = opts.withScopes
		if len(scopes) == 0 {
			// a login with no additional scopes is an id-token-only request,
			// denoted by the client id as the sole scope
			scopes = []string{c.config.ClientID}
		}
	}
	responseType := ResponseTypeIDTokenToken
	if scopeKey(scopes) == c.normalizedClientID() {
		responseType = ResponseTypeIDToken
	}

	authorityURL := opts.withAuthority
	if authorityURL == "" {
		authorityURL = c.config.Authority
	}
	md, err := c.authorities.resolve(ctx, authorityURL, c.config.ValidateAuthority)
	if err != nil {
		return nil, err
	}

	req, err := newAuthRequest(md, c.config.ClientID, scopes, responseType, c.config.RedirectURI, opts.withCallerState, opt...)
	if err != nil {
		return nil, err
	}
	var account *Account
	if kind == kindRenew {
		account = opts.withAccount
		if account == nil {
			account = c.CurrentAccount()
		}
	}
	if err := c.persistRequest(kind, req, account, opts.withReturnURL, true); err != nil {
		return nil, err
	}
	return req, nil
}

// runPopup drives one interactive popup attempt to its terminal outcome.
func (c *Client) runPopup(ctx context.Context, kind requestKind, scopes []string, opt ...Option) (*AuthResult, error) {
	req, err := c.buildInteractiveRequest(ctx, kind, scopes, opt...)
	if err != nil {
		return nil, err
	}
	ch := c.registry.beginInteractive(req.state, scopeKey(req.scopes))

	win, err := c.navigator.OpenPopup(ctx, req.URL())
	if err != nil {
		c.cleanupRequestState(kind, req.state)
		c.dispatchOutcome(req.state, renewOutcome{err: fmt.Errorf("unable to open popup: %w", ErrPopupBlocked)})
		return c.awaitOutcome(ctx, ch)
	}
	defer win.Close()

	done := make(chan struct{})
	defer close(done)
	go c.watchWindow(ctx, win, done, func() {
		// closed by the user before returning: cancel this attempt only
		c.cleanupRequestState(kind, req.state)
		c.dispatchOutcome(req.state, renewOutcome{err: fmt.Errorf("popup closed before returning: %w", ErrUserCancelled)})
	})

	return c.awaitOutcome(ctx, ch)
}

// CurrentAccount returns the account established by the last successful
// login, or nil.
func (c *Client) CurrentAccount() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

func (c *Client) setCurrentAccount(a *Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = a
}

// Accounts enumerates the distinct accounts represented in the cache,
// deduplicated by home account identifier.
func (c *Client) Accounts() ([]*Account, error) {
	const op = "implicit.(Client).Accounts"
	entries, err := c.cache.entries(c.config.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	seen := map[string]struct{}{}
	var accounts []*Account
	for _, e := range entries {
		if e.value.IDToken == "" {
			continue
		}
		claims, err := IDToken(e.value.IDToken).Claims()
		if err != nil {
			continue
		}
		info, err := DecodeClientInfo(e.value.ClientInfo)
		if err != nil {
			info = &ClientInfo{}
		}
		a := NewAccount(claims, info)
		if _, ok := seen[a.HomeAccountIdentifier]; ok {
			continue
		}
		seen[a.HomeAccountIdentifier] = struct{}{}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// Logout clears the cached tokens, the per-request scratch entries and the
// current account, then navigates to the authority's end-session endpoint
// when one is known.
func (c *Client) Logout(ctx context.Context) error {
	const op = "implicit.(Client).Logout"
	c.mu.Lock()
	c.account = nil
	c.loginInProgress = false
	c.acquireInProgress = false
	c.mu.Unlock()

	var result *multierror.Error
	if err := c.cache.removeAll(c.config.ClientID); err != nil {
		result = multierror.Append(result, err)
	}
	for _, key := range []string{keyLoginState, keyRenewState, keyLoginRequestURL, keyLegacyIDToken, keyErrorCode, keyErrorDesc} {
		if err := c.storage.Delete(key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, prefix := range []string{keyNoncePrefix, keyAuthorityPrefix, keyAcquireAccount} {
		keys, err := c.storage.Keys(prefix)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, k := range keys {
			if err := c.storage.Delete(k); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if md, err := c.authorities.resolve(ctx, c.config.Authority, c.config.ValidateAuthority); err == nil && md.EndSessionEndpoint != "" {
		logoutURL := md.EndSessionEndpoint
		if c.config.PostLogoutRedirectURI != "" {
			logoutURL += "?post_logout_redirect_uri=" + url.QueryEscape(c.config.PostLogoutRedirectURI)
		}
		if err := c.navigator.Redirect(ctx, logoutURL); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// resultFromCache rehydrates an AuthResult from a cache entry.
func (c *Client) resultFromCache(entry *cacheEntry) (*AuthResult, error) {
	const op = "implicit.(Client).resultFromCache"
	var claims *IDTokenClaims
	if entry.value.IDToken != "" {
		var err error
		claims, err = IDToken(entry.value.IDToken).Claims()
		if err != nil {
			return nil, fmt.Errorf("%s: cached id_token is unreadable: %w", op, err)
		}
	}
	info, err := DecodeClientInfo(entry.value.ClientInfo)
	if err != nil {
		info = &ClientInfo{}
	}
	var account *Account
	if claims != nil {
		account = NewAccount(claims, info)
	}
	tokenType := ResponseTypeToken
	if entry.value.Token == entry.value.IDToken {
		tokenType = ResponseTypeIDToken
	}
	return &AuthResult{
		Token:         entry.value.Token,
		TokenType:     tokenType,
		ExpiresOn:     time.Unix(entry.value.ExpiresOn, 0),
		IDToken:       IDToken(entry.value.IDToken),
		IDTokenClaims: claims,
		Scopes:        entry.key.scopeList(),
		Account:       account,
		FromCache:     true,
	}, nil
}

// normalizedClientID is the scope key form of the client id.
func (c *Client) normalizedClientID() string {
	return strings.ToLower(c.config.ClientID)
}
