package implicit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Defaults for the silent-renewal surface.
const (
	// DefaultLoadFrameTimeout is how long a hidden renewal frame may take to
	// return a correlated response before the attempt is cancelled.
	DefaultLoadFrameTimeout = 6 * time.Second

	// DefaultPollInterval is how often popups and hidden frames are polled
	// for closure and for a same-origin return navigation.
	DefaultPollInterval = 100 * time.Millisecond
)

// renewOutcome is the terminal result of one renewal attempt, fanned out to
// every caller registered against it.
type renewOutcome struct {
	result *AuthResult
	err    error
}

// renewalRegistry tracks in-flight renewal attempts.  For each attempt it
// holds the expected correlation state, the ordered continuations of every
// caller waiting on that state, and a single dispatch callback that fans the
// outcome out to all of them and then tears the registration down.  A
// registration is consumed exactly once: by the matching response, by the
// frame timeout, or by popup closure, whichever wins.
type renewalRegistry struct {
	mu           sync.Mutex
	stateByScope map[string]string
	scopeByState map[string]string
	waiters      map[string][]chan renewOutcome
	dispatch     map[string]func(renewOutcome)
}

func newRenewalRegistry() *renewalRegistry {
	return &renewalRegistry{
		stateByScope: map[string]string{},
		scopeByState: map[string]string{},
		waiters:      map[string][]chan renewOutcome{},
		dispatch:     map[string]func(renewOutcome){},
	}
}

// beginOrJoin either joins the renewal already in flight for scopeKey or
// registers a new attempt correlated by state.  The lookup and the
// registration share one critical section, so of any number of concurrent
// callers for the same scope key exactly one becomes the owner; joined
// reports that an existing attempt was found, in which case state is
// discarded.
func (r *renewalRegistry) beginOrJoin(scopeKey, state string) (_ <-chan renewOutcome, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stateByScope[scopeKey]; ok {
		ch := make(chan renewOutcome, 1)
		r.waiters[existing] = append(r.waiters[existing], ch)
		return ch, true
	}
	r.stateByScope[scopeKey] = state
	r.scopeByState[state] = scopeKey
	return r.registerLocked(state), false
}

// beginInteractive registers an interactive attempt (popup login or token
// acquisition) correlated by state.  Interactive attempts are never joined by
// other callers and are not part of the outstanding-renewal scan, but their
// scope key is recorded so the correlator caches the result under the scopes
// that were requested.
func (r *renewalRegistry) beginInteractive(state, scopeKey string) <-chan renewOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopeByState[state] = scopeKey
	return r.registerLocked(state)
}

func (r *renewalRegistry) registerLocked(state string) <-chan renewOutcome {
	ch := make(chan renewOutcome, 1)
	r.waiters[state] = append(r.waiters[state], ch)
	r.dispatch[state] = func(out renewOutcome) {
		r.mu.Lock()
		waiting := r.waiters[state]
		delete(r.waiters, state)
		if scopeKey, ok := r.scopeByState[state]; ok {
			delete(r.scopeByState, state)
			if r.stateByScope[scopeKey] == state {
				delete(r.stateByScope, scopeKey)
			}
		}
		r.mu.Unlock()
		for _, w := range waiting {
			w <- out
		}
	}
	return ch
}

// dispatcher pops the dispatch callback registered under state.  At most one
// caller ever receives it, which settles the race between a correlated
// response and the renewal timeout.
func (r *renewalRegistry) dispatcher(state string) (func(renewOutcome), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dispatch[state]
	if ok {
		delete(r.dispatch, state)
	}
	return d, ok
}

// scopeFor returns the normalized scope key registered for state.
func (r *renewalRegistry) scopeFor(state string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sk, ok := r.scopeByState[state]
	return sk, ok
}

// outstanding returns the correlation states of every in-flight silent
// renewal.
func (r *renewalRegistry) outstanding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]string, 0, len(r.stateByScope))
	for _, state := range r.stateByScope {
		states = append(states, state)
	}
	return states
}

// AcquireTokenSilent obtains a token for the requested scopes without user
// interaction: from the cache when an unambiguous, unexpired entry exists,
// otherwise through a hidden frame renewal with prompt=none.
//
// Concurrent calls for the same normalized scope set are multiplexed onto a
// single renewal attempt; every caller receives the same resolved token or
// the same rejection.  If the hidden frame does not return a correlated
// response within the configured load timeout, the attempt is cancelled, all
// callers are rejected with ErrRenewalTimeout, and a later call starts a
// fresh attempt.
//
// Requesting the client id as the sole scope denotes an id-token-only
// renewal, which runs on its own frame identity and may proceed concurrently
// with a scope renewal.
func (c *Client) AcquireTokenSilent(ctx context.Context, scopes []string, opt ...Option) (*AuthResult, error) {
	const op = "implicit.(Client).AcquireTokenSilent"
	if c.nested {
		// the top-level context's correlator owns the response
		return nil, fmt.Errorf("%s: %w", op, ErrAcquisitionSuppressed)
	}
	if err := validateScopes(c.config.ClientID, scopes); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getReqOpts(opt...)

	account := opts.withAccount
	if account == nil {
		account = c.CurrentAccount()
	}

	entry, err := c.cache.lookup(c.config.ClientID, account, scopes, opts.withAuthority, c.config.TokenRenewalOffset, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if entry != nil {
		c.logger.Debug("token served from cache", "scopes", entry.key.Scopes)
		return c.resultFromCache(entry)
	}

	authorityURL := opts.withAuthority
	if authorityURL == "" {
		authorityURL = c.config.Authority
	}
	md, err := c.authorities.resolve(ctx, authorityURL, c.config.ValidateAuthority)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	key := scopeKey(scopes)

	// id-token-only renewals run on their own frame identity so they can
	// proceed concurrently with an access-token renewal.
	responseType := ResponseTypeToken
	if key == c.normalizedClientID() {
		responseType = ResponseTypeIDToken
	}

	reqOpts := c.silentHintOpts(account, opts)
	req, err := newAuthRequest(md, c.config.ClientID, scopes, responseType, c.config.RedirectURI, opts.withCallerState, reqOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ch, joined := c.registry.beginOrJoin(key, req.state)
	if joined {
		c.logger.Debug("joining in-flight renewal", "scopes", key)
		return c.awaitOutcome(ctx, ch)
	}

	if err := c.persistRequest(kindRenew, req, account, "", false); err != nil {
		c.cleanupRequestState(kindRenew, req.state)
		c.dispatchOutcome(req.state, renewOutcome{err: fmt.Errorf("%s: %w", op, err)})
		return c.awaitOutcome(ctx, ch)
	}

	c.logger.Debug("starting hidden frame renewal", "scopes", key, "responseType", responseType)

	win, err := c.navigator.OpenFrame(ctx, req.URL())
	if err != nil {
		c.cleanupRequestState(kindRenew, req.state)
		if d, ok := c.registry.dispatcher(req.state); ok {
			d(renewOutcome{err: fmt.Errorf("%s: unable to open hidden frame: %w", op, err)})
		}
		return c.awaitOutcome(ctx, ch)
	}
	defer win.Close()

	timer := time.AfterFunc(c.config.LoadFrameTimeout, func() {
		if d, ok := c.registry.dispatcher(req.state); ok {
			c.logger.Warn("hidden frame renewal timed out", "scopes", key)
			c.cleanupRequestState(kindRenew, req.state)
			d(renewOutcome{err: fmt.Errorf("%s: hidden frame did not return within %s: %w", op, c.config.LoadFrameTimeout, ErrRenewalTimeout)})
		}
	})
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go c.watchWindow(ctx, win, done, nil)

	return c.awaitOutcome(ctx, ch)
}

// silentHintOpts derives the request hints for a silent renewal: the
// account's session id when known, otherwise its user name as a login hint,
// unless the caller supplied hints of its own.  The account's directory
// identifier pair rides along as login_req/domain_req so the directory can
// pick the right session without prompting.
func (c *Client) silentHintOpts(account *Account, opts reqOptions) []Option {
	extras := map[string]string{}
	for k, v := range opts.withExtraParams {
		extras[k] = v
	}
	if account != nil && account.IDTokenClaims != nil {
		if uid := account.IDTokenClaims.UID; uid != "" {
			extras["login_req"] = uid
		}
		if utid := account.IDTokenClaims.UTID; utid != "" {
			extras["domain_req"] = utid
		}
	}
	reqOpts := []Option{
		WithPrompt("none"),
		WithExtraParams(extras),
		WithDomainHint(opts.withDomainHint),
	}
	switch {
	case opts.withLoginHint != "":
		reqOpts = append(reqOpts, WithLoginHint(opts.withLoginHint))
	case account != nil && account.SessionID != "":
		reqOpts = append(reqOpts, withSessionID(account.SessionID))
	case account != nil && account.UserName != "":
		reqOpts = append(reqOpts, WithLoginHint(account.UserName))
	}
	return reqOpts
}

// withSessionID provides the sid hint for a silent request.
func withSessionID(sid string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withSessionID = sid
		}
	}
}

// awaitOutcome blocks until the attempt's outcome is dispatched or ctx ends.
func (c *Client) awaitOutcome(ctx context.Context, ch <-chan renewOutcome) (*AuthResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		return out.result, out.err
	}
}

// watchWindow polls a popup or hidden frame for a same-origin return
// navigation, delivering any returned URL to the correlator.  onClosed runs
// if the window is closed before a return is observed.
func (c *Client) watchWindow(ctx context.Context, win Window, done <-chan struct{}, onClosed func()) {
	ticker := time.NewTicker(c.config.PopupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if url, ok := win.ReturnURL(); ok {
				// correlation failures are delivered through dispatch
				if _, err := c.CompleteAuthorization(ctx, url); err != nil {
					c.logger.Debug("window return correlation failed", "error", err)
				}
				return
			}
			if win.Closed() {
				if onClosed != nil {
					onClosed()
				}
				return
			}
		}
	}
}
