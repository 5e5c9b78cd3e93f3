package implicit

import (
	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

// clientOptions is the set of available options for NewClient
type clientOptions struct {
	withStorage         Storage
	storageSet          bool
	withTransientMirror Storage
	withNavigator       Navigator
	withNestedContext   bool
	withLogger          hclog.Logger
	withProviderCA      string
}

func clientDefaults() clientOptions {
	return clientOptions{}
}

func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithStorage provides an optional Storage backend for the client's cache and
// per-request scratch entries.  The default is an in-process MemoryStorage.
func WithStorage(s Storage) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withStorage = s
			o.storageSet = true
		}
	}
}

// WithTransientMirror provides an optional secondary Storage that mirrors the
// transient per-request entries (state and nonce).  It is the analog of
// mirroring those values to cookies so they survive a cross-context return.
func WithTransientMirror(s Storage) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withTransientMirror = s
		}
	}
}

// WithNavigator provides the Navigator the client uses to open browsing
// surfaces (redirects, popups and hidden frames).
func WithNavigator(n Navigator) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withNavigator = n
		}
	}
}

// WithNestedContext marks the client as running inside a nested (non
// top-level) browsing context.  Silent acquisition is suppressed in nested
// contexts, since the top-level context's correlator handles the response.
func WithNestedContext() Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withNestedContext = true
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *clientOptions:
			v.withLogger = l
		case *configOptions:
			v.withLogger = l
		}
	}
}

// WithProviderCA provides an optional CA cert to trust when sending requests
// to the authority.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// reqOptions is the set of available options for the operations that build an
// authorization request (login and token acquisition).
type reqOptions struct {
	withScopes      []string
	withCallerState string
	withAuthority   string
	withAccount     *Account
	withLoginHint   string
	withSessionID   string
	withDomainHint  string
	withPrompt      string
	withExtraParams map[string]string
	withReturnURL   string
}

func reqDefaults() reqOptions {
	return reqOptions{}
}

func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes for a login operation.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithCallerState provides an optional caller-supplied state segment which is
// echoed back in the AuthResult for the matching response.
func WithCallerState(state string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withCallerState = state
		}
	}
}

// WithAuthority overrides the client's default authority for one operation.
func WithAuthority(authority string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withAuthority = authority
		}
	}
}

// WithAccount provides the account a silent acquisition should target instead
// of the client's current account.
func WithAccount(a *Account) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withAccount = a
		}
	}
}

// WithLoginHint provides an optional login_hint for the request.
func WithLoginHint(hint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withLoginHint = hint
		}
	}
}

// WithDomainHint provides an optional domain_hint for the request.
func WithDomainHint(hint string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withDomainHint = hint
		}
	}
}

// WithPrompt provides an optional prompt parameter (for example "select_account").
func WithPrompt(prompt string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withPrompt = prompt
		}
	}
}

// WithReturnURL provides the page URL a redirect login should navigate the
// top-level window back to once its response has been correlated.
func WithReturnURL(url string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withReturnURL = url
		}
	}
}

// WithExtraParams provides optional extra query parameters appended to the
// authorization request.
func WithExtraParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withExtraParams = params
		}
	}
}
