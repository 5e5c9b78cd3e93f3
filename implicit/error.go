package implicit

import (
	"errors"
	"fmt"
)

var (
	// configuration errors, surfaced synchronously before any navigation.
	ErrNilParameter         = errors.New("nil parameter")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrInvalidAuthority     = errors.New("invalid authority")
	ErrInvalidCACert        = errors.New("invalid CA certificate")
	ErrInvalidCacheLocation = errors.New("invalid cache location")
	ErrEmptyScopes          = errors.New("scopes are empty")
	ErrClientIDAsScope      = errors.New("client id may only be requested as the sole scope")

	// client errors.
	ErrEndpointResolution = errors.New("authority endpoint resolution failed")
	ErrPopupBlocked       = errors.New("popup window could not be opened")
	ErrRenewalTimeout     = errors.New("token renewal timed out")

	// progress errors.
	ErrLoginInProgress        = errors.New("login is already in progress")
	ErrAcquireTokenInProgress = errors.New("acquire token interaction is already in progress")
	ErrUserCancelled          = errors.New("user cancelled the flow")

	// ErrAcquisitionSuppressed is returned by silent acquisition when the
	// client is running inside a nested browsing context.  The response is
	// handled by the top-level context's correlator, never by the frame
	// itself.
	ErrAcquisitionSuppressed = errors.New("acquisition suppressed in nested context")

	// server/response errors.
	ErrStateMismatch          = errors.New("response state does not match any pending request")
	ErrNonceMismatch          = errors.New("id_token nonce does not match the request nonce")
	ErrInvalidIDToken         = errors.New("invalid id_token")
	ErrMultipleMatchingTokens = errors.New("multiple matching tokens found in cache")
	ErrMultipleAuthorities    = errors.New("multiple authorities found in cache for the same scopes")
	ErrServerResponse         = errors.New("authorization server returned an error")

	// interaction-required errors, signaled by the server and surfaced
	// verbatim so the caller can fall back to an interactive flow.
	ErrInteractionRequired = errors.New("interaction required")
	ErrLoginRequired       = errors.New("login required")
	ErrConsentRequired     = errors.New("consent required")
	ErrClaimsRequired      = errors.New("claims required")

	// ErrNotFound is returned by Storage implementations for missing keys.
	ErrNotFound = errors.New("not found")
)

// ResponseError carries the error and error_description parameters of an
// error-shaped authorization response.  Unwrap maps well-known server codes
// onto this package's interaction-required sentinels so callers can use
// errors.Is to decide whether to fall back to an interactive flow.
type ResponseError struct {
	Code        string
	Description string
}

func (e *ResponseError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *ResponseError) Unwrap() error {
	switch e.Code {
	case "interaction_required":
		return ErrInteractionRequired
	case "login_required":
		return ErrLoginRequired
	case "consent_required":
		return ErrConsentRequired
	case "claims_required":
		return ErrClaimsRequired
	default:
		return ErrServerResponse
	}
}
