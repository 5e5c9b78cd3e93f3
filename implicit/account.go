package implicit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ClientInfo is the opaque server-issued identifier pair used to build a
// stable home account identifier.  It arrives base64url-encoded in the
// client_info response parameter.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// DecodeClientInfo decodes a raw client_info response parameter.  An empty
// raw value yields an empty ClientInfo rather than an error, since the
// parameter is optional on the wire.
func DecodeClientInfo(raw string) (*ClientInfo, error) {
	const op = "implicit.DecodeClientInfo"
	if raw == "" {
		return &ClientInfo{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode client info: %w", op, ErrInvalidParameter)
	}
	var info ClientInfo
	if err := json.Unmarshal(decoded, &info); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal client info: %w", op, ErrInvalidParameter)
	}
	return &info, nil
}

// Encode serializes the ClientInfo back into its wire form.
func (c *ClientInfo) Encode() string {
	if c == nil {
		return ""
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Account is a stable handle for a signed-in user, derived from decoded id
// token claims and the client_info identifier pair.  Accounts are immutable
// once constructed and held as the client's current account until logout.
type Account struct {
	// AccountIdentifier is derived from the uid/utid claims of the id token.
	AccountIdentifier string

	// HomeAccountIdentifier is derived from the client_info pair and
	// identifies the account across tokens and sessions.  Two accounts are
	// the same for cache-scoping purposes iff their home identifiers are
	// equal.
	HomeAccountIdentifier string

	UserName    string
	DisplayName string
	SessionID   string

	// Environment is the issuer host the account was established against.
	Environment string

	// IDTokenClaims is the decoded claim set the account was built from.
	IDTokenClaims *IDTokenClaims
}

// NewAccount creates an Account from id token claims and a client_info pair.
// Either input may be nil; absent identifiers produce empty identifier
// segments rather than errors.
func NewAccount(claims *IDTokenClaims, info *ClientInfo) *Account {
	a := &Account{IDTokenClaims: claims}
	if claims != nil {
		a.AccountIdentifier = joinIdentifiers(claims.UID, claims.UTID)
		a.UserName = claims.PreferredUsername
		a.DisplayName = claims.Name
		a.SessionID = claims.SessionID
		a.Environment = claims.EnvironmentHost()
	}
	if info != nil {
		a.HomeAccountIdentifier = joinIdentifiers(info.UID, info.UTID)
	}
	return a
}

// Equal reports whether two accounts identify the same user for
// cache-scoping purposes.
func (a *Account) Equal(other *Account) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.HomeAccountIdentifier == other.HomeAccountIdentifier
}

// joinIdentifiers base64url-encodes the pair and dot-joins it.  Absent
// segments encode to empty strings, so an account with no utid still yields
// a usable "<uid>." identifier.
func joinIdentifiers(uid, utid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(uid)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(utid))
}
