package implicit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDToken is an oidc id_token
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// IDTokenClaims are the decoded claims of an id token the flow relies on.
// Raw holds the complete claim set.
type IDTokenClaims struct {
	Issuer            string
	Subject           string
	Audience          []string
	Expiry            time.Time
	Nonce             string
	PreferredUsername string
	Name              string
	SessionID         string
	UID               string
	UTID              string
	Raw               map[string]interface{}
}

// Claims decodes the id token's payload.  The token's signature is not
// verified here: the flow trusts the fragment return channel plus the
// embedded nonce, matching the browser security model the engine runs under.
func (t IDToken) Claims() (*IDTokenClaims, error) {
	const op = "implicit.IDToken.Claims"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	raw := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(t), raw); err != nil {
		return nil, fmt.Errorf("%s: unable to parse id_token: %w", op, ErrInvalidIDToken)
	}

	claims := &IDTokenClaims{Raw: raw}
	claims.Issuer, _ = raw["iss"].(string)
	claims.Subject, _ = raw["sub"].(string)
	claims.Nonce, _ = raw["nonce"].(string)
	claims.PreferredUsername, _ = raw["preferred_username"].(string)
	claims.Name, _ = raw["name"].(string)
	claims.SessionID, _ = raw["sid"].(string)
	claims.UID, _ = raw["uid"].(string)
	claims.UTID, _ = raw["utid"].(string)

	switch aud := raw["aud"].(type) {
	case string:
		claims.Audience = []string{aud}
	case []interface{}:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				claims.Audience = append(claims.Audience, s)
			}
		}
	}

	if exp, err := raw.GetExpirationTime(); err == nil && exp != nil {
		claims.Expiry = exp.Time
	}

	return claims, nil
}

// EnvironmentHost returns the host component of the issuer claim, used as
// the account's environment.
func (c *IDTokenClaims) EnvironmentHost() string {
	if c == nil || c.Issuer == "" {
		return ""
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return ""
	}
	return u.Host
}
