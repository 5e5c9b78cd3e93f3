package implicit

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"
)

func TestIDToken_Redaction(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tk := IDToken("super secret token")
	assert.Equalf(RedactedIDToken, tk.String(), "IDToken.String() = %s, wanted %s", tk.String(), RedactedIDToken)
	marshaled, err := tk.MarshalJSON()
	require.NoError(err)
	var got string
	require.NoError(json.Unmarshal(marshaled, &got))
	assert.Equal(RedactedIDToken, got)
}

func TestIDToken_Claims(t *testing.T) {
	t.Parallel()
	_, priv := TestGenerateKeys(t)
	now := time.Now()
	exp := now.Add(time.Hour)

	signed := TestSignIDToken(t, priv, jwt.Claims{
		Issuer:   "https://login.example.com/common",
		Subject:  "alice",
		Audience: []string{"client-1"},
		Expiry:   jwt.NewNumericDate(exp),
	}, map[string]interface{}{
		"nonce":              "nonce-1",
		"preferred_username": "alice@example.com",
		"name":               "Alice Example",
		"sid":                "sid-1",
		"uid":                "uid-1",
		"utid":               "utid-1",
	})

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		claims, err := IDToken(signed).Claims()
		require.NoError(err)
		assert.Equal("https://login.example.com/common", claims.Issuer)
		assert.Equal("alice", claims.Subject)
		assert.Equal([]string{"client-1"}, claims.Audience)
		assert.Equal("nonce-1", claims.Nonce)
		assert.Equal("alice@example.com", claims.PreferredUsername)
		assert.Equal("Alice Example", claims.Name)
		assert.Equal("sid-1", claims.SessionID)
		assert.Equal("uid-1", claims.UID)
		assert.Equal("utid-1", claims.UTID)
		assert.WithinDuration(exp, claims.Expiry, time.Second)
		assert.NotEmpty(claims.Raw)
	})
	t.Run("empty-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := IDToken("").Claims()
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("not-a-jwt", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := IDToken("not.a.jwt").Claims()
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidIDToken))
	})
}

func TestIDTokenClaims_EnvironmentHost(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal("login.example.com", (&IDTokenClaims{Issuer: "https://login.example.com/common"}).EnvironmentHost())
	assert.Empty((&IDTokenClaims{}).EnvironmentHost())
	var nilClaims *IDTokenClaims
	assert.Empty(nilClaims.EnvironmentHost())
}

func TestAccessToken_Redaction(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tk := AccessToken("super secret token")
	assert.Equal(RedactedAccessToken, tk.String())
	marshaled, err := tk.MarshalJSON()
	require.NoError(err)
	var got string
	require.NoError(json.Unmarshal(marshaled, &got))
	assert.Equal(RedactedAccessToken, got)
}
