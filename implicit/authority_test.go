package implicit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkhttp "github.com/hashicorp/spaauth/sdk/http"
)

func TestNewAuthority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		rawURL        string
		wantCanonical string
		wantKind      authorityKind
		wantErr       bool
		wantIsErr     error
	}{
		{
			name:          "valid-tenant",
			rawURL:        "https://login.example.com/common",
			wantCanonical: "https://login.example.com/common",
			wantKind:      authorityTenant,
		},
		{
			name:          "valid-tenant-trailing-slash",
			rawURL:        "https://login.example.com/contoso.example.com/",
			wantCanonical: "https://login.example.com/contoso.example.com",
			wantKind:      authorityTenant,
		},
		{
			name:          "valid-policy",
			rawURL:        "https://login.example.com/tfp/contoso/b2c_signin",
			wantCanonical: "https://login.example.com/tfp/contoso/b2c_signin",
			wantKind:      authorityPolicy,
		},
		{
			name:      "empty",
			rawURL:    "",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "bad-scheme",
			rawURL:    "ftp://login.example.com/common",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "no-host",
			rawURL:    "https:///common",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "query-not-allowed",
			rawURL:    "https://login.example.com/common?x=1",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "no-tenant-segment",
			rawURL:    "https://login.example.com/",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "too-many-segments",
			rawURL:    "https://login.example.com/a/b",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "policy-path-without-policy",
			rawURL:    "https://login.example.com/tfp",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
		{
			name:      "policy-path-missing-segment",
			rawURL:    "https://login.example.com/tfp/contoso",
			wantErr:   true,
			wantIsErr: ErrInvalidAuthority,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewAuthority(tt.rawURL, false)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.wantCanonical, got.CanonicalURL())
			assert.Equal(tt.wantKind, got.kind)
		})
	}
}

func TestAuthorityCache_Resolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newCache := func(t *testing.T) *authorityCache {
		t.Helper()
		client, err := sdkhttp.NewClient("")
		require.NoError(t, err)
		return newAuthorityCache(client)
	}

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c := newCache(t)
		md, err := c.resolve(ctx, ta.Authority(), false)
		require.NoError(err)
		assert.Equal(ta.Authority(), md.CanonicalAuthority)
		assert.Equal(ta.Authority()+"/oauth2/authorize", md.AuthorizationEndpoint)
		assert.Equal(ta.Authority()+"/oauth2/token", md.TokenEndpoint)
		assert.Equal(ta.Authority()+"/oauth2/logout", md.EndSessionEndpoint)
		assert.Equal(ta.Authority(), md.Issuer)
	})
	t.Run("resolved-once-per-authority", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c := newCache(t)
		first, err := c.resolve(ctx, ta.Authority(), false)
		require.NoError(err)

		// discovery goes away, but the cached metadata still serves
		ta.SetDisableDiscovery(true)
		second, err := c.resolve(ctx, ta.Authority(), false)
		require.NoError(err)
		assert.Same(first, second)
	})
	t.Run("discovery-unreachable", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		ta.SetDisableDiscovery(true)
		c := newCache(t)
		_, err := c.resolve(ctx, ta.Authority(), false)
		require.Error(err)
		assert.True(errors.Is(err, ErrEndpointResolution))
	})
	t.Run("validation-requires-issuer", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		ta.SetOmitIssuer(true)
		c := newCache(t)
		_, err := c.resolve(ctx, ta.Authority(), true)
		require.Error(err)
		assert.True(errors.Is(err, ErrEndpointResolution))

		// without validation the issuer-less document is accepted
		md, err := c.resolve(ctx, ta.Authority(), false)
		require.NoError(err)
		assert.False(md.Validated)
	})
	t.Run("invalid-authority-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := newCache(t)
		_, err := c.resolve(ctx, "https://login.example.com/a/b", false)
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidAuthority))
	})
}
