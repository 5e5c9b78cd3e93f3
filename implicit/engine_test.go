package implicit

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedirectURI = "https://app.example.com/"

// testClient builds a Client against ta with a TestNavigator and fast
// poll/timeout settings.  Extra options are applied to both the config and
// the client; an Option only acts on the target it was made for.
func testClient(t *testing.T, ta *TestAuthority, opt ...Option) (*Client, *TestNavigator) {
	t.Helper()
	require := require.New(t)
	nav := NewTestNavigator(t, ta)

	cfgOpts := append([]Option{
		WithPopupPollInterval(2 * time.Millisecond),
		WithLoadFrameTimeout(500 * time.Millisecond),
	}, opt...)
	cfg, err := NewConfig(testClientID, ta.Authority(), testRedirectURI, cfgOpts...)
	require.NoError(err)

	clientOpts := append([]Option{WithNavigator(nav)}, opt...)
	c, err := NewClient(cfg, clientOpts...)
	require.NoError(err)
	return c, nav
}

func TestNewConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		clientID    string
		authority   string
		redirectURI string
		opts        []Option
		wantErr     bool
		wantIsErr   error
	}{
		{
			name:        "valid",
			clientID:    testClientID,
			authority:   testAuthority,
			redirectURI: testRedirectURI,
		},
		{
			name:        "valid-with-options",
			clientID:    testClientID,
			authority:   testAuthority,
			redirectURI: testRedirectURI,
			opts: []Option{
				WithValidateAuthority(),
				WithTokenRenewalOffset(time.Minute),
				WithPostLogoutRedirectURI("https://app.example.com/bye"),
			},
		},
		{
			name:        "empty-client-id",
			clientID:    "",
			authority:   testAuthority,
			redirectURI: testRedirectURI,
			wantErr:     true,
			wantIsErr:   ErrInvalidParameter,
		},
		{
			name:        "empty-redirect-uri",
			clientID:    testClientID,
			authority:   testAuthority,
			redirectURI: "",
			wantErr:     true,
			wantIsErr:   ErrInvalidParameter,
		},
		{
			name:        "invalid-authority",
			clientID:    testClientID,
			authority:   "https://login.example.com/a/b",
			redirectURI: testRedirectURI,
			wantErr:     true,
			wantIsErr:   ErrInvalidAuthority,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewConfig(tt.clientID, tt.authority, tt.redirectURI, tt.opts...)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.clientID, got.ClientID)
			assert.Equal(tt.authority, got.Authority)
			assert.Equal(tt.redirectURI, got.RedirectURI)
			if len(tt.opts) == 0 {
				assert.Equal(DefaultTokenRenewalOffset, got.TokenRenewalOffset)
				assert.Equal(DefaultLoadFrameTimeout, got.LoadFrameTimeout)
				assert.Equal(DefaultPollInterval, got.PopupPollInterval)
				assert.False(got.ValidateAuthority)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	t.Parallel()
	newCfg := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := NewConfig(testClientID, testAuthority, testRedirectURI)
		require.NoError(t, err)
		return cfg
	}
	nav := &TestNavigator{autoRespond: false}

	t.Run("valid", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient(newCfg(t), WithNavigator(nav))
		require.NoError(err)
		require.NotNil(c)
	})
	t.Run("valid-with-provider-ca", func(t *testing.T) {
		require := require.New(t)
		pem := TestGenerateCA(t, []string{"localhost"})
		_, err := NewClient(newCfg(t), WithNavigator(nav), WithProviderCA(pem))
		require.NoError(err)
	})
	t.Run("nil-config", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewClient(nil, WithNavigator(nav))
		require.Error(err)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("missing-navigator", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewClient(newCfg(t))
		require.Error(err)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("nil-storage", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewClient(newCfg(t), WithNavigator(nav), WithStorage(nil))
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidCacheLocation))
	})
	t.Run("invalid-provider-ca", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewClient(newCfg(t), WithNavigator(nav), WithProviderCA("not a pem"))
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidCACert))
	})
}

func TestClient_LoginPopup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)

		result, err := c.LoginPopup(ctx, WithCallerState("app-state"))
		require.NoError(err)
		require.NotNil(result)
		assert.Equal(ResponseTypeIDToken, result.TokenType)
		assert.NotEmpty(result.Token)
		assert.Equal("app-state", result.CallerState)
		assert.False(result.FromCache)
		require.NotNil(result.Account)
		assert.Equal("alice@example.com", result.Account.UserName)
		assert.True(result.Account.Equal(c.CurrentAccount()))
		assert.Len(nav.Popups(), 1)

		// the raw id token interops with the legacy storage entry
		legacy, err := c.storage.Get(keyLegacyIDToken)
		require.NoError(err)
		assert.Equal(string(result.IDToken), legacy)
	})
	t.Run("with-scopes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, _ := testClient(t, ta)

		result, err := c.LoginPopup(ctx, WithScopes("api://x/read"))
		require.NoError(err)
		assert.Equal(ResponseTypeToken, result.TokenType)
		assert.Equal([]string{"api://x/read"}, result.Scopes)
	})
	t.Run("popup-blocked", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)
		nav.SetPopupErr(errors.New("blocked by the browser"))

		_, err := c.LoginPopup(ctx)
		require.Error(err)
		assert.True(errors.Is(err, ErrPopupBlocked))

		// the failed attempt does not leave login marked in progress
		nav.SetPopupErr(nil)
		_, err = c.LoginPopup(ctx)
		require.NoError(err)
	})
	t.Run("user-closes-popup", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)
		nav.SetAutoRespond(false)

		errCh := make(chan error, 1)
		go func() {
			_, err := c.LoginPopup(ctx)
			errCh <- err
		}()
		popup := waitForWindow(t, nav.Popups)
		popup.Close()

		err := <-errCh
		require.Error(err)
		assert.True(errors.Is(err, ErrUserCancelled))
	})
	t.Run("login-already-in-progress", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)
		nav.SetAutoRespond(false)

		errCh := make(chan error, 1)
		go func() {
			_, err := c.LoginPopup(ctx)
			errCh <- err
		}()
		popup := waitForWindow(t, nav.Popups)

		_, err := c.LoginPopup(ctx)
		require.Error(err)
		assert.True(errors.Is(err, ErrLoginInProgress))
		_, err = c.AcquireTokenPopup(ctx, []string{"api://x/read"})
		require.Error(err)
		assert.True(errors.Is(err, ErrLoginInProgress))

		popup.Deliver(ta.Authorize(popup.OpenURL()))
		require.NoError(<-errCh)
	})
}

func TestClient_AcquireTokenPopup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, _ := testClient(t, ta)

		result, err := c.AcquireTokenPopup(ctx, []string{"api://x/read"})
		require.NoError(err)
		assert.Equal(ResponseTypeToken, result.TokenType)
		assert.NotEmpty(result.Token)
		assert.Equal([]string{"api://x/read"}, result.Scopes)

		// the popup's grant is in the cache for silent acquisition
		cached, err := c.AcquireTokenSilent(ctx, []string{"api://x/read"})
		require.NoError(err)
		assert.True(cached.FromCache)
		assert.Equal(result.Token, cached.Token)
	})
	t.Run("empty-scopes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, _ := testClient(t, ta)
		_, err := c.AcquireTokenPopup(ctx, nil)
		require.Error(err)
		assert.True(errors.Is(err, ErrEmptyScopes))
	})
	t.Run("acquire-already-in-progress", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)
		nav.SetAutoRespond(false)

		errCh := make(chan error, 1)
		go func() {
			_, err := c.AcquireTokenPopup(ctx, []string{"api://x/read"})
			errCh <- err
		}()
		popup := waitForWindow(t, nav.Popups)

		_, err := c.AcquireTokenPopup(ctx, []string{"api://y/other"})
		require.Error(err)
		assert.True(errors.Is(err, ErrAcquireTokenInProgress))

		popup.Deliver(ta.Authorize(popup.OpenURL()))
		require.NoError(<-errCh)
	})
}

func TestClient_RedirectFlows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("login-redirect-round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)

		require.NoError(c.LoginRedirect(ctx, WithCallerState("page"), WithReturnURL("https://app.example.com/#/home")))
		requestURL, ok := nav.LastRedirect()
		require.True(ok)

		result, err := c.CompleteAuthorization(ctx, ta.Authorize(requestURL))
		require.NoError(err)
		require.NotNil(result)
		assert.Equal("page", result.CallerState)
		assert.NotNil(c.CurrentAccount())

		// the host's page is navigated back to where the login started
		back, ok := nav.LastRedirect()
		require.True(ok)
		assert.Equal("https://app.example.com/#/home", back)

		// the scratch entries were consumed
		_, err = c.storage.Get(keyLoginState)
		assert.True(errors.Is(err, ErrNotFound))
	})
	t.Run("acquire-redirect-round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)

		require.NoError(c.AcquireTokenRedirect(ctx, []string{"api://x/read"}))
		requestURL, ok := nav.LastRedirect()
		require.True(ok)
		u, err := url.Parse(requestURL)
		require.NoError(err)
		assert.Equal("id_token token", u.Query().Get("response_type"))

		result, err := c.CompleteAuthorization(ctx, ta.Authorize(requestURL))
		require.NoError(err)
		assert.Equal(ResponseTypeToken, result.TokenType)
		assert.Equal([]string{"api://x/read"}, result.Scopes)
	})
	t.Run("redirect-navigation-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)
		nav.SetRedirectErr(errors.New("navigation refused"))

		err := c.LoginRedirect(ctx)
		require.Error(err)
		assert.Contains(err.Error(), "navigation refused")

		// progress was rolled back
		nav.SetRedirectErr(nil)
		require.NoError(c.LoginRedirect(ctx))
	})
}

func TestClient_Accounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	ta := StartTestAuthority(t)
	c, _ := testClient(t, ta)

	_, err := c.LoginPopup(ctx)
	require.NoError(err)

	ta.SetSubject("bob@example.com")
	ta.SetUser("bob@example.com", "Bob Example")
	ta.SetClientInfo("bob-uid", "bob-utid")
	_, err = c.AcquireTokenPopup(ctx, []string{"api://x/read"})
	require.NoError(err)
	_, err = c.AcquireTokenPopup(ctx, []string{"api://y/other"})
	require.NoError(err)

	accounts, err := c.Accounts()
	require.NoError(err)
	// bob holds two grants but is one account
	require.Len(accounts, 2)
	var names []string
	for _, a := range accounts {
		names = append(names, a.UserName)
	}
	assert.ElementsMatch([]string{"alice@example.com", "bob@example.com"}, names)
}

func TestClient_Logout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta, WithPostLogoutRedirectURI("https://app.example.com/bye"))

		_, err := c.LoginPopup(ctx)
		require.NoError(err)
		_, err = c.AcquireTokenPopup(ctx, []string{"api://x/read"})
		require.NoError(err)

		require.NoError(c.Logout(ctx))
		assert.Nil(c.CurrentAccount())
		accounts, err := c.Accounts()
		require.NoError(err)
		assert.Empty(accounts)

		// navigated to the end-session endpoint with the post-logout return
		last, ok := nav.LastRedirect()
		require.True(ok)
		assert.True(strings.HasPrefix(last, ta.Authority()+"/oauth2/logout"))
		assert.Contains(last, "post_logout_redirect_uri="+url.QueryEscape("https://app.example.com/bye"))

		// a new login works from the clean slate
		result, err := c.LoginPopup(ctx)
		require.NoError(err)
		require.NotNil(result.Account)
	})
	t.Run("clears-in-progress-flags", func(t *testing.T) {
		require := require.New(t)
		ta := StartTestAuthority(t)
		c, nav := testClient(t, ta)
		nav.SetAutoRespond(false)

		errCh := make(chan error, 1)
		go func() {
			_, err := c.LoginPopup(ctx)
			errCh <- err
		}()
		popup := waitForWindow(t, nav.Popups)

		require.NoError(c.Logout(ctx))
		require.NoError(c.LoginRedirect(ctx))

		popup.Close()
		<-errCh
	})
}

func TestClient_TokenLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	ta := StartTestAuthority(t)
	c, nav := testClient(t, ta)
	scopes := []string{"api://x/read"}

	// sign in
	login, err := c.LoginPopup(ctx)
	require.NoError(err)
	require.NotNil(login.Account)

	// first acquisition renews through a hidden frame
	first, err := c.AcquireTokenSilent(ctx, scopes)
	require.NoError(err)
	assert.False(first.FromCache)
	assert.Len(nav.Frames(), 1)

	// while fresh, the grant serves from cache
	second, err := c.AcquireTokenSilent(ctx, scopes)
	require.NoError(err)
	assert.True(second.FromCache)
	assert.Equal(first.Token, second.Token)
	assert.Len(nav.Frames(), 1)

	// age the cached grant into the renewal window
	entries, err := c.cache.entries(testClientID)
	require.NoError(err)
	for _, e := range entries {
		if e.key.Scopes == "api://x/read" {
			e.value.ExpiresOn = time.Now().Add(time.Minute).Unix()
			require.NoError(c.cache.store(e.key, e.value))
		}
	}

	// a stale grant is renewed, transparently to the caller
	third, err := c.AcquireTokenSilent(ctx, scopes)
	require.NoError(err)
	assert.False(third.FromCache)
	assert.NotEqual(second.Token, third.Token)
	assert.Len(nav.Frames(), 2)

	// sign out wipes it all
	require.NoError(c.Logout(ctx))
	assert.Nil(c.CurrentAccount())
	entries, err = c.cache.entries(testClientID)
	require.NoError(err)
	assert.Empty(entries)
}

// waitForWindow polls for the next window opened by the navigator.
func waitForWindow(t *testing.T, windows func() []*TestWindow) *TestWindow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var seen int
	for time.Now().Before(deadline) {
		if ws := windows(); len(ws) > seen {
			return ws[len(ws)-1]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a window to open")
	return nil
}
