package implicit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/hashicorp/spaauth/sdk/strutil"
)

// TestAuthority is a local fake directory for testing.  It serves a discovery
// document over an httptest server and synthesizes fragment-form
// authorization responses on demand, so tests can exercise the full
// request/response correlation without a browser or a real identity provider.
//
// Use the Set* mutators to shape the next response (an error pair, a stale
// nonce, omitted parameters).  All mutators are safe for concurrent use.
type TestAuthority struct {
	t          *testing.T
	httpServer *httptest.Server

	signingKeyPub  string
	signingKeyPriv string

	mu               sync.Mutex
	tenantPath       string
	expiresIn        int64
	subject          string
	userName         string
	displayName      string
	sessionID        string
	uid              string
	utid             string
	customClaims     map[string]interface{}
	nonceOverride    string
	omitIDToken      bool
	omitAccessToken  bool
	omitClientInfo   bool
	omitIssuer       bool
	disableDiscovery bool
	errorCode        string
	errorDesc        string
	authorizeCount   int
}

// StartTestAuthority creates and starts a running TestAuthority.  The server
// is stopped via t.Cleanup.
func StartTestAuthority(t *testing.T) *TestAuthority {
	t.Helper()

	ta := &TestAuthority{
		t:           t,
		tenantPath:  "common",
		expiresIn:   3600,
		subject:     "alice@example.com",
		userName:    "alice@example.com",
		displayName: "Alice Example",
		uid:         "test-uid",
		utid:        "test-utid",
	}
	ta.signingKeyPub, ta.signingKeyPriv = TestGenerateKeys(t)

	ta.httpServer = httptest.NewServer(ta)
	t.Cleanup(ta.httpServer.Close)
	return ta
}

// Addr returns the base URL of the running authority server.
func (ta *TestAuthority) Addr() string { return ta.httpServer.URL }

// Authority returns the directory URL tests should configure clients with.
func (ta *TestAuthority) Authority() string {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.httpServer.URL + "/" + ta.tenantPath
}

// AuthorizeCount reports how many authorization responses have been
// synthesized.
func (ta *TestAuthority) AuthorizeCount() int {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.authorizeCount
}

// SetErrorResponse makes subsequent authorization responses carry the given
// error pair instead of tokens.  Passing empty strings restores success
// responses.
func (ta *TestAuthority) SetErrorResponse(code, description string) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.errorCode, ta.errorDesc = code, description
}

// SetExpiresIn sets the expires_in seconds of subsequent responses.
func (ta *TestAuthority) SetExpiresIn(seconds int64) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.expiresIn = seconds
}

// SetSubject sets the sub claim of subsequent id tokens.
func (ta *TestAuthority) SetSubject(sub string) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.subject = sub
}

// SetUser sets the preferred_username and name claims of subsequent id
// tokens.
func (ta *TestAuthority) SetUser(userName, displayName string) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.userName, ta.displayName = userName, displayName
}

// SetSessionID sets the sid claim of subsequent id tokens.
func (ta *TestAuthority) SetSessionID(sid string) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.sessionID = sid
}

// SetClientInfo sets the uid/utid pair carried by subsequent responses, both
// in the client_info parameter and as id token claims.
func (ta *TestAuthority) SetClientInfo(uid, utid string) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.uid, ta.utid = uid, utid
}

// SetCustomClaims adds claims to subsequent id tokens.
func (ta *TestAuthority) SetCustomClaims(claims map[string]interface{}) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.customClaims = claims
}

// SetNonceOverride makes subsequent id tokens carry the given nonce instead
// of the request's nonce.
func (ta *TestAuthority) SetNonceOverride(nonce string) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.nonceOverride = nonce
}

// SetOmitIDToken drops the id_token from subsequent responses.
func (ta *TestAuthority) SetOmitIDToken(omit bool) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.omitIDToken = omit
}

// SetOmitAccessToken drops the access_token from subsequent responses.
func (ta *TestAuthority) SetOmitAccessToken(omit bool) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.omitAccessToken = omit
}

// SetOmitClientInfo drops the client_info parameter from subsequent
// responses.
func (ta *TestAuthority) SetOmitClientInfo(omit bool) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.omitClientInfo = omit
}

// SetOmitIssuer drops the issuer from the discovery document, which fails
// resolution for validating clients.
func (ta *TestAuthority) SetOmitIssuer(omit bool) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.omitIssuer = omit
}

// SetDisableDiscovery makes the discovery endpoint return 404.
func (ta *TestAuthority) SetDisableDiscovery(disable bool) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.disableDiscovery = disable
}

// ServeHTTP implements the discovery side of the authority.
func (ta *TestAuthority) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	if !strings.HasSuffix(req.URL.Path, "/.well-known/openid-configuration") {
		http.NotFound(w, req)
		return
	}
	if ta.disableDiscovery {
		http.NotFound(w, req)
		return
	}
	base := ta.httpServer.URL + "/" + ta.tenantPath
	doc := map[string]string{
		"authorization_endpoint": base + "/oauth2/authorize",
		"token_endpoint":         base + "/oauth2/token",
		"end_session_endpoint":   base + "/oauth2/logout",
	}
	if !ta.omitIssuer {
		doc["issuer"] = base
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		ta.t.Errorf("unable to encode discovery document: %s", err)
	}
}

// Authorize synthesizes the fragment-form response URL for one authorization
// request URL, as the directory's authorize endpoint would return it to the
// redirect URI.
func (ta *TestAuthority) Authorize(requestURL string) string {
	ta.t.Helper()
	require := require.New(ta.t)

	u, err := url.Parse(requestURL)
	require.NoError(err)
	q := u.Query()
	redirectURI := q.Get("redirect_uri")
	require.NotEmpty(redirectURI)

	ta.mu.Lock()
	defer ta.mu.Unlock()
	ta.authorizeCount++

	params := url.Values{}
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}

	if ta.errorCode != "" {
		params.Set("error", ta.errorCode)
		if ta.errorDesc != "" {
			params.Set("error_description", ta.errorDesc)
		}
		return redirectURI + "#" + params.Encode()
	}

	responseTypes := strings.Fields(q.Get("response_type"))
	wantsIDToken := strutil.StrListContains(responseTypes, "id_token")
	wantsAccessToken := strutil.StrListContains(responseTypes, "token")

	if wantsIDToken && !ta.omitIDToken {
		params.Set("id_token", ta.signIDTokenLocked(q.Get("client_id"), q.Get("nonce")))
	}
	if wantsAccessToken && !ta.omitAccessToken {
		params.Set("access_token", fmt.Sprintf("test-access-token-%d", ta.authorizeCount))
		params.Set("expires_in", fmt.Sprintf("%d", ta.expiresIn))
		if scope := grantedScopes(q.Get("scope")); scope != "" {
			params.Set("scope", scope)
		}
	}
	if !ta.omitClientInfo {
		info := &ClientInfo{UID: ta.uid, UTID: ta.utid}
		params.Set("client_info", info.Encode())
	}
	if ta.sessionID != "" {
		params.Set("session_state", ta.sessionID)
	}
	return redirectURI + "#" + params.Encode()
}

func (ta *TestAuthority) signIDTokenLocked(clientID, nonce string) string {
	now := time.Now()
	claims := jwt.Claims{
		Issuer:    ta.httpServer.URL + "/" + ta.tenantPath,
		Subject:   ta.subject,
		Audience:  []string{clientID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Duration(ta.expiresIn) * time.Second)),
	}
	if ta.nonceOverride != "" {
		nonce = ta.nonceOverride
	}
	privateClaims := map[string]interface{}{
		"nonce":              nonce,
		"preferred_username": ta.userName,
		"name":               ta.displayName,
		"uid":                ta.uid,
		"utid":               ta.utid,
	}
	if ta.sessionID != "" {
		privateClaims["sid"] = ta.sessionID
	}
	for k, v := range ta.customClaims {
		privateClaims[k] = v
	}
	return TestSignIDToken(ta.t, ta.signingKeyPriv, claims, privateClaims)
}

// grantedScopes echoes a request's scope parameter back minus the reserved
// scopes, the way a directory reports the granted set.
func grantedScopes(requested string) string {
	var granted []string
	for _, s := range strings.Fields(requested) {
		if strutil.StrListContains(reservedScopes, s) {
			continue
		}
		granted = append(granted, s)
	}
	return strings.Join(granted, " ")
}

// TestNavigator is a Navigator double.  By default it answers every popup and
// hidden frame synchronously with the TestAuthority's synthesized response;
// with auto-respond off, the test drives each TestWindow by hand.
type TestNavigator struct {
	t         *testing.T
	authority *TestAuthority

	mu          sync.Mutex
	autoRespond bool
	redirects   []string
	popups      []*TestWindow
	frames      []*TestWindow
	redirectErr error
	popupErr    error
	frameErr    error
}

// NewTestNavigator creates a TestNavigator answering with authority's
// responses.
func NewTestNavigator(t *testing.T, authority *TestAuthority) *TestNavigator {
	t.Helper()
	return &TestNavigator{
		t:           t,
		authority:   authority,
		autoRespond: true,
	}
}

// SetAutoRespond toggles synthesizing a response the moment a popup or frame
// opens.  Turn it off to control delivery timing from the test.
func (n *TestNavigator) SetAutoRespond(auto bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autoRespond = auto
}

// SetRedirectErr makes Redirect fail.
func (n *TestNavigator) SetRedirectErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirectErr = err
}

// SetPopupErr makes OpenPopup fail, simulating a blocked popup.
func (n *TestNavigator) SetPopupErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.popupErr = err
}

// SetFrameErr makes OpenFrame fail.
func (n *TestNavigator) SetFrameErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frameErr = err
}

// Redirect implements Navigator.
func (n *TestNavigator) Redirect(_ context.Context, navURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.redirectErr != nil {
		return n.redirectErr
	}
	n.redirects = append(n.redirects, navURL)
	return nil
}

// OpenPopup implements Navigator.
func (n *TestNavigator) OpenPopup(_ context.Context, navURL string) (Window, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.popupErr != nil {
		return nil, n.popupErr
	}
	w := NewTestWindow()
	w.openURL = navURL
	if n.autoRespond {
		w.Deliver(n.authority.Authorize(navURL))
	}
	n.popups = append(n.popups, w)
	return w, nil
}

// OpenFrame implements Navigator.
func (n *TestNavigator) OpenFrame(_ context.Context, navURL string) (Window, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frameErr != nil {
		return nil, n.frameErr
	}
	w := NewTestWindow()
	w.openURL = navURL
	if n.autoRespond {
		w.Deliver(n.authority.Authorize(navURL))
	}
	n.frames = append(n.frames, w)
	return w, nil
}

// Redirects returns every URL passed to Redirect so far.
func (n *TestNavigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

// LastRedirect returns the most recent Redirect URL.
func (n *TestNavigator) LastRedirect() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.redirects) == 0 {
		return "", false
	}
	return n.redirects[len(n.redirects)-1], true
}

// Popups returns every popup window opened so far.
func (n *TestNavigator) Popups() []*TestWindow {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*TestWindow(nil), n.popups...)
}

// Frames returns every hidden frame opened so far.
func (n *TestNavigator) Frames() []*TestWindow {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*TestWindow(nil), n.frames...)
}

// TestWindow is a Window double whose return navigation is delivered by the
// test.
type TestWindow struct {
	mu        sync.Mutex
	openURL   string
	returnURL string
	hasReturn bool
	closed    bool
}

func NewTestWindow() *TestWindow {
	return &TestWindow{}
}

// OpenURL returns the authorization request URL the window was opened with.
func (w *TestWindow) OpenURL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openURL
}

// Deliver makes the window report a same-origin return navigation to navURL.
func (w *TestWindow) Deliver(navURL string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.returnURL = navURL
	w.hasReturn = true
}

// ReturnURL implements Window.
func (w *TestWindow) ReturnURL() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.returnURL, w.hasReturn
}

// Closed implements Window.
func (w *TestWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close implements Window.
func (w *TestWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}
