package implicit

import "context"

// Navigator supplies the browsing surfaces a Client navigates to reach the
// authorization endpoint.  Implementations belong to the host environment:
// a real browser shim, a webview, or a test fake.
//
// Surfaces communicate with the client only through the URL strings they
// return.  No live object crosses a browsing-context boundary, which matches
// the security model the flow runs under (a cross-origin frame cannot be
// dereferenced by its opener).
type Navigator interface {
	// Redirect performs a full-page navigation to url.  It does not return a
	// response: the authorization server redirects back to the redirect URI
	// and the host delivers the resulting fragment to
	// Client.CompleteAuthorization on the next page load.
	Redirect(ctx context.Context, url string) error

	// OpenPopup opens a tracked popup window navigated to url.  The popup is
	// polled for closure and for a same-origin return navigation.
	OpenPopup(ctx context.Context, url string) (Window, error)

	// OpenFrame opens a hidden frame navigated to url, used for silent
	// renewal with prompt=none.
	OpenFrame(ctx context.Context, url string) (Window, error)
}

// Window is an open popup or hidden frame.
type Window interface {
	// ReturnURL reports the same-origin URL the window has navigated back
	// to, once one is observable.  While the window is still at the
	// authorization server (cross-origin), ok is false.
	ReturnURL() (url string, ok bool)

	// Closed reports whether the window has been closed.
	Closed() bool

	// Close closes the window.  Closing an already-closed window is a no-op.
	Close()
}
