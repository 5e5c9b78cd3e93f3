// Package implicit provides token acquisition for browser-resident
// (single-page application) clients using the OIDC implicit flow.  A Client
// obtains, caches and silently renews access and id tokens for a requested
// set of scopes without a backend session.
//
// The Client acquires tokens through three browsing surfaces supplied by a
// Navigator: a full-page redirect, a tracked popup window, or a hidden frame
// used for silent renewal with prompt=none.  All three surfaces return an
// authorization response as a URL fragment, which the host delivers back to
// the Client via CompleteAuthorization.  Responses are correlated to their
// originating request with a single-use state value and validated against a
// single-use nonce embedded in the returned id token.
//
// Concurrent silent requests for the same normalized scope set are
// multiplexed onto a single renewal attempt: every caller is resolved or
// rejected together when that one attempt concludes.
package implicit
