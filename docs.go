// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// spaauth provides token acquisition for browser-resident (single-page
// application) clients.  The implicit package implements the OIDC implicit
// flow engine: a token cache, authority endpoint resolution, silent renewal
// through hidden frames, and correlation of fragment-encoded authorization
// responses.
//
// See README.md
package spaauth
