package spaauth_test

import (
	"context"
	"fmt"

	"github.com/hashicorp/spaauth/implicit"
)

// pageNavigator adapts a host page's navigation surface.  A real host would
// drive the browser here; this one just prints where it would go.
type pageNavigator struct{}

func (pageNavigator) Redirect(_ context.Context, url string) error {
	fmt.Println("navigating top-level window")
	return nil
}

func (pageNavigator) OpenPopup(_ context.Context, url string) (implicit.Window, error) {
	return nil, fmt.Errorf("popups unavailable in this host")
}

func (pageNavigator) OpenFrame(_ context.Context, url string) (implicit.Window, error) {
	return nil, fmt.Errorf("frames unavailable in this host")
}

func Example_implicit() {
	ctx := context.Background()

	// Create a new Config
	cfg, err := implicit.NewConfig(
		"your_client_id",
		"https://your-directory.com/your-tenant",
		"https://your-app.com/",
	)
	if err != nil {
		// handle error
		return
	}

	// Create a client for the page
	client, err := implicit.NewClient(cfg, implicit.WithNavigator(pageNavigator{}))
	if err != nil {
		// handle error
		return
	}

	// On every page load, hand the current URL to the client so a pending
	// authorization response is correlated and cached.
	if result, err := client.CompleteAuthorization(ctx, "https://your-app.com/"); err == nil && result != nil {
		fmt.Println("signed in:", result.Account.UserName)
		return
	}

	// Begin an interactive sign-in via a full-page redirect.  The response
	// returns through CompleteAuthorization above.
	if err := client.LoginRedirect(ctx); err != nil {
		// handle error
		return
	}

	// Once signed in, tokens are acquired silently: from the cache when
	// fresh, through a hidden frame renewal when not.
	result, err := client.AcquireTokenSilent(ctx, []string{"api://your-api/.default"})
	if err != nil {
		// handle error
		return
	}
	fmt.Println("token acquired for", result.Scopes)
}
