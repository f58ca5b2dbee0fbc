// Package gcal wraps Google OAuth and the Calendar v3 API for the
// assistant's calendar tools.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// OOBRedirectURL is the copy-paste redirect: Google shows the code on a
// page instead of redirecting to a server.
const OOBRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

// ErrNotConfigured is returned when no client secret is available.
var ErrNotConfigured = errors.New("google oauth client is not configured")

// OAuth builds consent URLs and exchanges pasted codes.
type OAuth struct {
	config *oauth2.Config
	// httpClient, when set, is used for token endpoint calls.
	httpClient *http.Client
}

// NewOAuth parses a Google client-secret bundle (the "installed" or
// "web" JSON downloaded from the cloud console) and requests full
// calendar scope. An empty redirect selects [OOBRedirectURL].
func NewOAuth(clientSecret []byte, redirect string) (*OAuth, error) {
	if len(clientSecret) == 0 {
		return nil, ErrNotConfigured
	}
	cfg, err := google.ConfigFromJSON(clientSecret, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}
	if redirect == "" {
		redirect = OOBRedirectURL
	}
	cfg.RedirectURL = redirect
	return &OAuth{config: cfg}, nil
}

// NewOAuthFromConfig wraps an existing oauth2 config. Tests use it to
// point the token endpoint at a fake server.
func NewOAuthFromConfig(cfg *oauth2.Config, httpClient *http.Client) *OAuth {
	return &OAuth{config: cfg, httpClient: httpClient}
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	if o.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}
	return ctx
}

// AuthURL returns the consent URL. Offline access and forced consent
// make Google return a refresh token every time.
func (o *OAuth) AuthURL(state string) string {
	return o.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades a pasted authorization code for a token.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := o.config.Exchange(o.ctx(ctx), code)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// TokenSource returns a refreshing source seeded with tok.
func (o *OAuth) TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource {
	return o.config.TokenSource(o.ctx(ctx), tok)
}

// MarshalToken encodes a token for storage.
func MarshalToken(tok *oauth2.Token) ([]byte, error) {
	return json.Marshal(tok)
}

// UnmarshalToken decodes a stored token.
func UnmarshalToken(data []byte) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}
