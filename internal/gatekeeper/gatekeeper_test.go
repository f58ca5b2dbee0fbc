package gatekeeper

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/khairulanwarjo/gestella/internal/gcal"
)

// fakeAuth stands in for Google's OAuth endpoints.
type fakeAuth struct {
	mu        sync.Mutex
	states    []string
	codes     []string
	exchange  func(code string) (*oauth2.Token, error)
	refreshed *oauth2.Token
}

func (f *fakeAuth) AuthURL(state string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakeAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	if f.exchange != nil {
		return f.exchange(code)
	}
	return &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh", TokenType: "Bearer"}, nil
}

func (f *fakeAuth) TokenSource(_ context.Context, tok *oauth2.Token) oauth2.TokenSource {
	if f.refreshed != nil {
		return oauth2.StaticTokenSource(f.refreshed)
	}
	return oauth2.StaticTokenSource(tok)
}

const goodCode = "4/0AbCdEfGhIjKlMnOp"

func newTestGatekeeper(t *testing.T, cfg Config, auth Authorizer) (*Gatekeeper, *SQLUsers) {
	t.Helper()
	users := newTestUsers(t)
	sealer, err := NewSealer(testKey())
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, users, auth, sealer, nil), users
}

func TestCheck_AccessDenied(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	g, users := newTestGatekeeper(t, Config{}, auth)

	d, err := g.Check(ctx, "55", "hello")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Proceed || d.Reply != AccessDenied {
		t.Errorf("decision = %+v", d)
	}
	if len(auth.states) != 0 {
		t.Error("login link built for an unsubscribed user")
	}

	// The sender is recorded so an admin can activate them.
	list, _ := users.List(ctx)
	if len(list) != 1 || list[0].ID != "55" || list[0].Status != StatusInactive {
		t.Errorf("users = %+v", list)
	}
}

func TestCheck_LoginFlow(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	g, users := newTestGatekeeper(t, Config{}, auth)
	users.SetSubscription(ctx, "1", StatusActive)

	d, err := g.Check(ctx, "1", "what's on today?")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Proceed || !d.Markdown || d.AuthURL == "" {
		t.Fatalf("first contact decision = %+v", d)
	}
	for _, want := range []string{"Welcome to Gestella Pro!", "[Authorize Google Calendar](" + d.AuthURL + ")", "**Paste the code here.**"} {
		if !strings.Contains(d.Reply, want) {
			t.Errorf("welcome missing %q:\n%s", want, d.Reply)
		}
	}
	if ok, _ := users.SessionActive(ctx, "1"); !ok {
		t.Fatal("no auth session opened")
	}

	for _, bad := range []string{"short", "4/0Ab CdEfGhIjKl", "  tab\tinside-code  "} {
		d, err = g.Check(ctx, "1", bad)
		if err != nil || d.Reply != InvalidCode || d.Proceed {
			t.Errorf("Check(%q) = %+v, %v; want InvalidCode", bad, d, err)
		}
	}
	if ok, _ := users.SessionActive(ctx, "1"); !ok {
		t.Fatal("invalid code dropped the session")
	}
	if len(auth.codes) != 0 {
		t.Errorf("invalid codes reached the token endpoint: %v", auth.codes)
	}

	var shown []string
	cleared := 0
	status := func(text string) func() {
		shown = append(shown, text)
		return func() { cleared++ }
	}
	d, err = g.CheckWithStatus(ctx, "1", "  "+goodCode+"\n", status)
	if err != nil {
		t.Fatalf("Check(code): %v", err)
	}
	if d.Proceed || d.Reply != Connected {
		t.Fatalf("code decision = %+v", d)
	}
	if len(shown) != 1 || shown[0] != VerifyingNotice || cleared != 1 {
		t.Errorf("status shown %v, cleared %d", shown, cleared)
	}
	if len(auth.codes) != 1 || auth.codes[0] != goodCode {
		t.Errorf("exchanged codes = %v", auth.codes)
	}
	if ok, _ := users.SessionActive(ctx, "1"); ok {
		t.Error("session not cleared after connect")
	}

	raw, _ := users.Token(ctx, "1")
	if len(raw) == 0 || raw[0] != sealedVersion || bytes.Contains(raw, []byte("access-")) {
		t.Errorf("stored token is not sealed: %q", raw)
	}

	d, err = g.Check(ctx, "1", "what's on today?")
	if err != nil {
		t.Fatalf("Check after connect: %v", err)
	}
	if !d.Proceed || d.Credential.UserID != "1" || d.Reply != "" {
		t.Fatalf("decision after connect = %+v", d)
	}
	tok, err := d.Credential.TokenSource.Token()
	if err != nil || tok.AccessToken != "access-"+goodCode {
		t.Errorf("credential token = %+v, %v", tok, err)
	}
}

func TestCheck_ExchangeFailure(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{exchange: func(string) (*oauth2.Token, error) {
		return nil, errors.New("invalid_grant")
	}}
	g, users := newTestGatekeeper(t, Config{}, auth)
	users.SetSubscription(ctx, "1", StatusActive)

	g.Check(ctx, "1", "hi")
	d, err := g.Check(ctx, "1", goodCode)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Reply != LoginFailed+"invalid_grant" {
		t.Errorf("Reply = %q", d.Reply)
	}
	if ok, _ := users.SessionActive(ctx, "1"); !ok {
		t.Error("failed exchange should keep the session for a retry")
	}
	if tok, _ := users.Token(ctx, "1"); tok != nil {
		t.Error("token stored after failed exchange")
	}
}

func TestCheck_ExpiredSessionStartsOver(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	g, users := newTestGatekeeper(t, Config{SessionTTL: time.Minute}, auth)
	users.SetSubscription(ctx, "1", StatusActive)

	now := time.Now()
	users.now = func() time.Time { return now }

	g.Check(ctx, "1", "hi")
	now = now.Add(2 * time.Minute)

	d, err := g.Check(ctx, "1", goodCode)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.AuthURL == "" || d.Reply == Connected {
		t.Errorf("expired session should produce a new login link, got %+v", d)
	}
	if len(auth.codes) != 0 {
		t.Error("code exchanged against an expired session")
	}
	if len(auth.states) != 2 || auth.states[0] == auth.states[1] {
		t.Errorf("states = %v, want two distinct", auth.states)
	}
}

func TestCheck_AllowAll(t *testing.T) {
	g, _ := newTestGatekeeper(t, Config{AllowAll: true}, &fakeAuth{})
	d, err := g.Check(context.Background(), "9", "hi")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Reply == AccessDenied || d.AuthURL == "" {
		t.Errorf("allow_all should skip the subscription check, got %+v", d)
	}
}

func TestCheck_NoOAuthClient(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGatekeeper(t, Config{}, nil)
	users.SetSubscription(ctx, "1", StatusActive)

	d, err := g.Check(ctx, "1", "hi")
	if err != nil || d.Reply != MasterMissing {
		t.Errorf("Check = %+v, %v; want MasterMissing", d, err)
	}
	if ok, _ := users.SessionActive(ctx, "1"); ok {
		t.Error("session opened without an oauth client")
	}
}

func TestCheck_UnreadableTokenAsksForLogin(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGatekeeper(t, Config{}, &fakeAuth{})
	users.SaveToken(ctx, "1", []byte{sealedVersion, 1, 2, 3})

	d, err := g.Check(ctx, "1", "hi")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Proceed || d.AuthURL == "" {
		t.Errorf("decision = %+v, want login link", d)
	}
}

func TestCheck_RefreshedTokenPersisted(t *testing.T) {
	ctx := context.Background()
	rotated := &oauth2.Token{AccessToken: "rotated", RefreshToken: "refresh", TokenType: "Bearer"}
	auth := &fakeAuth{refreshed: rotated}
	g, users := newTestGatekeeper(t, Config{}, auth)

	raw, _ := gcal.MarshalToken(&oauth2.Token{AccessToken: "stale", RefreshToken: "refresh"})
	sealed, _ := g.sealer.Seal(raw)
	users.SaveToken(ctx, "1", sealed)

	d, err := g.Check(ctx, "1", "hi")
	if err != nil || !d.Proceed {
		t.Fatalf("Check = %+v, %v", d, err)
	}
	if _, err := d.Credential.TokenSource.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}

	stored, _ := users.Token(ctx, "1")
	plain, err := g.sealer.Open(stored)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tok, err := gcal.UnmarshalToken(plain)
	if err != nil || tok.AccessToken != "rotated" {
		t.Errorf("stored token = %+v, %v; want rotated", tok, err)
	}
}

func TestCheck_RefreshKeepsRevokedSubscription(t *testing.T) {
	ctx := context.Background()
	rotated := &oauth2.Token{AccessToken: "rotated", RefreshToken: "refresh", TokenType: "Bearer"}
	g, users := newTestGatekeeper(t, Config{}, &fakeAuth{refreshed: rotated})

	raw, _ := gcal.MarshalToken(&oauth2.Token{AccessToken: "stale", RefreshToken: "refresh"})
	sealed, _ := g.sealer.Seal(raw)
	users.SaveToken(ctx, "1", sealed)

	d, err := g.Check(ctx, "1", "hi")
	if err != nil || !d.Proceed {
		t.Fatalf("Check = %+v, %v", d, err)
	}

	// Billing revokes while the turn is still running.
	if err := users.SetSubscription(ctx, "1", StatusInactive); err != nil {
		t.Fatalf("SetSubscription: %v", err)
	}
	if _, err := d.Credential.TokenSource.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}

	if active, _ := users.IsActive(ctx, "1"); active {
		t.Error("token refresh re-activated a revoked subscription")
	}
	stored, _ := users.Token(ctx, "1")
	plain, err := g.sealer.Open(stored)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tok, err := gcal.UnmarshalToken(plain); err != nil || tok.AccessToken != "rotated" {
		t.Errorf("stored token = %+v, %v; want rotated", tok, err)
	}
}

func TestQRCode(t *testing.T) {
	png, err := QRCode("https://accounts.example.com/o/oauth2/auth?state=x")
	if err != nil {
		t.Fatalf("QRCode: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("QRCode did not return a PNG")
	}
}
