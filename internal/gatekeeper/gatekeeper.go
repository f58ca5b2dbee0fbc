// Package gatekeeper decides, for every inbound message, whether the
// agent may run: the sender needs an active subscription and a Google
// credential, and a message consumed as a pasted OAuth code never
// reaches the agent.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/khairulanwarjo/gestella/internal/gcal"
	"github.com/khairulanwarjo/gestella/internal/tools"
)

// Replies sent instead of running the agent.
const (
	AccessDenied    = "⛔ **Access Denied**\n\nIt seems you don't have an active subscription."
	InvalidCode     = "⚠️ Invalid code. Please copy the exact code from the Google page."
	LoginFailed     = "❌ Login failed. Please try the link again.\nError: "
	Connected       = "✅ **Connected!** I am now synced with your Calendar."
	MasterMissing   = "❌ System Error: Master Credentials missing. Contact Admin."
	VerifyingNotice = "🔄 Verifying..."
)

const welcomeTemplate = `
👋 **Welcome to Gestella Pro!**

To manage your calendar, I need permission.

1. Click here: [Authorize Google Calendar](%s)
2. Log in and copy the code.
3. **Paste the code here.**
`

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultSessionTTL    = 30 * time.Minute
	DefaultMinCodeLength = 10
)

// Authorizer is the OAuth surface the gatekeeper drives.
// [*gcal.OAuth] implements it.
type Authorizer interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource
}

// Config tunes a [Gatekeeper].
type Config struct {
	// AllowAll treats every user as subscribed.
	AllowAll      bool
	SessionTTL    time.Duration
	MinCodeLength int
}

// Decision is the outcome of [Gatekeeper.Check]. Either Proceed is set
// and Credential is usable, or Reply holds the text to send back.
type Decision struct {
	Proceed    bool
	Credential tools.Credential

	Reply string
	// Markdown marks Reply for Markdown rendering.
	Markdown bool
	// AuthURL accompanies the login prompt.
	AuthURL string
}

// StatusFunc shows a transient status message and returns a func that
// removes it.
type StatusFunc func(text string) (done func())

// Gatekeeper enforces subscription and login before the agent runs.
type Gatekeeper struct {
	cfg    Config
	users  Users
	auth   Authorizer
	sealer *Sealer
	logger *slog.Logger
}

// New creates a gatekeeper. auth may be nil when no OAuth client is
// configured; users then see [MasterMissing] at login. A nil sealer
// stores tokens unsealed.
func New(cfg Config, users Users, auth Authorizer, sealer *Sealer, logger *slog.Logger) *Gatekeeper {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MinCodeLength <= 0 {
		cfg.MinCodeLength = DefaultMinCodeLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{
		cfg:    cfg,
		users:  users,
		auth:   auth,
		sealer: sealer,
		logger: logger.With("component", "gatekeeper"),
	}
}

// Check decides what to do with text from userID.
func (g *Gatekeeper) Check(ctx context.Context, userID, text string) (Decision, error) {
	return g.CheckWithStatus(ctx, userID, text, nil)
}

// CheckWithStatus is [Gatekeeper.Check] with a hook that is shown while
// a pasted code is exchanged with Google.
func (g *Gatekeeper) CheckWithStatus(ctx context.Context, userID, text string, status StatusFunc) (Decision, error) {
	log := g.logger.With("user_id", userID)

	if err := g.users.Upsert(ctx, userID); err != nil {
		log.Warn("failed to record user", "error", err)
	}

	if !g.active(ctx, log, userID) {
		log.Info("access denied")
		return Decision{Reply: AccessDenied}, nil
	}

	tok, err := g.token(ctx, log, userID)
	if err != nil {
		return Decision{}, err
	}
	if tok != nil && g.auth != nil {
		return Decision{
			Proceed: true,
			Credential: tools.Credential{
				UserID:      userID,
				TokenSource: g.persisting(ctx, log, userID, tok),
			},
		}, nil
	}

	waiting, err := g.users.SessionActive(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if waiting {
		return g.redeem(ctx, log, userID, text, status), nil
	}

	return g.startLogin(ctx, log, userID)
}

func (g *Gatekeeper) active(ctx context.Context, log *slog.Logger, userID string) bool {
	if g.cfg.AllowAll {
		return true
	}
	ok, err := g.users.IsActive(ctx, userID)
	if err != nil {
		log.Warn("subscription check failed", "error", err)
		return false
	}
	return ok
}

// token loads and opens the stored token. A bundle that cannot be opened
// or decoded is treated as absent so the user logs in again.
func (g *Gatekeeper) token(ctx context.Context, log *slog.Logger, userID string) (*oauth2.Token, error) {
	raw, err := g.users.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	plain, err := g.sealer.Open(raw)
	if err != nil {
		log.Warn("stored token unreadable, asking for login", "error", err)
		return nil, nil
	}
	tok, err := gcal.UnmarshalToken(plain)
	if err != nil {
		log.Warn("stored token unreadable, asking for login", "error", err)
		return nil, nil
	}
	return tok, nil
}

func (g *Gatekeeper) redeem(ctx context.Context, log *slog.Logger, userID, text string, status StatusFunc) Decision {
	code := strings.TrimSpace(text)
	if strings.ContainsFunc(code, unicode.IsSpace) || utf8.RuneCountInString(code) < g.cfg.MinCodeLength {
		return Decision{Reply: InvalidCode}
	}
	if g.auth == nil {
		return Decision{Reply: MasterMissing}
	}

	if status != nil {
		done := status(VerifyingNotice)
		defer done()
	}

	tok, err := g.auth.Exchange(ctx, code)
	if err != nil {
		log.Warn("code exchange failed", "error", err)
		return Decision{Reply: LoginFailed + err.Error()}
	}
	if err := g.saveToken(ctx, userID, tok); err != nil {
		log.Error("failed to store token", "error", err)
		return Decision{Reply: LoginFailed + err.Error()}
	}
	if err := g.users.ClearSession(ctx, userID); err != nil {
		log.Warn("failed to clear auth session", "error", err)
	}

	log.Info("google calendar connected")
	return Decision{Reply: Connected}
}

func (g *Gatekeeper) startLogin(ctx context.Context, log *slog.Logger, userID string) (Decision, error) {
	if g.auth == nil {
		log.Warn("login requested but oauth client is not configured")
		return Decision{Reply: MasterMissing}, nil
	}
	state := uuid.NewString()
	url := g.auth.AuthURL(state)
	if err := g.users.OpenSession(ctx, userID, state, g.cfg.SessionTTL); err != nil {
		return Decision{}, err
	}
	log.Info("login link sent", "ttl", g.cfg.SessionTTL)
	return Decision{
		Reply:    fmt.Sprintf(welcomeTemplate, url),
		Markdown: true,
		AuthURL:  url,
	}, nil
}

func (g *Gatekeeper) saveToken(ctx context.Context, userID string, tok *oauth2.Token) error {
	sealed, err := g.sealToken(tok)
	if err != nil {
		return err
	}
	return g.users.SaveToken(ctx, userID, sealed)
}

func (g *Gatekeeper) sealToken(tok *oauth2.Token) ([]byte, error) {
	raw, err := gcal.MarshalToken(tok)
	if err != nil {
		return nil, err
	}
	return g.sealer.Seal(raw)
}

// persisting wraps the refreshing source so rotated tokens are written
// back to the users store without touching the subscription.
func (g *Gatekeeper) persisting(ctx context.Context, log *slog.Logger, userID string, tok *oauth2.Token) oauth2.TokenSource {
	return &persistingSource{
		base:   g.auth.TokenSource(context.WithoutCancel(ctx), tok),
		last:   tok.AccessToken,
		logger: log,
		save: func(t *oauth2.Token) error {
			sealed, err := g.sealToken(t)
			if err != nil {
				return err
			}
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return g.users.UpdateToken(saveCtx, userID, sealed)
		},
	}
}
