package gatekeeper

import (
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// persistingSource calls save whenever the underlying source hands out
// a different access token than last seen.
type persistingSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token) error
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	rotated := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()

	if rotated {
		if err := p.save(tok); err != nil {
			p.logger.Warn("failed to persist refreshed token", "error", err)
		} else {
			p.logger.Debug("refreshed token persisted", "expiry", tok.Expiry)
		}
	}
	return tok, nil
}
