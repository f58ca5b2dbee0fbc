package tools

import (
	"context"

	"golang.org/x/oauth2"
)

type contextKey string

const credentialKey contextKey = "credential"

// Credential is the per-turn identity the gatekeeper hands to tools that
// act on the user's behalf.
type Credential struct {
	UserID      string
	TokenSource oauth2.TokenSource
}

// WithCredential attaches cred to ctx for the duration of one turn.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// CredentialFrom returns the turn's credential. ok is false when none
// was attached or it carries no token source.
func CredentialFrom(ctx context.Context) (Credential, bool) {
	cred, ok := ctx.Value(credentialKey).(Credential)
	if !ok || cred.TokenSource == nil {
		return Credential{}, false
	}
	return cred, true
}
