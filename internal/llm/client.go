// Package llm talks to chat-completion providers. OpenAI-compatible
// endpoints and Anthropic sit behind one [Client] interface and one set
// of message types, and [MultiClient] picks the provider per model.
package llm

import "context"

// Client is a chat-completion provider.
type Client interface {
	// Chat runs one non-streaming completion. tools are in the OpenAI
	// function format; providers with another wire shape convert them.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping makes a cheap authenticated call to confirm the provider is
	// reachable and the key is accepted.
	Ping(ctx context.Context) error
}
