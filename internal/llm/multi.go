package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	prefixes []prefixRoute     // model prefix → provider name, checked in order
	fallback Client            // default client for unknown models
}

type prefixRoute struct {
	prefix   string
	provider string
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// AddPrefix maps every model whose name starts with prefix to a provider.
// Exact model mappings take precedence.
func (m *MultiClient) AddPrefix(prefix, providerName string) {
	m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, provider: providerName})
}

// clientFor returns the appropriate client for a model.
func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(model, r.prefix) {
			if client, ok := m.clients[r.provider]; ok {
				return client
			}
		}
	}
	return m.fallback
}

// ProviderFor names the provider that serves model. The fallback is
// reported under the name it was also registered with, if any.
func (m *MultiClient) ProviderFor(model string) string {
	if provider, ok := m.models[model]; ok {
		if _, ok := m.clients[provider]; ok {
			return provider
		}
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(model, r.prefix) {
			if _, ok := m.clients[r.provider]; ok {
				return r.provider
			}
		}
	}
	for name, c := range m.clients {
		if c == m.fallback {
			return name
		}
	}
	return "default"
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return errors.New("no LLM provider configured")
	}
	var errs []error
	if m.fallback != nil {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for name, c := range m.clients {
		if c == m.fallback {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
