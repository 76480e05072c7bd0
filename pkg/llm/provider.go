package llm

import "context"

// Usage is the token accounting reported by a provider, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ProviderResponse is one raw completion. Usage is nil when the provider
// does not report token metadata; the gateway then falls back to
// estimates for window correction.
type ProviderResponse struct {
	Text  string
	Usage *Usage
}

// Provider is the minimal LLM contract the gateway depends on. The
// default binding targets a chat-completion HTTP API; tests inject stubs.
type Provider interface {
	Call(ctx context.Context, prompt string) (*ProviderResponse, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, prompt string) (*ProviderResponse, error)

// Call implements Provider.
func (f ProviderFunc) Call(ctx context.Context, prompt string) (*ProviderResponse, error) {
	return f(ctx, prompt)
}
