// Package llm defines the provider-agnostic interface for generating the
// agent's social responses. The dispatcher only ever needs one-shot text
// completion: a persona system prompt plus a situation prompt in, a short
// reply out.
package llm

import (
	"context"
	"log/slog"
)

// Provider is the abstraction over any completion backend.
type Provider interface {
	// Complete sends a single prompt under the given system persona and
	// returns the generated text.
	Complete(ctx context.Context, system, prompt string) (string, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// FallbackProvider tries providers in order until one succeeds. All errors
// are logged; only the last error is returned.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider chain. Panics on an empty chain.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("llm: fallback chain requires at least one provider")
	}
	return &FallbackProvider{providers: providers, logger: logger}
}

func (f *FallbackProvider) Name() string { return "fallback" }

// Complete tries each provider in order.
func (f *FallbackProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error
	for _, p := range f.providers {
		text, err := p.Complete(ctx, system, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		f.logger.Warn("llm provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
		)
	}
	return "", lastErr
}
