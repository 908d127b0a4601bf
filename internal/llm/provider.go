// Package llm defines the model-provider contract agent executors call, plus
// the Anthropic adapter and a scripted fake for tests and offline dev.
package llm

import (
	"context"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
)

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the model's completion.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is the contract the core holds against any model backend.
// Implementations classify failures with apperr kinds so the agent bus can
// tell retriable upstream trouble from permanent request errors.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Provide selects a provider from configuration. An empty or "fake" provider
// yields the scripted fake, which echoes deterministically.
func Provide(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "fake":
		return NewFake(), nil
	case "anthropic":
		return NewAnthropic(cfg)
	}
	return nil, apperr.New(apperr.KindValidation, "unknown llm provider %q", cfg.Provider)
}
