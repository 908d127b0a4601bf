package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/common/config"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic adapts the official SDK to the Provider contract. Retry policy
// lives in the agent bus, so the adapter performs exactly one attempt and
// classifies the failure.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates the Anthropic provider.
func NewAnthropic(cfg config.LLMConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, apperr.New(apperr.KindValidation, "anthropic api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		defaultModel: model,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete performs one completion call.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classify(err, model)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Response{
		Content:      text.String(),
		Model:        model,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// classify maps API failures onto the error taxonomy: rate limits, server
// errors, and network trouble are transient; everything else is permanent.
func classify(err error, model string) error {
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindCancelled, err, "anthropic call cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, err, "anthropic call timed out")
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return apperr.Wrap(apperr.KindTransient, err, "anthropic %s upstream failure", model)
		default:
			return apperr.Wrap(apperr.KindPermanent, err, "anthropic %s request rejected", model)
		}
	}

	msg := err.Error()
	for _, marker := range []string{"timeout", "connection reset", "connection refused", "no such host", "EOF"} {
		if strings.Contains(msg, marker) {
			return apperr.Wrap(apperr.KindTransient, err, "anthropic %s network failure", model)
		}
	}
	return apperr.Wrap(apperr.KindPermanent, err, "anthropic %s call failed", model)
}
