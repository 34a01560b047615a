// Package direct is the non-subprocess completion path: a thin client over
// the upstream messages API that yields the same Usage shape as the CLI
// path.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cortexops/gantry/pkg/usage"
)

// tierModels maps each tier to the physical model the direct path calls.
var tierModels = map[usage.Tier]anthropic.Model{
	usage.TierSmall:  anthropic.Model("claude-3-5-haiku-latest"),
	usage.TierMedium: anthropic.Model("claude-sonnet-4-5"),
	usage.TierLarge:  anthropic.Model("claude-opus-4-1"),
}

// ModelForTier returns the physical model name the direct path would use.
func ModelForTier(tier usage.Tier) string {
	return string(tierModels[tier])
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Completion is the direct path's result.
type Completion struct {
	Content string
	Usage   *usage.Usage
}

// messageCreator is the slice of the SDK the client needs. Narrow so tests
// can fake the upstream.
type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client completes prompts against the upstream HTTP API. The underlying
// SDK client keeps a persistent connection pool.
type Client struct {
	messages messageCreator
	tracker  *usage.Tracker
	logger   *slog.Logger
}

// Config holds direct path configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional override for tests and proxies
}

// New creates a Client backed by the real SDK.
func New(cfg Config, tracker *usage.Tracker, logger *slog.Logger) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	sdk := anthropic.NewClient(opts...)
	return &Client{
		messages: &sdk.Messages,
		tracker:  tracker,
		logger:   logger.With("component", "direct"),
	}
}

// newWithCreator injects a fake upstream. Tests only.
func newWithCreator(mc messageCreator, tracker *usage.Tracker, logger *slog.Logger) *Client {
	return &Client{messages: mc, tracker: tracker, logger: logger.With("component", "direct")}
}

// Complete performs one blocking completion call. Errors are classified:
// upstream 429 -> ErrUpstreamRateLimited, other 4xx -> UpstreamRejectedError,
// transport failures -> ErrUpstreamUnavailable.
func (c *Client) Complete(ctx context.Context, tier usage.Tier, system string, messages []Message, maxTokens int64, temperature *float64) (*Completion, error) {
	model, ok := tierModels[tier]
	if !ok {
		return nil, fmt.Errorf("no model for tier %q", tier)
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  toParams(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, c.classify(err)
	}

	u, err := c.tracker.FromCounts(string(msg.Model), msg.Usage.InputTokens, msg.Usage.OutputTokens)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	c.logger.Debug("Completion finished",
		"model", string(msg.Model),
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens)

	return &Completion{Content: content.String(), Usage: u}, nil
}

func toParams(messages []Message) []anthropic.MessageParam {
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

func (c *Client) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", ErrUpstreamRateLimited, err)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return &UpstreamRejectedError{Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
