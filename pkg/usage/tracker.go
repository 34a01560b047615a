// Package usage normalizes the LLM's structured usage output into token
// counts, a model tier, and an exact-decimal USD cost.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is an abstract model class with its own per-token prices.
type Tier string

// Model tiers, cheapest first.
const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Tiers lists all tiers in ascending price order.
var Tiers = []Tier{TierSmall, TierMedium, TierLarge}

// ParseTier converts a tier name to a Tier. Physical model identifiers are
// handled by TierForModel, not here.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierSmall:
		return TierSmall, nil
	case TierMedium:
		return TierMedium, nil
	case TierLarge:
		return TierLarge, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Sentinel parse errors.
var (
	// ErrInvalidJSON indicates the CLI output was not a JSON object.
	ErrInvalidJSON = errors.New("invalid json")

	// ErrUnknownModel indicates the model identifier matched no tier.
	// Surfaced as a 500: it means the pricing table and the CLI disagree.
	ErrUnknownModel = errors.New("unknown model")
)

// MissingFieldError reports a required field absent from the usage block.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q in usage output", e.Field)
}

// tierSubstrings maps a case-insensitive model-name substring to its tier.
// Order matters only for documentation; the substrings are disjoint.
var tierSubstrings = []struct {
	substr string
	tier   Tier
}{
	{"haiku", TierSmall},
	{"sonnet", TierMedium},
	{"opus", TierLarge},
}

// TierForModel maps a free-form model identifier to a tier by substring
// match. Returns ErrUnknownModel when nothing matches.
func TierForModel(model string) (Tier, error) {
	lower := strings.ToLower(model)
	for _, m := range tierSubstrings {
		if strings.Contains(lower, m.substr) {
			return m.tier, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// Usage is the normalized accounting record for a single completion.
type Usage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Model        string          `json:"model"`
	Tier         Tier            `json:"tier"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
}

// Envelope is the JSON contract the CLI emits on stdout with
// --output-format json. Only Model and Usage are required; the rest is
// consumed by the callers that need it (chat content, agentic logs).
type Envelope struct {
	Content      string          `json:"content"`
	Model        string          `json:"model"`
	Usage        tokenBlock      `json:"usage"`
	Result       json.RawMessage `json:"result,omitempty"`
	ExecutionLog json.RawMessage `json:"execution_log,omitempty"`
}

type tokenBlock struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

// Tracker converts CLI usage blocks into normalized Usage records.
// The price table is fixed at construction; inject overrides for tests.
type Tracker struct {
	prices PriceTable
}

// NewTracker creates a Tracker with the given price table.
func NewTracker(prices PriceTable) *Tracker {
	return &Tracker{prices: prices}
}

// Parse decodes a CLI output envelope and returns the normalized usage.
// Errors: ErrInvalidJSON, *MissingFieldError, ErrUnknownModel. None are
// retried by callers.
func (t *Tracker) Parse(data []byte) (*Usage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return t.FromEnvelope(&env)
}

// ParseEnvelope decodes the full CLI envelope, for callers that also need
// content or the execution log.
func (t *Tracker) ParseEnvelope(data []byte) (*Envelope, *Usage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	u, err := t.FromEnvelope(&env)
	if err != nil {
		return nil, nil, err
	}
	return &env, u, nil
}

// FromEnvelope normalizes an already-decoded envelope.
func (t *Tracker) FromEnvelope(env *Envelope) (*Usage, error) {
	if env.Model == "" {
		return nil, &MissingFieldError{Field: "model"}
	}
	if env.Usage.InputTokens == nil {
		return nil, &MissingFieldError{Field: "usage.input_tokens"}
	}
	if env.Usage.OutputTokens == nil {
		return nil, &MissingFieldError{Field: "usage.output_tokens"}
	}

	tier, err := TierForModel(env.Model)
	if err != nil {
		return nil, err
	}

	in, out := *env.Usage.InputTokens, *env.Usage.OutputTokens
	return &Usage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Model:        env.Model,
		Tier:         tier,
		CostUSD:      t.prices.Cost(tier, in, out),
	}, nil
}

// FromCounts builds a Usage directly from token counts and a model name.
// Used by the direct HTTP path, which reports usage out-of-band.
func (t *Tracker) FromCounts(model string, input, output int64) (*Usage, error) {
	tier, err := TierForModel(model)
	if err != nil {
		return nil, err
	}
	return &Usage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
		Model:        model,
		Tier:         tier,
		CostUSD:      t.prices.Cost(tier, input, output),
	}, nil
}
