package api

import (
	"encoding/json"

	"github.com/cortexops/gantry/pkg/usage"
)

// usageBlock is the token accounting every completion response carries.
type usageBlock struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

func toUsageBlock(u *usage.Usage) usageBlock {
	return usageBlock{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// chatResponse is the body of POST /v1/chat/completions.
type chatResponse struct {
	ID        string          `json:"id"`
	Model     string          `json:"model"`
	Content   string          `json:"content"`
	Usage     usageBlock      `json:"usage"`
	Cost      string          `json:"cost"`
	ProjectID string          `json:"project_id"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// budgetStatus reports the monthly token budget position.
type budgetStatus struct {
	Limit     *int64 `json:"limit"`     // nil = unlimited
	Remaining *int64 `json:"remaining"` // nil = unlimited
}
