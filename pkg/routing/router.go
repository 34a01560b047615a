// Package routing selects a model tier for a request from the prompt, the
// estimated context size, and the project's remaining token budget.
package routing

import (
	"fmt"
	"strings"

	"github.com/cortexops/gantry/pkg/usage"
)

// Routing thresholds, in tokens except shortPromptLen (bytes).
const (
	// lowWater is the remaining-budget floor at or below which every
	// request is forced to the small tier.
	lowWater = 1000

	// midWater is the minimum remaining budget for keyword escalation
	// to the medium tier.
	midWater = 5000

	// bigCtx is the context size above which only the large tier has
	// enough window.
	bigCtx = 10000

	// shortPromptLen is the prompt byte length under which trivial
	// keyword prompts are downgraded to small.
	shortPromptLen = 100
)

// trivialKeywords mark short mechanical prompts that a small model handles.
var trivialKeywords = []string{"list", "count", "format", "show", "get", "create", "add"}

// complexKeywords mark prompts that benefit from a mid-tier model.
var complexKeywords = []string{"analyze", "architect", "debug", "design", "implement", "optimize"}

// Decision is the router output. Reason is a short diagnostic string
// returned verbatim by the /v1/route endpoint.
type Decision struct {
	Tier   usage.Tier
	Reason string
}

// Router chooses a tier. It is a pure function: equal inputs produce equal
// outputs, and it performs no I/O.
type Router struct{}

// New creates a Router.
func New() *Router {
	return &Router{}
}

// Select evaluates the routing rules top-down; the first match wins.
// remaining is the project's remaining token budget; nil means unlimited.
func (r *Router) Select(prompt string, contextSize int64, remaining *int64) Decision {
	if remaining != nil && *remaining <= lowWater {
		return Decision{
			Tier:   usage.TierSmall,
			Reason: fmt.Sprintf("remaining budget %d at or below low water %d", *remaining, lowWater),
		}
	}
	if contextSize > bigCtx {
		return Decision{
			Tier:   usage.TierLarge,
			Reason: fmt.Sprintf("context size %d exceeds %d", contextSize, bigCtx),
		}
	}
	lower := strings.ToLower(prompt)
	if len(prompt) < shortPromptLen {
		if kw, ok := containsAny(lower, trivialKeywords); ok {
			return Decision{
				Tier:   usage.TierSmall,
				Reason: fmt.Sprintf("short prompt with trivial keyword %q", kw),
			}
		}
	}
	if kw, ok := containsAny(lower, complexKeywords); ok {
		if remaining == nil || *remaining >= midWater {
			return Decision{
				Tier:   usage.TierMedium,
				Reason: fmt.Sprintf("complex keyword %q with sufficient budget", kw),
			}
		}
	}
	return Decision{Tier: usage.TierMedium, Reason: "default tier"}
}

func containsAny(s string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return kw, true
		}
	}
	return "", false
}
