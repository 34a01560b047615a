package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cortexops/gantry/pkg/usage"
)

func ptr(v int64) *int64 { return &v }

func TestSelectRules(t *testing.T) {
	r := New()

	tests := []struct {
		name      string
		prompt    string
		ctxSize   int64
		remaining *int64
		want      usage.Tier
	}{
		{
			name:      "low budget forces small",
			prompt:    "analyze the architecture of this system in depth please, it is quite large",
			ctxSize:   50000,
			remaining: ptr(500),
			want:      usage.TierSmall,
		},
		{
			name:      "big context forces large",
			prompt:    "summarize",
			ctxSize:   20000,
			remaining: ptr(100000),
			want:      usage.TierLarge,
		},
		{
			name:      "short trivial prompt goes small",
			prompt:    "list the files",
			ctxSize:   100,
			remaining: ptr(100000),
			want:      usage.TierSmall,
		},
		{
			name:      "complex keyword with budget goes medium",
			prompt:    "debug the race condition in the scheduler and explain the fix",
			ctxSize:   100,
			remaining: ptr(100000),
			want:      usage.TierMedium,
		},
		{
			name:      "complex keyword without budget falls to default",
			prompt:    "debug the race condition in the scheduler and explain the fix",
			ctxSize:   100,
			remaining: ptr(2000),
			want:      usage.TierMedium,
		},
		{
			name:      "default",
			prompt:    "tell me a story about a lighthouse keeper and his cat on a stormy night ok",
			ctxSize:   100,
			remaining: ptr(100000),
			want:      usage.TierMedium,
		},
		{
			name:      "unlimited budget skips low water rule",
			prompt:    "implement a parser",
			ctxSize:   100,
			remaining: nil,
			want:      usage.TierMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Select(tt.prompt, tt.ctxSize, tt.remaining)
			assert.Equal(t, tt.want, got.Tier)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestSelectLowWaterBoundary(t *testing.T) {
	r := New()
	prompt := "analyze this design thoroughly with all the detail you can muster here"

	// At exactly lowWater the budget rule still applies.
	at := r.Select(prompt, 100, ptr(lowWater))
	assert.Equal(t, usage.TierSmall, at.Tier)

	// One above, the remaining rules take over.
	above := r.Select(prompt, 100, ptr(lowWater+1))
	assert.NotEqual(t, usage.TierSmall, above.Tier)
}

func TestSelectShortPromptBoundary(t *testing.T) {
	r := New()

	// A trivial keyword in a prompt at or over shortPromptLen bytes does
	// not downgrade.
	long := "list " + strings.Repeat("x", shortPromptLen)
	got := r.Select(long, 100, ptr(100000))
	assert.Equal(t, usage.TierMedium, got.Tier)
}

func TestSelectBigCtxBoundary(t *testing.T) {
	r := New()

	at := r.Select("hello there friend, how are you doing on this very fine day indeed", bigCtx, ptr(100000))
	assert.Equal(t, usage.TierMedium, at.Tier)

	above := r.Select("hello there friend, how are you doing on this very fine day indeed", bigCtx+1, ptr(100000))
	assert.Equal(t, usage.TierLarge, above.Tier)
}

func TestSelectIsPure(t *testing.T) {
	r := New()
	first := r.Select("implement a cache", 100, ptr(50000))
	second := r.Select("implement a cache", 100, ptr(50000))
	assert.Equal(t, first, second)
}

func TestSelectCaseInsensitive(t *testing.T) {
	r := New()
	got := r.Select("LIST my buckets", 100, ptr(100000))
	assert.Equal(t, usage.TierSmall, got.Tier)
}
