package direct

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexops/gantry/pkg/usage"
)

type fakeCreator struct {
	gotParams anthropic.MessageNewParams
	msg       *anthropic.Message
	err       error
}

func (f *fakeCreator) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.gotParams = params
	return f.msg, f.err
}

func textMessage(model, text string, in, out int64) *anthropic.Message {
	return &anthropic.Message{
		Model:   anthropic.Model(model),
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   anthropic.Usage{InputTokens: in, OutputTokens: out},
	}
}

func newTestClient(fake *fakeCreator) *Client {
	return newWithCreator(fake, usage.NewTracker(usage.DefaultPrices()), slog.Default())
}

func TestCompleteHappyPath(t *testing.T) {
	fake := &fakeCreator{msg: textMessage("claude-3-5-haiku-latest", "4", 5, 1)}
	c := newTestClient(fake)

	res, err := c.Complete(context.Background(), usage.TierSmall, "be terse",
		[]Message{{Role: "user", Content: "2+2?"}}, 100, nil)
	require.NoError(t, err)

	assert.Equal(t, "4", res.Content)
	assert.Equal(t, int64(6), res.Usage.TotalTokens)
	assert.Equal(t, usage.TierSmall, res.Usage.Tier)

	assert.Equal(t, anthropic.Model("claude-3-5-haiku-latest"), fake.gotParams.Model)
	assert.Equal(t, int64(100), fake.gotParams.MaxTokens)
	require.Len(t, fake.gotParams.System, 1)
	assert.Equal(t, "be terse", fake.gotParams.System[0].Text)
}

func TestCompleteMapsTierToModel(t *testing.T) {
	fake := &fakeCreator{msg: textMessage("claude-opus-4-1", "x", 1, 1)}
	c := newTestClient(fake)

	_, err := c.Complete(context.Background(), usage.TierLarge, "", []Message{{Role: "user", Content: "hi"}}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, anthropic.Model("claude-opus-4-1"), fake.gotParams.Model)

	_, err = c.Complete(context.Background(), usage.Tier("bogus"), "", nil, 10, nil)
	assert.Error(t, err)
}

func TestCompleteDefaultsMaxTokens(t *testing.T) {
	fake := &fakeCreator{msg: textMessage("claude-sonnet-4-5", "ok", 1, 1)}
	c := newTestClient(fake)

	_, err := c.Complete(context.Background(), usage.TierMedium, "", []Message{{Role: "user", Content: "hi"}}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), fake.gotParams.MaxTokens)
}

func TestCompleteTemperature(t *testing.T) {
	fake := &fakeCreator{msg: textMessage("claude-sonnet-4-5", "ok", 1, 1)}
	c := newTestClient(fake)

	temp := 0.2
	_, err := c.Complete(context.Background(), usage.TierMedium, "", []Message{{Role: "user", Content: "hi"}}, 10, &temp)
	require.NoError(t, err)
	assert.Equal(t, 0.2, fake.gotParams.Temperature.Value)
}

// apiError builds an anthropic.Error with the Request/Response fields the
// SDK's Error() method dereferences when the error is formatted.
func apiError(status int) *anthropic.Error {
	return &anthropic.Error{
		StatusCode: status,
		Request:    &http.Request{Method: http.MethodPost, URL: &url.URL{Scheme: "https", Host: "api.anthropic.com", Path: "/v1/messages"}},
		Response:   &http.Response{StatusCode: status},
	}
}

func TestErrorClassification(t *testing.T) {
	c := newTestClient(&fakeCreator{})

	rateLimited := apiError(http.StatusTooManyRequests)
	assert.ErrorIs(t, c.classify(rateLimited), ErrUpstreamRateLimited)

	rejected := apiError(http.StatusBadRequest)
	err := c.classify(rejected)
	assert.True(t, IsUpstreamRejected(err))
	var ue *UpstreamRejectedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.Status)

	serverErr := apiError(http.StatusBadGateway)
	assert.ErrorIs(t, c.classify(serverErr), ErrUpstreamUnavailable)

	assert.ErrorIs(t, c.classify(context.DeadlineExceeded), ErrUpstreamUnavailable)
}

func TestToParamsRoles(t *testing.T) {
	params := toParams([]Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
	})
	require.Len(t, params, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, params[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params[1].Role)
}
