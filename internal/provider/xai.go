package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kelpejol/relay/internal/schema"
)

const defaultXAIBaseURL = "https://api.x.ai/v1"

// XAI speaks the OpenAI wire shape. The only divergence is image detail:
// the Grok vision models want an explicit detail level, so a missing one
// defaults to "high" before dispatch.
type XAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewXAI builds the xAI adapter. baseURL may be empty for the public API.
func NewXAI(apiKey, baseURL string, timeout time.Duration) *XAI {
	if baseURL == "" {
		baseURL = defaultXAIBaseURL
	}
	return &XAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (x *XAI) Name() string { return "xai" }

func (x *XAI) Complete(ctx context.Context, req *schema.Request) (*schema.Response, error) {
	messages, err := inlineImageParts(ctx, x.client, req.Messages, "high")
	if err != nil {
		return nil, upstreamError(x.Name(), err)
	}

	payload := req.Clone()
	payload.Messages = messages
	payload.Stream = false

	raw, err := postJSON(ctx, x.client, x.Name(), x.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + x.apiKey,
	}, payload)
	if err != nil {
		return nil, err
	}

	var resp schema.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, upstreamError(x.Name(), err)
	}
	return &resp, nil
}
