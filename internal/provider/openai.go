package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kelpejol/relay/internal/schema"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI speaks the canonical wire shape natively, so the adapter is a
// passthrough: inline images, force streaming off, forward.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI builds the OpenAI adapter. baseURL may be empty for the
// public API.
func NewOpenAI(apiKey, baseURL string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, req *schema.Request) (*schema.Response, error) {
	messages, err := inlineImageParts(ctx, o.client, req.Messages, "")
	if err != nil {
		return nil, upstreamError(o.Name(), err)
	}

	payload := req.Clone()
	payload.Messages = messages
	payload.Stream = false

	raw, err := postJSON(ctx, o.client, o.Name(), o.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + o.apiKey,
	}, payload)
	if err != nil {
		return nil, err
	}

	var resp schema.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, upstreamError(o.Name(), err)
	}
	return &resp, nil
}
