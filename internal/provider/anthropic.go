package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kelpejol/relay/internal/schema"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// Used when a request somehow reaches dispatch without max_tokens;
	// the Anthropic API requires the field.
	anthropicFallbackMaxTokens = 2048
)

// Anthropic translates between the canonical shape and the Messages API:
// system messages lift into the top-level system field, structured content
// becomes typed blocks with base64 image sources, and the block-style
// response folds back into choices.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic builds the Anthropic adapter. baseURL may be empty for the
// public API.
func NewAnthropic(apiKey, baseURL string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(timeout),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Complete(ctx context.Context, req *schema.Request) (*schema.Response, error) {
	payload, err := a.buildRequest(ctx, req)
	if err != nil {
		return nil, upstreamError(a.Name(), err)
	}

	raw, err := postJSON(ctx, a.client, a.Name(), a.baseURL+"/v1/messages", map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}, payload)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, upstreamError(a.Name(), err)
	}
	return a.toCanonical(&resp), nil
}

func (a *Anthropic) buildRequest(ctx context.Context, req *schema.Request) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   anthropicFallbackMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content.Stringified())
			continue
		}
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		blocks, err := a.toBlocks(ctx, msg.Content)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: blocks})
	}
	out.System = strings.Join(system, "\n\n")
	return out, nil
}

func (a *Anthropic) toBlocks(ctx context.Context, content schema.Content) ([]anthropicBlock, error) {
	if content.Parts == nil {
		return []anthropicBlock{{Type: "text", Text: content.Text}}, nil
	}

	var blocks []anthropicBlock
	for _, part := range content.Parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
		case "image_url", "image":
			if part.ImageURL == nil {
				return nil, fmt.Errorf("image part missing image_url")
			}
			data, err := fetchImageBase64(ctx, a.client, part.ImageURL.URL)
			if err != nil {
				return nil, fmt.Errorf("image inline failed: %w", err)
			}
			blocks = append(blocks, anthropicBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: mediaTypeOf(part.ImageURL.URL),
					Data:      data,
				},
			})
		}
	}
	return blocks, nil
}

// mediaTypeOf guesses the image media type from a data URL header, falling
// back to JPEG for remote references.
func mediaTypeOf(url string) string {
	if strings.HasPrefix(url, "data:") {
		header, _, found := strings.Cut(strings.TrimPrefix(url, "data:"), ";")
		if found && header != "" {
			return header
		}
	}
	return "image/jpeg"
}

func (a *Anthropic) toCanonical(resp *anthropicResponse) *schema.Response {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	finish := resp.StopReason
	switch resp.StopReason {
	case "end_turn", "stop_sequence":
		finish = "stop"
	case "max_tokens":
		finish = "length"
	}

	return &schema.Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []schema.Choice{{
			Index: 0,
			Message: schema.Message{
				Role:    "assistant",
				Content: schema.Content{Text: text.String()},
			},
			FinishReason: finish,
		}},
		Usage: schema.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
