package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/schema"
)

func TestOpenAICompletePassesThrough(t *testing.T) {
	var got map[string]json.RawMessage
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-upstream", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-9",
			"object":  "chat.completion",
			"created": 1756100000,
			"model":   "gpt-4o",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "hey"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer backend.Close()

	adapter := NewOpenAI("sk-upstream", backend.URL, time.Second)
	req := &schema.Request{
		Model:    "gpt-4o",
		Messages: []schema.Message{{Role: "user", Content: schema.Content{Text: "hi"}}},
		Stream:   true, // must be forced off before dispatch
	}
	req.SetParam("seed", 42)

	resp, err := adapter.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hey", resp.Choices[0].Message.Content.Text)
	assert.Equal(t, 4, resp.Usage.TotalTokens)

	// Unknown params reach the upstream; the stream flag does not.
	assert.JSONEq(t, `42`, string(got["seed"]))
	_, streamed := got["stream"]
	assert.False(t, streamed)
}

func TestOpenAICompleteUpstreamError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "overloaded"}}`))
	}))
	defer backend.Close()

	adapter := NewOpenAI("sk-upstream", backend.URL, time.Second)
	_, err := adapter.Complete(context.Background(), &schema.Request{
		Model:    "gpt-4o",
		Messages: []schema.Message{{Role: "user", Content: schema.Content{Text: "hi"}}},
	})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindUpstream))
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestAnthropicBuildRequest(t *testing.T) {
	adapter := NewAnthropic("sk-ant", "", time.Second)
	req := &schema.Request{
		Model: "claude-3.5-sonnet",
		Messages: []schema.Message{
			{Role: "system", Content: schema.Content{Text: "be brief"}},
			{Role: "user", Content: schema.Content{Text: "hi"}},
			{Role: "assistant", Content: schema.Content{Text: "hello"}},
			{Role: "function", Content: schema.Content{Text: "result"}},
		},
		MaxTokens:   schema.IntPtr(512),
		Temperature: schema.FloatPtr(0.3),
	}

	out, err := adapter.buildRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "be brief", out.System)
	assert.Equal(t, 512, out.MaxTokens)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "assistant", out.Messages[1].Role)
	// Roles the Messages API does not know collapse to user.
	assert.Equal(t, "user", out.Messages[2].Role)
	require.Len(t, out.Messages[0].Content, 1)
	assert.Equal(t, "hi", out.Messages[0].Content[0].Text)
}

func TestAnthropicImageBlocks(t *testing.T) {
	adapter := NewAnthropic("sk-ant", "", time.Second)
	data := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	req := &schema.Request{
		Model: "claude-3.5-sonnet",
		Messages: []schema.Message{
			{Role: "user", Content: schema.Content{Parts: []schema.ContentPart{
				{Type: "text", Text: "what is this"},
				{Type: "image_url", ImageURL: &schema.ImageURL{URL: "data:image/png;base64," + data}},
			}}},
		},
		MaxTokens: schema.IntPtr(256),
	}

	out, err := adapter.buildRequest(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	blocks := out.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "image", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, data, blocks[1].Source.Data)
}

func TestAnthropicToCanonical(t *testing.T) {
	adapter := NewAnthropic("sk-ant", "", time.Second)
	resp := &anthropicResponse{
		ID:         "msg_1",
		Model:      "claude-3.5-sonnet",
		Content:    []anthropicBlock{{Type: "text", Text: "hel"}, {Type: "text", Text: "lo"}},
		StopReason: "end_turn",
	}
	resp.Usage.InputTokens = 12
	resp.Usage.OutputTokens = 7

	out := adapter.toCanonical(resp)
	assert.Equal(t, "msg_1", out.ID)
	assert.Equal(t, "chat.completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello", out.Choices[0].Message.Content.Text)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, 12, out.Usage.PromptTokens)
	assert.Equal(t, 7, out.Usage.CompletionTokens)
	assert.Equal(t, 19, out.Usage.TotalTokens)

	resp.StopReason = "max_tokens"
	assert.Equal(t, "length", adapter.toCanonical(resp).Choices[0].FinishReason)
}

func TestXAIFillsImageDetail(t *testing.T) {
	var got schema.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "c", "object": "chat.completion", "model": "grok-2-vision-1212",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "a cat"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`))
	}))
	defer backend.Close()

	adapter := NewXAI("sk-xai", backend.URL, time.Second)
	_, err := adapter.Complete(context.Background(), &schema.Request{
		Model: "grok-2-vision-1212",
		Messages: []schema.Message{
			{Role: "user", Content: schema.Content{Parts: []schema.ContentPart{
				{Type: "image_url", ImageURL: &schema.ImageURL{URL: "data:image/jpeg;base64,AAAA"}},
			}}},
		},
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 1)
	part := got.Messages[0].Content.Parts[0]
	require.NotNil(t, part.ImageURL)
	assert.Equal(t, "high", part.ImageURL.Detail)
}

func TestInlineImagePartsFetchesRemote(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg-bytes"))
	}))
	defer backend.Close()

	messages := []schema.Message{
		{Role: "user", Content: schema.Content{Parts: []schema.ContentPart{
			{Type: "image_url", ImageURL: &schema.ImageURL{URL: backend.URL + "/cat.jpg"}},
		}}},
	}

	out, err := inlineImageParts(context.Background(), http.DefaultClient, messages, "")
	require.NoError(t, err)

	inlined := out[0].Content.Parts[0].ImageURL.URL
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	assert.Equal(t, want, inlined)

	// The caller's message list is untouched.
	assert.Equal(t, backend.URL+"/cat.jpg", messages[0].Content.Parts[0].ImageURL.URL)
}

func TestFetchImageBase64DataURL(t *testing.T) {
	data, err := fetchImageBase64(context.Background(), http.DefaultClient, "data:image/png;base64,QUJD")
	require.NoError(t, err)
	assert.Equal(t, "QUJD", data)

	_, err = fetchImageBase64(context.Background(), http.DefaultClient, "data:garbage")
	require.Error(t, err)
}

func TestMediaTypeOf(t *testing.T) {
	assert.Equal(t, "image/png", mediaTypeOf("data:image/png;base64,AAAA"))
	assert.Equal(t, "image/jpeg", mediaTypeOf("https://example.com/a.jpg"))
}

func TestDecodeErrorBodyFallsBackToRaw(t *testing.T) {
	err := decodeErrorBody("openai", 500, []byte("plain text failure"))
	assert.True(t, apierr.Is(err, apierr.KindUpstream))
	assert.Contains(t, err.Error(), "plain text failure")
}
