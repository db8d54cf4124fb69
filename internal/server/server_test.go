package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/relay/internal/billing"
	"github.com/kelpejol/relay/internal/config"
	"github.com/kelpejol/relay/internal/counter"
	"github.com/kelpejol/relay/internal/models"
	"github.com/kelpejol/relay/internal/pipeline"
	"github.com/kelpejol/relay/internal/provider"
	"github.com/kelpejol/relay/internal/ratelimit"
	"github.com/kelpejol/relay/internal/schema"
	"github.com/kelpejol/relay/internal/store"
)

type echoAdapter struct{}

func (echoAdapter) Name() string { return "stub" }

func (echoAdapter) Complete(ctx context.Context, req *schema.Request) (*schema.Response, error) {
	return &schema.Response{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []schema.Choice{{
			Message:      schema.Message{Role: "assistant", Content: schema.Content{Text: "hi"}},
			FinishReason: "stop",
		}},
		Usage: schema.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	st := store.NewMemoryStore()
	counters := counter.NewMemoryStore()
	t.Cleanup(counters.Close)

	mgr := models.NewManager(st, zerolog.Nop())
	require.NoError(t, mgr.Seed(context.Background(), models.SeedDefaults{
		AdminAPIKey:  "sk-admin",
		APIKeyPrefix: "sk-",
		RateLimits:   config.DefaultRateLimits(),
		Retry:        config.DefaultRetryConfig(),
	}))

	// A stub-backed model for exercising the completion path end to end.
	require.NoError(t, st.InsertModel(context.Background(), schema.Model{
		ModelID:         "stub-model",
		Provider:        "stub",
		Capabilities:    schema.Capabilities{Text: true},
		Pricing:         schema.Pricing{InputPrice: 1, OutputPrice: 1},
		CapabilityLevel: 1,
		MaxTokens:       1000,
		Status:          schema.StatusActive,
	}))

	registry := provider.Registry{}
	registry.Add(echoAdapter{})

	limiter := ratelimit.NewLimiter(counters, zerolog.Nop())
	ledger := billing.NewLedger(st, zerolog.Nop())
	pipe := pipeline.New(st, limiter, mgr, ledger, registry, time.Second, zerolog.Nop())

	return New(pipe, mgr, "sk-admin", "sk-", zerolog.Nop()).Router()
}

type envelope struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func doJSON(t *testing.T, router http.Handler, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestMissingAPIKey(t *testing.T) {
	router := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "Invalid API key format", env.Error.Message)
	assert.Equal(t, "api_error", env.Error.Type)
	assert.Equal(t, http.StatusUnauthorized, env.Error.Code)
	assert.NotEmpty(t, env.Error.RequestID)
	assert.Equal(t, env.Error.RequestID, rec.Header().Get("X-Request-ID"))
}

func TestWrongPrefixRejectedBeforeLookup(t *testing.T) {
	router := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/models", "pk-something", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyHeaderFallback(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("api-key", "sk-default")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListModels(t *testing.T) {
	router := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/models", "sk-default", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Object string         `json:"object"`
		Data   []schema.Model `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	assert.Len(t, body.Data, 5) // four seeded plus the stub model
}

func TestGetModel(t *testing.T) {
	router := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/models/gpt-4o", "sk-default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var model schema.Model
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &model))
	assert.Equal(t, "gpt-4o", model.ModelID)
	assert.Equal(t, "openai", model.Provider)

	rec = doJSON(t, router, http.MethodGet, "/v1/models/no-such", "sk-default", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "Model no-such not found", env.Error.Message)
}

func TestUpdateModelRequiresAdmin(t *testing.T) {
	router := testRouter(t)
	patch := map[string]string{"status": "disabled"}

	rec := doJSON(t, router, http.MethodPut, "/v1/admin/models/gpt-4o", "sk-default", patch)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "Admin access required", env.Error.Message)

	rec = doJSON(t, router, http.MethodPut, "/v1/admin/models/gpt-4o", "sk-admin", patch)
	require.Equal(t, http.StatusOK, rec.Code)
	var model schema.Model
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &model))
	assert.Equal(t, schema.StatusDisabled, model.Status)

	// The disabled model no longer serves completions.
	rec = doJSON(t, router, http.MethodPost, "/v1/chat/completions", "sk-default", map[string]interface{}{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletion(t *testing.T) {
	router := testRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "sk-default", map[string]interface{}{
		"model":    "stub-model",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp schema.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content.Text)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))
}

func TestChatCompletionRejectsStreaming(t *testing.T) {
	router := testRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", "sk-default", map[string]interface{}{
		"model":    "stub-model",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
		"stream":   true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "Streaming is not supported", env.Error.Message)
}

func TestChatCompletionMalformedBody(t *testing.T) {
	router := testRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer sk-default")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
