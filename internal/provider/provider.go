// Package provider contains the upstream adapters. An Adapter executes one
// canonical request against one provider and normalises the result back
// into the canonical response shape.
//
// Adapters are stateless after construction: they hold an HTTP client and
// an API key, never per-request state, and are safe for concurrent use.
// They do not retry; every upstream failure comes back as a single
// UpstreamError for the pipeline's retry policy to handle.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/schema"
)

// Adapter executes a canonical request against one upstream provider.
type Adapter interface {
	// Name is the provider tag models select adapters by.
	Name() string
	// Complete runs a non-streaming chat completion.
	Complete(ctx context.Context, req *schema.Request) (*schema.Response, error)
}

// Registry maps provider tags to adapters.
type Registry map[string]Adapter

// Add registers an adapter under its name.
func (r Registry) Add(a Adapter) { r[a.Name()] = a }

// newHTTPClient builds the shared upstream client shape: generous
// per-request timeout (LLM completions are slow) and a pooled transport
// sized for many concurrent in-flight calls.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// upstreamError normalises any provider failure into an UpstreamError with
// a short human-readable message.
func upstreamError(provider string, err error) error {
	return apierr.Wrap(apierr.KindUpstream,
		fmt.Sprintf("%s request failed: %v", provider, err), err)
}

// decodeErrorBody digs a provider error message out of a non-2xx body,
// falling back to the raw body when the shape is unfamiliar.
func decodeErrorBody(provider string, status int, body []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return apierr.New(apierr.KindUpstream,
		fmt.Sprintf("%s returned status %d: %s", provider, status, msg))
}

// fetchImageBase64 resolves an image reference to raw base64 data. Data
// URLs are split locally; anything else is fetched over HTTP.
func fetchImageBase64(ctx context.Context, client *http.Client, url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		_, data, found := strings.Cut(url, ",")
		if !found {
			return "", fmt.Errorf("malformed data URL")
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// inlineImageParts rewrites remote image URLs in structured content as
// base64 data URLs, leaving data URLs and plain-string content alone.
// defaultDetail, when non-empty, fills a missing detail field.
func inlineImageParts(ctx context.Context, client *http.Client, messages []schema.Message, defaultDetail string) ([]schema.Message, error) {
	out := make([]schema.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if msg.Content.Parts == nil {
			continue
		}
		parts := make([]schema.ContentPart, len(msg.Content.Parts))
		copy(parts, msg.Content.Parts)
		for j, part := range parts {
			if part.Type != "image_url" || part.ImageURL == nil {
				continue
			}
			img := *part.ImageURL
			if !strings.HasPrefix(img.URL, "data:") {
				data, err := fetchImageBase64(ctx, client, img.URL)
				if err != nil {
					return nil, fmt.Errorf("image inline failed: %w", err)
				}
				img.URL = "data:image/jpeg;base64," + data
			}
			if img.Detail == "" && defaultDetail != "" {
				img.Detail = defaultDetail
			}
			parts[j].ImageURL = &img
		}
		out[i].Content = schema.Content{Parts: parts}
	}
	return out, nil
}

// postJSON sends the payload and returns the response body, translating
// transport failures and non-2xx statuses into UpstreamErrors.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, upstreamError(provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, upstreamError(provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, upstreamError(provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, upstreamError(provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeErrorBody(provider, resp.StatusCode, raw)
	}
	return raw, nil
}
