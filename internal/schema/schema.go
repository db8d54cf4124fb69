// Package schema defines the canonical wire shapes and catalogue records
// shared by every layer of relay.
//
// The canonical request/response pair is the provider-agnostic JSON accepted
// and produced at the HTTP edge. Provider adapters translate it to each
// upstream's native schema; the pipeline, validator and billing ledger only
// ever see these types.
//
// Catalogue records (Model, Credential) are stored as one JSON document per
// row. They are immutable from the pipeline's point of view: the admin
// surface and the billing ledger are the only writers.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDisabled = "disabled"
)

// Credential tiers. The tier seeds the default rate-limit table; it carries
// no meaning beyond that after creation.
const (
	TierLimit  = "limit"
	TierNormal = "normal"
	TierAdmin  = "admin"
)

// Request/transaction lifecycle values.
const (
	RequestCompleted = "completed"
	RequestFailed    = "failed"

	TxDeduction = "deduction"
	TxCredit    = "credit"
)

// ImageURL is an image reference inside a structured content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a structured message content list.
// Type is "text" or "image_url".
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Content holds message content in either of its two wire forms: a plain
// string, or a list of typed parts. Parts == nil means the plain form.
type Content struct {
	Text  string
	Parts []ContentPart
}

// Stringified returns the content as the single string billing estimates
// run over. Structured content is its JSON encoding, which over-counts
// image parts; that is intentional parity with the original estimator.
func (c Content) Stringified() string {
	if c.Parts == nil {
		return c.Text
	}
	b, err := json.Marshal(c.Parts)
	if err != nil {
		return c.Text
	}
	return string(b)
}

// ImageCount returns the number of image parts in the content.
func (c Content) ImageCount() int {
	n := 0
	for _, p := range c.Parts {
		if p.Type == "image_url" || p.Type == "image" {
			n++
		}
	}
	return n
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or a list of parts: %w", err)
	}
	c.Text = ""
	c.Parts = parts
	return nil
}

// Message is one entry of the canonical message list.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ResponseFormat selects the upstream output mode.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Request is the canonical chat-completion request.
//
// The named fields are the parameters relay knows how to validate against a
// model's parameter schema. Anything else a caller sends is kept verbatim in
// Extra and forwarded to the upstream untouched; whether the upstream
// accepts it is the upstream's concern.
type Request struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	Stream           bool            `json:"stream,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownRequestFields are the top-level keys owned by named struct fields.
var knownRequestFields = map[string]bool{
	"model":             true,
	"messages":          true,
	"temperature":       true,
	"max_tokens":        true,
	"top_p":             true,
	"frequency_penalty": true,
	"presence_penalty":  true,
	"response_format":   true,
	"stream":            true,
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownRequestFields[k] {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = raw[k]
	}
	*r = Request(a)
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	base, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if !knownRequestFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep-enough copy for the validator to coerce without
// mutating the caller's request. Message content is immutable downstream,
// so the messages slice is shared.
func (r *Request) Clone() *Request {
	out := *r
	if r.Temperature != nil {
		v := *r.Temperature
		out.Temperature = &v
	}
	if r.MaxTokens != nil {
		v := *r.MaxTokens
		out.MaxTokens = &v
	}
	if r.TopP != nil {
		v := *r.TopP
		out.TopP = &v
	}
	if r.FrequencyPenalty != nil {
		v := *r.FrequencyPenalty
		out.FrequencyPenalty = &v
	}
	if r.PresencePenalty != nil {
		v := *r.PresencePenalty
		out.PresencePenalty = &v
	}
	if r.ResponseFormat != nil {
		v := *r.ResponseFormat
		out.ResponseFormat = &v
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Param returns the current value of a named top-level parameter, or
// (nil, false) when it is absent. Values come back as float64, int, string
// or raw JSON for unknown parameters.
func (r *Request) Param(name string) (interface{}, bool) {
	switch name {
	case "temperature":
		if r.Temperature == nil {
			return nil, false
		}
		return *r.Temperature, true
	case "max_tokens":
		if r.MaxTokens == nil {
			return nil, false
		}
		return *r.MaxTokens, true
	case "top_p":
		if r.TopP == nil {
			return nil, false
		}
		return *r.TopP, true
	case "frequency_penalty":
		if r.FrequencyPenalty == nil {
			return nil, false
		}
		return *r.FrequencyPenalty, true
	case "presence_penalty":
		if r.PresencePenalty == nil {
			return nil, false
		}
		return *r.PresencePenalty, true
	case "response_format":
		if r.ResponseFormat == nil {
			return nil, false
		}
		return r.ResponseFormat.Type, true
	default:
		raw, ok := r.Extra[name]
		if !ok {
			return nil, false
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return string(raw), true
		}
		return v, true
	}
}

// SetParam writes a coerced value back into its named slot. Float and int
// parameters land in the typed fields; enum "response_format" sets the
// format type; anything else is re-encoded into Extra.
func (r *Request) SetParam(name string, value interface{}) {
	switch name {
	case "temperature":
		if f, ok := toFloat(value); ok {
			r.Temperature = &f
		}
	case "max_tokens":
		if i, ok := toInt(value); ok {
			r.MaxTokens = &i
		}
	case "top_p":
		if f, ok := toFloat(value); ok {
			r.TopP = &f
		}
	case "frequency_penalty":
		if f, ok := toFloat(value); ok {
			r.FrequencyPenalty = &f
		}
	case "presence_penalty":
		if f, ok := toFloat(value); ok {
			r.PresencePenalty = &f
		}
	case "response_format":
		if s, ok := value.(string); ok {
			r.ResponseFormat = &ResponseFormat{Type: s}
		}
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[name] = raw
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Parameters returns every top-level parameter except model, messages and
// stream, keyed by name. Used for request logging (message bodies are
// never logged).
func (r *Request) Parameters() map[string]interface{} {
	out := make(map[string]interface{})
	for _, name := range []string{
		"temperature", "max_tokens", "top_p",
		"frequency_penalty", "presence_penalty", "response_format",
	} {
		if v, ok := r.Param(name); ok {
			out[name] = v
		}
	}
	for k := range r.Extra {
		if v, ok := r.Param(k); ok {
			out[k] = v
		}
	}
	return out
}

// Usage reports upstream token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative in the canonical response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Response is the canonical chat-completion response.
type Response struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Capabilities flags what a model can consume and produce.
type Capabilities struct {
	Text  bool `json:"text"`
	Image bool `json:"image"`
	Reply bool `json:"reply_mode"`
}

// Satisfies reports whether every capability required (true in req) is
// present on the receiver.
func (c Capabilities) Satisfies(req Capabilities) bool {
	if req.Text && !c.Text {
		return false
	}
	if req.Image && !c.Image {
		return false
	}
	if req.Reply && !c.Reply {
		return false
	}
	return true
}

// Pricing holds per-million-token prices in currency units, plus an
// optional flat per-image price.
type Pricing struct {
	InputPrice      float64 `json:"input_price"`
	OutputPrice     float64 `json:"output_price"`
	ImageInputPrice float64 `json:"image_input_price,omitempty"`
}

// Model is a catalogue model record.
type Model struct {
	ModelID         string       `json:"model_id"`
	Provider        string       `json:"provider"`
	Capabilities    Capabilities `json:"capabilities"`
	Pricing         Pricing      `json:"pricing"`
	CapabilityLevel int          `json:"capability_level"`
	MaxTokens       int          `json:"max_tokens"`
	Parameters      ParamSchema  `json:"parameters"`
	Status          string       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// RateLimits is a credential's admission quota table. Zero values mean
// a quota of zero, not unlimited.
type RateLimits struct {
	RequestsPerMinute  int `json:"requests_per_minute"`
	RequestsPerDay     int `json:"requests_per_day"`
	RequestsPerMonth   int `json:"requests_per_month"`
	ConcurrentRequests int `json:"concurrent_requests"`
}

// RetryConfig is a credential's dispatch retry policy. RetryDelay is in
// milliseconds and applies unconditionally between attempts.
type RetryConfig struct {
	MaxRetries          int  `json:"max_retries"`
	RetryDelay          int  `json:"retry_delay"`
	FallbackToLowerTier bool `json:"fallback_to_lower_tier"`
}

// Credential is a catalogue credential record. Balance is mutated only by
// the billing ledger and the admin credit path.
type Credential struct {
	APIKey      string      `json:"api_key"`
	Tier        string      `json:"tier"`
	Balance     float64     `json:"balance"`
	RateLimits  RateLimits  `json:"rate_limits"`
	RetryConfig RetryConfig `json:"retry_config"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RetryAttempt records one dispatch attempt. Attempt indexes start at 1.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// RequestLog is the append-only record written once per completed or
// failed request. Message bodies are excluded; only role counts survive.
type RequestLog struct {
	RequestID     string                 `json:"request_id"`
	APIKey        string                 `json:"api_key"`
	ModelID       string                 `json:"model_id"`
	Timestamp     time.Time              `json:"timestamp"`
	RequestType   string                 `json:"request_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	MessageCount  int                    `json:"message_count"`
	MessageTypes  map[string]int         `json:"message_types"`
	Tokens        *Usage                 `json:"tokens,omitempty"`
	Cost          float64                `json:"cost"`
	Status        string                 `json:"status"`
	RetryAttempts []RetryAttempt         `json:"retry_attempts,omitempty"`
	ErrorType     string                 `json:"error_type,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// Transaction is the append-only audit record of one balance mutation.
type Transaction struct {
	Timestamp  time.Time `json:"timestamp"`
	APIKey     string    `json:"api_key"`
	Amount     float64   `json:"amount"`
	OldBalance float64   `json:"old_balance"`
	NewBalance float64   `json:"new_balance"`
	Type       string    `json:"transaction_type"`
}
