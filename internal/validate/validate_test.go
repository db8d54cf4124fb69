package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/relay/internal/apierr"
	"github.com/kelpejol/relay/internal/schema"
)

func testModel() *schema.Model {
	return &schema.Model{
		ModelID:      "test-model",
		Provider:     "stub",
		Capabilities: schema.Capabilities{Text: true},
		MaxTokens:    8192,
		Parameters: schema.ParamSchema{
			"temperature": schema.FloatParam{
				Min: schema.FloatPtr(0), Max: schema.FloatPtr(2), Default: schema.FloatPtr(1.0),
			},
			"max_tokens": schema.IntParam{
				Min: schema.IntPtr(1), Max: schema.IntPtr(4096), Default: schema.IntPtr(2048),
			},
			"response_format": schema.EnumParam{
				Values:  []string{"text", "json_object"},
				Default: schema.StringPtr("text"),
			},
		},
		Status: schema.StatusActive,
	}
}

func textRequest() *schema.Request {
	return &schema.Request{
		Model: "test-model",
		Messages: []schema.Message{
			{Role: "user", Content: schema.Content{Text: "hello"}},
		},
	}
}

func TestValidateRequiresMessages(t *testing.T) {
	req := &schema.Request{Model: "test-model"}
	_, err := Validate(req, testModel())
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
	assert.Equal(t, "Request must contain 'messages' field", err.Error())
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	req := textRequest()
	req.Messages[0].Role = "narrator"
	_, err := Validate(req, testModel())
	require.Error(t, err)
	assert.Equal(t, "Invalid message format", err.Error())
}

func TestValidateSubstitutesDefaults(t *testing.T) {
	out, err := Validate(textRequest(), testModel())
	require.NoError(t, err)

	require.NotNil(t, out.Temperature)
	assert.Equal(t, 1.0, *out.Temperature)
	require.NotNil(t, out.MaxTokens)
	assert.Equal(t, 2048, *out.MaxTokens)
	require.NotNil(t, out.ResponseFormat)
	assert.Equal(t, "text", out.ResponseFormat.Type)
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	req := textRequest()
	_, err := Validate(req, testModel())
	require.NoError(t, err)
	assert.Nil(t, req.Temperature, "input request must stay untouched")
	assert.Nil(t, req.MaxTokens)
}

func TestValidateIsIdempotent(t *testing.T) {
	req := textRequest()
	req.Temperature = schema.FloatPtr(0.7)

	once, err := Validate(req, testModel())
	require.NoError(t, err)
	twice, err := Validate(once, testModel())
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestValidateBounds(t *testing.T) {
	model := testModel()

	req := textRequest()
	req.Temperature = schema.FloatPtr(2.5)
	_, err := Validate(req, model)
	require.Error(t, err)
	assert.Equal(t, "Parameter 'temperature' must be <= 2", err.Error())

	req = textRequest()
	req.Temperature = schema.FloatPtr(-0.1)
	_, err = Validate(req, model)
	require.Error(t, err)
	assert.Equal(t, "Parameter 'temperature' must be >= 0", err.Error())

	req = textRequest()
	req.MaxTokens = schema.IntPtr(5000)
	_, err = Validate(req, model)
	require.Error(t, err)
	assert.Equal(t, "Parameter 'max_tokens' must be <= 4096", err.Error())
}

func TestValidateCoercesNumericStrings(t *testing.T) {
	req := textRequest()
	req.SetParam("seed", "42") // unknown param, passes through untouched
	req.Temperature = schema.FloatPtr(0.5)

	out, err := Validate(req, testModel())
	require.NoError(t, err)
	assert.Equal(t, 0.5, *out.Temperature)

	v, ok := out.Param("seed")
	require.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestValidateTruncatesFloatIntegers(t *testing.T) {
	model := testModel()
	model.Parameters["candidate_count"] = schema.IntParam{
		Min: schema.IntPtr(1), Max: schema.IntPtr(8),
	}

	// A JSON number like 3.9 decodes to float64; integer params truncate
	// it toward zero.
	req := textRequest()
	req.SetParam("candidate_count", 3.9)

	out, err := Validate(req, model)
	require.NoError(t, err)
	v, ok := out.Param("candidate_count")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
}

func TestValidateEnum(t *testing.T) {
	req := textRequest()
	req.ResponseFormat = &schema.ResponseFormat{Type: "json_object"}
	out, err := Validate(req, testModel())
	require.NoError(t, err)
	assert.Equal(t, "json_object", out.ResponseFormat.Type)

	req = textRequest()
	req.ResponseFormat = &schema.ResponseFormat{Type: "yaml"}
	_, err = Validate(req, testModel())
	require.Error(t, err)
	assert.Equal(t, "Parameter 'response_format' must be one of: [text, json_object]", err.Error())
}

func TestValidateImageCapability(t *testing.T) {
	req := &schema.Request{
		Model: "test-model",
		Messages: []schema.Message{
			{Role: "user", Content: schema.Content{Parts: []schema.ContentPart{
				{Type: "text", Text: "what is this"},
				{Type: "image_url", ImageURL: &schema.ImageURL{URL: "https://example.com/cat.png"}},
			}}},
		},
	}

	textOnly := testModel()
	_, err := Validate(req, textOnly)
	require.Error(t, err)
	assert.Equal(t, "Model test-model does not support image input", err.Error())

	vision := testModel()
	vision.Capabilities.Image = true
	_, err = Validate(req, vision)
	require.NoError(t, err)
}
