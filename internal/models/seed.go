package models

import (
	"context"
	"fmt"
	"time"

	"github.com/kelpejol/relay/internal/schema"
)

// SeedDefaults holds what first-start seeding needs beyond the catalogue
// itself: the admin key, the credential prefix, and the per-tier default
// tables.
type SeedDefaults struct {
	AdminAPIKey  string
	APIKeyPrefix string
	RateLimits   map[string]schema.RateLimits
	Retry        schema.RetryConfig
}

// Seed bulk-inserts the built-in model defaults when the models collection
// is empty, and the admin plus default normal-tier credentials when the
// credentials collection is empty. Safe to call on every start.
func (m *Manager) Seed(ctx context.Context, defaults SeedDefaults) error {
	if err := m.seedModels(ctx); err != nil {
		return fmt.Errorf("model seed failed: %w", err)
	}
	if err := m.seedCredentials(ctx, defaults); err != nil {
		return fmt.Errorf("credential seed failed: %w", err)
	}
	return nil
}

func (m *Manager) seedModels(ctx context.Context) error {
	count, err := m.store.CountModels(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	defaults := DefaultModels(time.Now().UTC())
	for _, model := range defaults {
		if err := m.store.InsertModel(ctx, model); err != nil {
			return err
		}
	}
	m.log.Info().Int("count", len(defaults)).Msg("default models seeded")
	return nil
}

func (m *Manager) seedCredentials(ctx context.Context, defaults SeedDefaults) error {
	count, err := m.store.CountCredentials(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	seed := []schema.Credential{
		{
			APIKey:      defaults.AdminAPIKey,
			Tier:        schema.TierAdmin,
			Balance:     1000.0,
			RateLimits:  defaults.RateLimits[schema.TierAdmin],
			RetryConfig: defaults.Retry,
			Status:      schema.StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			APIKey:      defaults.APIKeyPrefix + "default",
			Tier:        schema.TierNormal,
			Balance:     100.0,
			RateLimits:  defaults.RateLimits[schema.TierNormal],
			RetryConfig: defaults.Retry,
			Status:      schema.StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	for _, cred := range seed {
		if err := m.store.InsertCredential(ctx, cred); err != nil {
			return err
		}
	}
	m.log.Info().Int("count", len(seed)).Msg("default credentials seeded")
	return nil
}

// DefaultModels returns the built-in model catalogue.
func DefaultModels(now time.Time) []schema.Model {
	standardParams := func(maxTokens int) schema.ParamSchema {
		return schema.ParamSchema{
			"temperature": schema.FloatParam{
				Min: schema.FloatPtr(0), Max: schema.FloatPtr(2), Default: schema.FloatPtr(1.0),
			},
			"max_tokens": schema.IntParam{
				Min: schema.IntPtr(1), Max: schema.IntPtr(maxTokens), Default: schema.IntPtr(2048),
			},
			"top_p": schema.FloatParam{
				Min: schema.FloatPtr(0), Max: schema.FloatPtr(1), Default: schema.FloatPtr(1.0),
			},
			"frequency_penalty": schema.FloatParam{
				Min: schema.FloatPtr(-2), Max: schema.FloatPtr(2), Default: schema.FloatPtr(0.0),
			},
			"presence_penalty": schema.FloatParam{
				Min: schema.FloatPtr(-2), Max: schema.FloatPtr(2), Default: schema.FloatPtr(0.0),
			},
		}
	}

	gpt4oParams := standardParams(4096)
	gpt4oParams["response_format"] = schema.EnumParam{
		Values:  []string{"text", "json_object"},
		Default: schema.StringPtr("text"),
	}

	return []schema.Model{
		{
			ModelID:      "gpt-4o",
			Provider:     "openai",
			Capabilities: schema.Capabilities{Text: true, Image: true, Reply: true},
			Pricing: schema.Pricing{
				InputPrice:      15.0,
				OutputPrice:     50.0,
				ImageInputPrice: 0.00765,
			},
			CapabilityLevel: 3,
			MaxTokens:       128000,
			Parameters:      gpt4oParams,
			Status:          schema.StatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ModelID:      "claude-3.5-sonnet",
			Provider:     "anthropic",
			Capabilities: schema.Capabilities{Text: true, Image: true, Reply: true},
			Pricing: schema.Pricing{
				InputPrice:      15.0,
				OutputPrice:     50.0,
				ImageInputPrice: 0.00765,
			},
			CapabilityLevel: 3,
			MaxTokens:       128000,
			Parameters: schema.ParamSchema{
				"temperature": schema.FloatParam{
					Min: schema.FloatPtr(0), Max: schema.FloatPtr(2), Default: schema.FloatPtr(1.0),
				},
				"max_tokens": schema.IntParam{
					Min: schema.IntPtr(1), Max: schema.IntPtr(4096), Default: schema.IntPtr(2048),
				},
				"top_p": schema.FloatParam{
					Min: schema.FloatPtr(0), Max: schema.FloatPtr(1), Default: schema.FloatPtr(1.0),
				},
			},
			Status:    schema.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ModelID:      "grok-vision-beta",
			Provider:     "xai",
			Capabilities: schema.Capabilities{Text: true, Image: true, Reply: true},
			Pricing: schema.Pricing{
				InputPrice:      5.0,
				OutputPrice:     5.0,
				ImageInputPrice: 15.0,
			},
			CapabilityLevel: 1,
			MaxTokens:       8192,
			Parameters:      standardParams(8192),
			Status:          schema.StatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ModelID:      "grok-2-vision-1212",
			Provider:     "xai",
			Capabilities: schema.Capabilities{Text: true, Image: true, Reply: true},
			Pricing: schema.Pricing{
				InputPrice:      2.0,
				OutputPrice:     2.0,
				ImageInputPrice: 10.0,
			},
			CapabilityLevel: 1,
			MaxTokens:       32768,
			Parameters:      standardParams(32768),
			Status:          schema.StatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}
