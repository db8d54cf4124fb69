// Package models is the model catalogue manager: reads, admin updates,
// first-start seeding, and the lower-tier search that backs balance
// fallback.
package models

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/schema"
	"github.com/kelpejol/relay/internal/store"
)

// Manager serves model catalogue lookups.
type Manager struct {
	store store.Store
	log   zerolog.Logger
}

// NewManager creates a Manager over the catalogue store.
func NewManager(st store.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store: st,
		log:   logger.With().Str("component", "model_manager").Logger(),
	}
}

// Get returns the model record, or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, modelID string) (*schema.Model, error) {
	return m.store.GetModel(ctx, modelID)
}

// ListActive returns all active models.
func (m *Manager) ListActive(ctx context.Context) ([]schema.Model, error) {
	return m.store.ListActiveModels(ctx)
}

// Update merges an admin patch into the model document and returns the
// updated record.
func (m *Manager) Update(ctx context.Context, modelID string, patch map[string]json.RawMessage) (*schema.Model, error) {
	updated, err := m.store.UpdateModel(ctx, modelID, patch)
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("model_id", modelID).Msg("model configuration updated")
	return updated, nil
}

// FindLowerTier returns the most capable active model strictly below
// currentLevel that still satisfies every required capability, or
// (nil, nil) when none qualifies. Ties on capability level break by
// lexicographic model id for determinism.
func (m *Manager) FindLowerTier(ctx context.Context, currentLevel int, required schema.Capabilities) (*schema.Model, error) {
	active, err := m.store.ListActiveModels(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []schema.Model
	for _, model := range active {
		if model.CapabilityLevel >= currentLevel {
			continue
		}
		if !model.Capabilities.Satisfies(required) {
			continue
		}
		candidates = append(candidates, model)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CapabilityLevel != candidates[j].CapabilityLevel {
			return candidates[i].CapabilityLevel > candidates[j].CapabilityLevel
		}
		return candidates[i].ModelID < candidates[j].ModelID
	})
	best := candidates[0]
	return &best, nil
}
