package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kelpejol/relay/internal/schema"
)

// MemoryStore is an in-memory Store for tests and local development.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu           sync.RWMutex
	credentials  map[string]schema.Credential
	models       map[string]schema.Model
	requests     []schema.RequestLog
	transactions []schema.Transaction
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]schema.Credential),
		models:      make(map[string]schema.Model),
	}
}

func (s *MemoryStore) GetCredential(ctx context.Context, apiKey string) (*schema.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	out := cred
	return &out, nil
}

func (s *MemoryStore) InsertCredential(ctx context.Context, cred schema.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.APIKey] = cred
	return nil
}

func (s *MemoryStore) UpdateCredentialBalance(ctx context.Context, apiKey string, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[apiKey]
	if !ok {
		return ErrNotFound
	}
	cred.Balance = balance
	s.credentials[apiKey] = cred
	return nil
}

func (s *MemoryStore) ListCredentials(ctx context.Context, limit int) ([]schema.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		if len(out) >= limit {
			break
		}
		out = append(out, cred)
	}
	return out, nil
}

func (s *MemoryStore) CountCredentials(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.credentials)), nil
}

func (s *MemoryStore) GetModel(ctx context.Context, modelID string) (*schema.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.models[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	out := model
	return &out, nil
}

func (s *MemoryStore) InsertModel(ctx context.Context, model schema.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[model.ModelID] = model
	return nil
}

func (s *MemoryStore) UpdateModel(ctx context.Context, modelID string, patch map[string]json.RawMessage) (*schema.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, ok := s.models[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	var updated schema.Model
	if err := mergePatch(model, patch, &updated); err != nil {
		return nil, err
	}
	s.models[modelID] = updated
	out := updated
	return &out, nil
}

func (s *MemoryStore) ListActiveModels(ctx context.Context) ([]schema.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Model
	for _, model := range s.models {
		if model.Status == schema.StatusActive {
			out = append(out, model)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountModels(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.models)), nil
}

func (s *MemoryStore) InsertRequestLog(ctx context.Context, entry schema.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, entry)
	return nil
}

func (s *MemoryStore) ListRequestLogs(ctx context.Context, apiKey string, limit int) ([]schema.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.RequestLog
	for i := len(s.requests) - 1; i >= 0 && len(out) < limit; i-- {
		if s.requests[i].APIKey == apiKey {
			out = append(out, s.requests[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertTransaction(ctx context.Context, tx schema.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, apiKey string, limit int) ([]schema.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Transaction
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.transactions[i].APIKey == apiKey {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}
