// Package store is relay's catalogue store: models, credentials, request
// logs and balance transactions.
//
// Each record is one JSON document; the Postgres implementation keeps them
// in JSONB columns with unique keys on models.model_id and
// credentials.api_key, and the memory implementation backs tests. There is
// deliberately no cross-collection transaction: the settlement path is
// ordered so a crash loses at worst one audit row (see the billing ledger).
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kelpejol/relay/internal/schema"
)

// ErrNotFound reports a lookup that matched no record.
var ErrNotFound = errors.New("record not found")

// Store is the catalogue contract the rest of relay depends on.
//
// Request logs and transactions are append-only. Credential balances are
// written only through UpdateCredentialBalance; model documents only
// through InsertModel and UpdateModel.
type Store interface {
	GetCredential(ctx context.Context, apiKey string) (*schema.Credential, error)
	InsertCredential(ctx context.Context, cred schema.Credential) error
	UpdateCredentialBalance(ctx context.Context, apiKey string, balance float64) error
	ListCredentials(ctx context.Context, limit int) ([]schema.Credential, error)
	CountCredentials(ctx context.Context) (int64, error)

	GetModel(ctx context.Context, modelID string) (*schema.Model, error)
	InsertModel(ctx context.Context, model schema.Model) error
	// UpdateModel merges the patch into the model document at the top
	// level and returns the updated record.
	UpdateModel(ctx context.Context, modelID string, patch map[string]json.RawMessage) (*schema.Model, error)
	ListActiveModels(ctx context.Context) ([]schema.Model, error)
	CountModels(ctx context.Context) (int64, error)

	InsertRequestLog(ctx context.Context, entry schema.RequestLog) error
	ListRequestLogs(ctx context.Context, apiKey string, limit int) ([]schema.RequestLog, error)

	InsertTransaction(ctx context.Context, tx schema.Transaction) error
	ListTransactions(ctx context.Context, apiKey string, limit int) ([]schema.Transaction, error)
}

// mergePatch applies a top-level JSON merge of patch onto the document
// encoding of v, decoding the result into out. Shared by both
// implementations so admin patches behave identically everywhere.
func mergePatch(v interface{}, patch map[string]json.RawMessage, out interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return err
	}
	for k, raw := range patch {
		m[k] = raw
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}
