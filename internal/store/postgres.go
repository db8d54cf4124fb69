package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/relay/internal/schema"
)

// PostgresStore implements Store on PostgreSQL with one JSONB document per
// record. Safe for concurrent use; the pool handles contention.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore connects, tunes the pool and ensures the schema exists.
func NewPostgresStore(postgresURL string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "catalogue").Logger(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("schema init failed: %w", err)
	}

	s.log.Info().Msg("catalogue store ready")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	// lib/pq executes multiple statements in one Exec.
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS models (
			model_id TEXT PRIMARY KEY,
			doc      JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credentials (
			api_key TEXT PRIMARY KEY,
			doc     JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS requests (
			id         BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			api_key    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			doc        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS requests_request_id_idx ON requests (request_id);
		CREATE INDEX IF NOT EXISTS requests_api_key_idx ON requests (api_key);
		CREATE TABLE IF NOT EXISTS transactions (
			id         BIGSERIAL PRIMARY KEY,
			api_key    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			doc        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS transactions_api_key_idx ON transactions (api_key);
	`)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, apiKey string) (*schema.Credential, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM credentials WHERE api_key = $1`, apiKey).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential query failed: %w", err)
	}
	var cred schema.Credential
	if err := json.Unmarshal(doc, &cred); err != nil {
		return nil, fmt.Errorf("credential decode failed: %w", err)
	}
	return &cred, nil
}

func (s *PostgresStore) InsertCredential(ctx context.Context, cred schema.Credential) error {
	doc, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (api_key, doc) VALUES ($1, $2)`, cred.APIKey, doc)
	if err != nil {
		return fmt.Errorf("credential insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCredentialBalance(ctx context.Context, apiKey string, balance float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET doc = jsonb_set(doc, '{balance}', to_jsonb($2::float8))
		WHERE api_key = $1
	`, apiKey, balance)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, limit int) ([]schema.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM credentials ORDER BY api_key LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("credentials query failed: %w", err)
	}
	defer rows.Close()

	var out []schema.Credential
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var cred schema.Credential
		if err := json.Unmarshal(doc, &cred); err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountCredentials(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetModel(ctx context.Context, modelID string) (*schema.Model, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM models WHERE model_id = $1`, modelID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("model query failed: %w", err)
	}
	var model schema.Model
	if err := json.Unmarshal(doc, &model); err != nil {
		return nil, fmt.Errorf("model decode failed: %w", err)
	}
	return &model, nil
}

func (s *PostgresStore) InsertModel(ctx context.Context, model schema.Model) error {
	doc, err := json.Marshal(model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (model_id, doc) VALUES ($1, $2)`, model.ModelID, doc)
	if err != nil {
		return fmt.Errorf("model insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateModel(ctx context.Context, modelID string, patch map[string]json.RawMessage) (*schema.Model, error) {
	patchDoc, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var doc []byte
	// Top-level merge; '||' replaces colliding keys wholesale, which is
	// exactly the admin-patch contract.
	err = s.db.QueryRowContext(ctx, `
		UPDATE models
		SET doc = doc || $2::jsonb
		WHERE model_id = $1
		RETURNING doc
	`, modelID, patchDoc).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("model update failed: %w", err)
	}
	var model schema.Model
	if err := json.Unmarshal(doc, &model); err != nil {
		return nil, fmt.Errorf("model decode failed: %w", err)
	}
	return &model, nil
}

func (s *PostgresStore) ListActiveModels(ctx context.Context) ([]schema.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM models
		WHERE doc->>'status' = 'active'
		ORDER BY model_id
	`)
	if err != nil {
		return nil, fmt.Errorf("models query failed: %w", err)
	}
	defer rows.Close()

	var out []schema.Model
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var model schema.Model
		if err := json.Unmarshal(doc, &model); err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountModels(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM models`).Scan(&n)
	return n, err
}

func (s *PostgresStore) InsertRequestLog(ctx context.Context, entry schema.RequestLog) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (request_id, api_key, created_at, doc)
		VALUES ($1, $2, $3, $4)
	`, entry.RequestID, entry.APIKey, entry.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("request log insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRequestLogs(ctx context.Context, apiKey string, limit int) ([]schema.RequestLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM requests
		WHERE api_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, apiKey, limit)
	if err != nil {
		return nil, fmt.Errorf("request logs query failed: %w", err)
	}
	defer rows.Close()

	var out []schema.RequestLog
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var entry schema.RequestLog
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx schema.Transaction) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (api_key, created_at, doc)
		VALUES ($1, $2, $3)
	`, tx.APIKey, tx.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, apiKey string, limit int) ([]schema.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM transactions
		WHERE api_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, apiKey, limit)
	if err != nil {
		return nil, fmt.Errorf("transactions query failed: %w", err)
	}
	defer rows.Close()

	var out []schema.Transaction
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var tx schema.Transaction
		if err := json.Unmarshal(doc, &tx); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// DB exposes the underlying pool for operational tooling.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
