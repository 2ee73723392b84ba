package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/creditgw/secret"
	"github.com/ferro-labs/creditgw/subprovider"
)

// ProviderConfig is the persisted, static configuration for one provider
// family: everything provider.New needs plus the metadata a Directory
// needs to reconstruct it at boot.
type ProviderConfig struct {
	ID                string
	Name              string
	BaseURL           string
	Timeout           time.Duration
	SupportedModels   []string
	Features          []string
	NeedsSubProviders bool
}

// SubProviderConfig is the persisted, static configuration for one API
// key: everything RegisterSubProvider needs to reconstruct a
// SubProviderRecord (minus the live *subprovider.State, which always
// starts fresh at boot).
type SubProviderConfig struct {
	ID              string
	ProviderID      string
	EncryptedAPIKey secret.EncryptedSecret
	ModelMapping    map[string]string
	IsVerified      bool
	Limits          subprovider.Limits
	Enabled         bool
}

// SQLStore persists provider and sub-provider configuration to
// SQLite/Postgres, following the dual-dialect ddl/bind shape used
// throughout (ledger.SQLStore, account.SQLStore). It holds only static
// configuration: the live subprovider.State/provider.Provider metrics
// a Directory serves at runtime are never round-tripped through SQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "creditgw-directory.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite directory store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres directory store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s directory store: %w", s.dialect, err)
	}
	providersDDL := `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	timeout_ms INTEGER NOT NULL,
	supported_models TEXT NOT NULL DEFAULT '[]',
	features TEXT NOT NULL DEFAULT '[]',
	needs_sub_providers BOOLEAN NOT NULL DEFAULT TRUE
);`
	subProvidersDDL := `
CREATE TABLE IF NOT EXISTS sub_providers (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	ciphertext BLOB NOT NULL DEFAULT '',
	iv BLOB NOT NULL DEFAULT '',
	auth_tag BLOB NOT NULL DEFAULT '',
	master_key_ref TEXT NOT NULL DEFAULT '',
	model_mapping TEXT NOT NULL DEFAULT '{}',
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	max_requests_per_minute BIGINT NOT NULL DEFAULT 0,
	max_requests_per_hour BIGINT NOT NULL DEFAULT 0,
	max_tokens_per_minute BIGINT NOT NULL DEFAULT 0,
	max_concurrent_requests BIGINT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);`
	if _, err := s.db.Exec(providersDDL); err != nil {
		return fmt.Errorf("initialize providers schema: %w", err)
	}
	if _, err := s.db.Exec(subProvidersDDL); err != nil {
		return fmt.Errorf("initialize sub_providers schema: %w", err)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	index := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", index)
			index++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// UpsertProvider inserts or replaces a provider's static configuration.
func (s *SQLStore) UpsertProvider(ctx context.Context, c ProviderConfig) error {
	models, err := json.Marshal(c.SupportedModels)
	if err != nil {
		return fmt.Errorf("marshal supported models: %w", err)
	}
	features, err := json.Marshal(c.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	query := s.bind(`
INSERT INTO providers(id, name, base_url, timeout_ms, supported_models, features, needs_sub_providers)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	base_url = excluded.base_url,
	timeout_ms = excluded.timeout_ms,
	supported_models = excluded.supported_models,
	features = excluded.features,
	needs_sub_providers = excluded.needs_sub_providers`)
	_, err = s.db.ExecContext(ctx, query, c.ID, c.Name, c.BaseURL, c.Timeout.Milliseconds(), string(models), string(features), c.NeedsSubProviders)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// AllProviders loads every provider's static configuration.
func (s *SQLStore) AllProviders(ctx context.Context) ([]ProviderConfig, error) {
	query := s.bind(`SELECT id, name, base_url, timeout_ms, supported_models, features, needs_sub_providers FROM providers`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderConfig
	for rows.Next() {
		var (
			c            ProviderConfig
			timeoutMS    int64
			modelsJSON   string
			featuresJSON string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.BaseURL, &timeoutMS, &modelsJSON, &featuresJSON, &c.NeedsSubProviders); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		c.Timeout = time.Duration(timeoutMS) * time.Millisecond
		if err := json.Unmarshal([]byte(modelsJSON), &c.SupportedModels); err != nil {
			return nil, fmt.Errorf("unmarshal supported models for %q: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(featuresJSON), &c.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features for %q: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertSubProvider inserts or replaces a sub-provider's static
// configuration, including its encrypted credential.
func (s *SQLStore) UpsertSubProvider(ctx context.Context, c SubProviderConfig) error {
	mapping, err := json.Marshal(c.ModelMapping)
	if err != nil {
		return fmt.Errorf("marshal model mapping: %w", err)
	}
	query := s.bind(`
INSERT INTO sub_providers(id, provider_id, ciphertext, iv, auth_tag, master_key_ref, model_mapping, is_verified,
	max_requests_per_minute, max_requests_per_hour, max_tokens_per_minute, max_concurrent_requests, enabled)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	provider_id = excluded.provider_id,
	ciphertext = excluded.ciphertext,
	iv = excluded.iv,
	auth_tag = excluded.auth_tag,
	master_key_ref = excluded.master_key_ref,
	model_mapping = excluded.model_mapping,
	is_verified = excluded.is_verified,
	max_requests_per_minute = excluded.max_requests_per_minute,
	max_requests_per_hour = excluded.max_requests_per_hour,
	max_tokens_per_minute = excluded.max_tokens_per_minute,
	max_concurrent_requests = excluded.max_concurrent_requests,
	enabled = excluded.enabled`)
	_, err = s.db.ExecContext(ctx, query, c.ID, c.ProviderID, c.EncryptedAPIKey.Ciphertext, c.EncryptedAPIKey.IV,
		c.EncryptedAPIKey.AuthTag, c.EncryptedAPIKey.MasterKeyRef, string(mapping), c.IsVerified,
		c.Limits.MaxRequestsPerMinute, c.Limits.MaxRequestsPerHour, c.Limits.MaxTokensPerMinute, c.Limits.MaxConcurrentRequests, c.Enabled)
	if err != nil {
		return fmt.Errorf("upsert sub_provider: %w", err)
	}
	return nil
}

// AllSubProviders loads every sub-provider's static configuration.
func (s *SQLStore) AllSubProviders(ctx context.Context) ([]SubProviderConfig, error) {
	query := s.bind(`SELECT id, provider_id, ciphertext, iv, auth_tag, master_key_ref, model_mapping, is_verified,
	max_requests_per_minute, max_requests_per_hour, max_tokens_per_minute, max_concurrent_requests, enabled FROM sub_providers`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sub_providers: %w", err)
	}
	defer rows.Close()

	var out []SubProviderConfig
	for rows.Next() {
		var (
			c           SubProviderConfig
			mappingJSON string
		)
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.EncryptedAPIKey.Ciphertext, &c.EncryptedAPIKey.IV,
			&c.EncryptedAPIKey.AuthTag, &c.EncryptedAPIKey.MasterKeyRef, &mappingJSON, &c.IsVerified,
			&c.Limits.MaxRequestsPerMinute, &c.Limits.MaxRequestsPerHour, &c.Limits.MaxTokensPerMinute,
			&c.Limits.MaxConcurrentRequests, &c.Enabled); err != nil {
			return nil, fmt.Errorf("scan sub_provider row: %w", err)
		}
		if mappingJSON != "" {
			if err := json.Unmarshal([]byte(mappingJSON), &c.ModelMapping); err != nil {
				return nil, fmt.Errorf("unmarshal model mapping for %q: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
