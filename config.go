package creditgw

import "time"

// Config holds every setting needed to assemble a Gateway, adapted from
// the teacher's flat Config/LoadConfig shape (config.go/config_load.go)
// and expanded with the options SPEC_FULL.md's ambient-stack section
// names: health/circuit-breaker tuning, the discount scheduler's
// interval/duration, storage DSNs, and the master key ring used to
// decrypt sub-provider credentials.
type Config struct {
	Server    ServerConfig   `json:"server" yaml:"server"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Health    HealthConfig   `json:"health" yaml:"health"`
	Discount  DiscountConfig `json:"discount" yaml:"discount"`
	Secrets   SecretsConfig  `json:"secrets" yaml:"secrets"`
	Models    []ModelConfig  `json:"models" yaml:"models"`
	Providers []ProviderSpec `json:"providers" yaml:"providers"`
}

// ServerConfig configures the HTTP entry point (cmd/gatewayd).
type ServerConfig struct {
	ListenAddr      string `json:"listen_addr" yaml:"listen_addr"`
	MetricsAddr     string `json:"metrics_addr" yaml:"metrics_addr"`
	LogLevel        string `json:"log_level" yaml:"log_level"`
	LogFormat       string `json:"log_format" yaml:"log_format"`
	AlertWebhookURL string `json:"alert_webhook_url" yaml:"alert_webhook_url"`
}

// StorageConfig selects and configures the SQL dialect backing the
// ledger, account, and directory stores. A single dialect/DSN pair
// drives all three, matching spec.md §6's "pick one persistence layer
// for the whole core" framing.
type StorageConfig struct {
	Dialect string `json:"dialect" yaml:"dialect"` // "sqlite" or "postgres"
	DSN     string `json:"dsn" yaml:"dsn"`
}

// HealthConfig tunes the health monitor and circuit breaker (spec.md §6
// "healthCheckInterval", "circuitBreakerTimeout", "autoRecoveryEnabled").
// The monitor's 10s tick interval and the breaker's 3-failure/120s-open
// thresholds are fixed by spec.md §5 and are not configurable; these
// knobs gate whether auto-recovery runs at all and how long a provider
// with no sub-providers waits before stepping unhealthy->degraded.
type HealthConfig struct {
	AutoRecoveryEnabled    bool          `json:"auto_recovery_enabled" yaml:"auto_recovery_enabled"`
	UnhealthyRecoveryAfter time.Duration `json:"unhealthy_recovery_after" yaml:"unhealthy_recovery_after"`
}

// DiscountConfig tunes the discount scheduler (spec.md §6
// "DISCOUNT_CHECK_INTERVAL_MS", "DISCOUNT_DURATION_MS").
type DiscountConfig struct {
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
}

// SecretsConfig names the master keys available to decrypt sub-provider
// credentials. Values are expected to be 32-byte AES-256 keys supplied
// out-of-band (env var, KMS); MasterKeyRefs simply lists which refs the
// running keyring must resolve.
type SecretsConfig struct {
	MasterKeyRefs []string `json:"master_key_refs" yaml:"master_key_refs"`
}

// ModelConfig is the on-disk shape of one catalog.Model, mirroring
// catalog.NewModel's parameters.
type ModelConfig struct {
	ID                  string   `json:"id" yaml:"id"`
	OwnedBy             string   `json:"owned_by" yaml:"owned_by"`
	Endpoints           []string `json:"endpoints" yaml:"endpoints"`
	PlanAccess          []string `json:"plan_access" yaml:"plan_access"`
	CostType            string   `json:"cost_type" yaml:"cost_type"` // "per_token" or "fixed"
	BaseCost            int64    `json:"base_cost" yaml:"base_cost"`
	Multiplier          float64  `json:"multiplier" yaml:"multiplier"`
	SupportsStreaming   bool     `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsToolCalling bool     `json:"supports_tool_calling" yaml:"supports_tool_calling"`
}

// ProviderSpec is the on-disk shape of one directory.ProviderConfig plus
// its sub-providers, mirroring the teacher's Target list but keyed by
// provider family instead of a flat virtual-key list.
type ProviderSpec struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	BaseURL           string            `json:"base_url" yaml:"base_url"`
	TimeoutMS         int64             `json:"timeout_ms" yaml:"timeout_ms"`
	SupportedModels   []string          `json:"supported_models" yaml:"supported_models"`
	Features          []string          `json:"features" yaml:"features"`
	NeedsSubProviders bool              `json:"needs_sub_providers" yaml:"needs_sub_providers"`
	SubProviders      []SubProviderSpec `json:"sub_providers,omitempty" yaml:"sub_providers,omitempty"`
}

// SubProviderSpec is the on-disk shape of one directory.SubProviderConfig.
// APIKeyPlaintext is consumed once at bootstrap to produce an encrypted
// secret.EncryptedSecret via the configured master key; it is never
// itself persisted.
type SubProviderSpec struct {
	ID                    string            `json:"id" yaml:"id"`
	APIKeyPlaintext       string            `json:"api_key" yaml:"api_key"`
	MasterKeyRef          string            `json:"master_key_ref" yaml:"master_key_ref"`
	ModelMapping          map[string]string `json:"model_mapping,omitempty" yaml:"model_mapping,omitempty"`
	IsVerified            bool              `json:"is_verified" yaml:"is_verified"`
	Enabled               bool              `json:"enabled" yaml:"enabled"`
	MaxRequestsPerMinute  int64             `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MaxRequestsPerHour    int64             `json:"max_requests_per_hour" yaml:"max_requests_per_hour"`
	MaxTokensPerMinute    int64             `json:"max_tokens_per_minute" yaml:"max_tokens_per_minute"`
	MaxConcurrentRequests int64             `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
}
