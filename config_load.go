package creditgw

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/creditgw/discount"
)

// LoadConfig reads and parses a config file from the given path,
// following the teacher's LoadConfig: extension selects JSON vs YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "json"
	}
	if cfg.Storage.Dialect == "" {
		cfg.Storage.Dialect = "sqlite"
	}
	if cfg.Discount.CheckInterval <= 0 {
		cfg.Discount.CheckInterval = discount.DefaultCheckInterval
	}
	if cfg.Discount.Duration <= 0 {
		cfg.Discount.Duration = discount.DefaultDuration
	}
}

// ValidateConfig validates a Config for correctness, following the
// teacher's ValidateConfig: surface every structural problem before
// Gateway assembly touches the network or a database.
func ValidateConfig(cfg Config) error {
	switch cfg.Storage.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage dialect: %q", cfg.Storage.Dialect)
	}
	if cfg.Storage.Dialect == "postgres" && cfg.Storage.DSN == "" {
		return fmt.Errorf("storage dsn is required for postgres")
	}
	if len(cfg.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	seenModels := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.ID == "" {
			return fmt.Errorf("model entry missing id")
		}
		if _, dup := seenModels[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seenModels[m.ID] = struct{}{}
		switch CostType(m.CostType) {
		case CostTypePerToken, CostTypeFixed:
		default:
			return fmt.Errorf("model %q has unknown cost_type %q", m.ID, m.CostType)
		}
	}

	seenProviders := make(map[string]struct{}, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider entry missing id")
		}
		if _, dup := seenProviders[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seenProviders[p.ID] = struct{}{}
		if p.NeedsSubProviders && len(p.SubProviders) == 0 {
			return fmt.Errorf("provider %q needs sub-providers but none are configured", p.ID)
		}
	}
	return nil
}

// CostType aliases catalog.CostType's string values for config parsing
// without importing catalog here, keeping config.go's on-disk shape
// independent of the in-memory catalog package.
type CostType string

// CostType constants recognized in config files.
const (
	CostTypePerToken CostType = "per_token"
	CostTypeFixed    CostType = "fixed"
)
