package aicache

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/providers"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "AICACHE_CONFIG"

//go:embed config.schema.json
var configSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("config.schema.json", configSchemaJSON)
	})
	return schema, schemaErr
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). ${VAR} references
// are expanded from the environment before parsing, the document is
// checked against the config schema, and omitted fields keep the values
// from DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var doc interface{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFromEnv loads the file named by AICACHE_CONFIG, or returns
// ConfigFromEnv when it is unset.
func LoadConfigFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(ConfigEnv))
	if path == "" {
		cfg := ConfigFromEnv()
		return &cfg, nil
	}
	return LoadConfig(path)
}

// validateDocument checks a decoded document against the config schema.
// The document is normalised through JSON so YAML-decoded values have the
// types the validator expects.
func validateDocument(doc interface{}) error {
	sch, err := configSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalising config: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("normalising config: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid config: %s", verr.Error())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateConfig validates a Config for correctness: the schema, then
// settings that depend on each other.
func ValidateConfig(cfg Config) error {
	if err := validateDocument(cfg); err != nil {
		return err
	}

	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, err := cfg.Server.Timeouts(); err != nil {
		return err
	}

	switch cfg.Cache.Backend {
	case store.BackendPostgres:
		if cfg.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn is required for the postgres backend")
		}
	case store.BackendRedis:
		if cfg.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	}

	if _, err := cfg.Upstream.CallTimeout(); err != nil {
		return err
	}
	if _, err := cfg.Upstream.ProviderConfig(); err != nil {
		return err
	}
	if cfg.Upstream.Kind == providers.KindBedrock && cfg.Upstream.AccessKeyID != "" && cfg.Upstream.SecretAccessKey == "" {
		return fmt.Errorf("upstream.secret_access_key is required with access_key_id")
	}
	if cfg.Upstream.Kind == providers.KindChat && cfg.Upstream.APIKey == "" && cfg.Upstream.OAuth == nil {
		return fmt.Errorf("upstream.api_key or upstream.oauth is required for the chat backend")
	}

	if cfg.RequestLog.Backend == "postgres" && cfg.RequestLog.DSN == "" {
		return fmt.Errorf("request_log.dsn is required for the postgres backend")
	}
	return nil
}
