// Package config loads the Kestrel configuration from file and environment.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/oslsr/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load builds the configuration for tier (empty means KESTREL_TIER, then
// community), overlays the file at path when one is given, applies
// environment overrides and validates the result.
func Load(path string, tier domain.Tier) (*domain.Config, error) {
	if tier == "" {
		tier = domain.Tier(os.Getenv(EnvPrefix + "TIER"))
	}

	var cfg *domain.Config
	switch tier {
	case "", domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, ValidationErrors{{Field: "tier", Message: fmt.Sprintf("unknown tier %q", tier)}}
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// decodeFile decodes path over cfg, choosing the format by extension.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnvOverrides applies KESTREL_* environment variables to cfg.
func ApplyEnvOverrides(cfg *domain.Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "name", EnvPrefix+name, "value", v)
			return
		}
		*dst = n
	}
	flag := func(name string, dst *bool) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "name", EnvPrefix+name, "value", v)
			return
		}
		*dst = b
	}

	// Server
	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)

	// Repository
	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache and bus
	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("BUS_TYPE", &cfg.EventBus.Type)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	// Pipeline
	flag("WORKER_ENABLED", &cfg.Worker.Enabled)
	num("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	num("WORKER_MAX_ATTEMPTS", &cfg.Worker.MaxAttempts)
	num("THRESHOLDS_CACHE_TTL", &cfg.Thresholds.CacheTTL)
	str("THRESHOLDS_FILE", &cfg.Thresholds.File)
	flag("THRESHOLDS_WATCH", &cfg.Thresholds.Watch)

	// Notifications
	str("DISCORD_TOKEN", &cfg.Notify.DiscordToken)
	str("DISCORD_CHANNEL_ID", &cfg.Notify.DiscordChannelID)

	// Observability
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	flag("TRACING_ENABLED", &cfg.Tracing.Enabled)
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	if os.Getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
}
