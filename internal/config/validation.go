package config

import (
	"fmt"
	"strings"

	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/rules"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks cfg and returns every problem found as ValidationErrors.
func Validate(cfg *domain.Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			add("repository.sqlitePath", "required for the sqlite driver")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" {
			add("repository.postgresHost", "required for the postgres driver")
		}
	default:
		add("repository.driver", "unsupported driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			add("cache.redisAddr", "required for the redis cache")
		}
	default:
		add("cache.type", "unsupported cache %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			add("eventBus.natsUrl", "required for the nats bus")
		}
	default:
		add("eventBus.type", "unsupported event bus %q", cfg.EventBus.Type)
	}

	if cfg.Engine.MaxWorkers < 0 {
		add("engine.maxWorkers", "must not be negative")
	}
	if cfg.Engine.HeuristicTimeoutMs < 0 {
		add("engine.heuristicTimeoutMs", "must not be negative")
	}
	if cfg.Worker.Concurrency < 0 {
		add("worker.concurrency", "must not be negative")
	}
	if cfg.Worker.MaxAttempts < 0 {
		add("worker.maxAttempts", "must not be negative")
	}
	if cfg.Worker.RetryBackoffMs < 0 {
		add("worker.retryBackoffMs", "must not be negative")
	}
	if cfg.Thresholds.CacheTTL < 0 {
		add("thresholds.cacheTtl", "must not be negative")
	}
	if cfg.Thresholds.Watch && cfg.Thresholds.File == "" {
		add("thresholds.watch", "requires thresholds.file")
	}

	if (cfg.Notify.DiscordToken == "") != (cfg.Notify.DiscordChannelID == "") {
		add("notify", "discordToken and discordChannelId must be set together")
	}

	errs = append(errs, validatePolicies(cfg.Alerts.Policies)...)

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		add("logging.level", "unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text", "":
	default:
		add("logging.format", "unknown format %q", cfg.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePolicies(policies []domain.AlertPolicy) ValidationErrors {
	if len(policies) == 0 {
		return nil
	}
	engine, err := rules.NewEngine()
	if err != nil {
		return ValidationErrors{{Field: "alerts.policies", Message: err.Error()}}
	}

	var errs ValidationErrors
	seen := make(map[string]bool)
	for i, p := range policies {
		field := fmt.Sprintf("alerts.policies[%d]", i)
		if seen[p.Name] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate policy name %q", p.Name)})
			continue
		}
		seen[p.Name] = true
		if err := engine.ValidatePolicy(p); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
	}
	return errs
}
