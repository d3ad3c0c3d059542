package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oslsr/kestrel/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 300, cfg.Thresholds.CacheTTL)
	require.Len(t, cfg.Alerts.Policies, 1)
	assert.Equal(t, "high_severity", cfg.Alerts.Policies[0].Name)
}

func TestLoadPro(t *testing.T) {
	cfg, err := Load("", domain.TierPro)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.Equal(t, domain.DefaultQueueGroup, cfg.EventBus.NATSQueueGroup)

	t.Run("FromEnv", func(t *testing.T) {
		t.Setenv("KESTREL_TIER", "pro")
		cfg, err := Load("", "")
		require.NoError(t, err)
		assert.Equal(t, domain.TierPro, cfg.Tier)
	})

	t.Run("UnknownTier", func(t *testing.T) {
		_, err := Load("", "enterprise")
		var verrs ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, "tier", verrs[0].Field)
	})
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "kestrel.toml", `
[server]
port = 9090

[worker]
concurrency = 8

[[alerts.policies]]
name = "critical_only"
expression = 'severity == "critical"'
enabled = true
`},
		{"yaml", "kestrel.yaml", `
server:
  port: 9090
worker:
  concurrency: 8
alerts:
  policies:
    - name: critical_only
      expression: severity == "critical"
      enabled: true
`},
		{"json", "kestrel.json", `{
  "server": {"port": 9090},
  "worker": {"concurrency": 8},
  "alerts": {"policies": [{"name": "critical_only", "expression": "severity == \"critical\"", "enabled": true}]}
}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, dir, tt.file, tt.content), "")
			require.NoError(t, err)

			assert.Equal(t, 9090, cfg.Server.Port)
			assert.Equal(t, 8, cfg.Worker.Concurrency)
			assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep their defaults")
			require.Len(t, cfg.Alerts.Policies, 1)
			assert.Equal(t, "critical_only", cfg.Alerts.Policies[0].Name)
		})
	}

	t.Run("UnknownExtension", func(t *testing.T) {
		_, err := Load(writeFile(t, dir, "kestrel.ini", "port=1"), "")
		assert.ErrorContains(t, err, "unsupported config format")
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.toml"), "")
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "7070")
	t.Setenv("KESTREL_SQLITE_PATH", "/tmp/k.db")
	t.Setenv("KESTREL_WORKER_ENABLED", "false")
	t.Setenv("KESTREL_WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("KESTREL_NATS_QUEUE_GROUP", "region-a")

	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/k.db", cfg.Repository.SQLitePath)
	assert.False(t, cfg.Worker.Enabled)
	assert.Equal(t, 4, cfg.Worker.Concurrency, "invalid numbers are ignored")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "region-a", cfg.EventBus.NATSQueueGroup)
}

func TestValidate(t *testing.T) {
	cfg := domain.DefaultConfig()
	require.NoError(t, Validate(cfg))

	cfg.Server.Port = 0
	cfg.Repository.Driver = "mysql"
	cfg.Worker.MaxAttempts = -1
	cfg.Thresholds.Watch = true
	cfg.Notify.DiscordToken = "token"
	cfg.Alerts.Policies = append(cfg.Alerts.Policies,
		domain.AlertPolicy{Name: "broken", Expression: "amount > 1.0", Enabled: true},
		domain.DefaultAlertPolicy(),
	)
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"server.port",
		"repository.driver",
		"worker.maxAttempts",
		"thresholds.watch",
		"notify",
		"alerts.policies[1]",
		"alerts.policies[2]",
		"logging.format",
	}, fields)
	assert.Contains(t, err.Error(), "config: server.port")
}

// fakeUpdater records updates against an in-memory rule set.
type fakeUpdater struct {
	mu      sync.Mutex
	rules   map[string]float64
	updates []string
	actors  []string
}

func (f *fakeUpdater) ActiveThresholds(context.Context) ([]domain.ThresholdRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ThresholdRule, 0, len(f.rules))
	for k, v := range f.rules {
		out = append(out, domain.ThresholdRule{RuleKey: k, ThresholdValue: v, IsActive: true})
	}
	return out, nil
}

func (f *fakeUpdater) Update(_ context.Context, key string, upd domain.ThresholdUpdate, actor string) (*domain.ThresholdRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[key] = upd.ThresholdValue
	f.updates = append(f.updates, key)
	f.actors = append(f.actors, actor)
	return &domain.ThresholdRule{RuleKey: key, ThresholdValue: upd.ThresholdValue}, nil
}

func (f *fakeUpdater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func TestThresholdFileWatcher(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("Apply", func(t *testing.T) {
		path := writeFile(t, dir, "thresholds.yaml", `
actor: ops
thresholds:
  gps_weight: 25
  speed_weight: 30
  not_a_rule: 1
`)
		u := &fakeUpdater{rules: map[string]float64{"gps_weight": 25, "speed_weight": 25}}
		w := NewThresholdFileWatcher(path, u)

		n, err := w.Apply(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"speed_weight"}, u.updates)
		assert.Equal(t, []string{"ops"}, u.actors)

		n, err = w.Apply(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "unchanged values are not versioned again")
	})

	t.Run("TOML", func(t *testing.T) {
		path := writeFile(t, dir, "thresholds.toml", `
[thresholds]
timing_weight = 12.0
`)
		u := &fakeUpdater{rules: map[string]float64{"timing_weight": 10}}
		n, err := NewThresholdFileWatcher(path, u).Apply(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{DefaultActor}, u.actors)
	})

	t.Run("Empty", func(t *testing.T) {
		path := writeFile(t, dir, "empty.yaml", "actor: ops\n")
		_, err := NewThresholdFileWatcher(path, &fakeUpdater{}).Apply(ctx)
		assert.ErrorContains(t, err, "no thresholds defined")
	})

	t.Run("Watch", func(t *testing.T) {
		watchDir := t.TempDir()
		path := writeFile(t, watchDir, "thresholds.yaml", "thresholds:\n  gps_weight: 25\n")
		u := &fakeUpdater{rules: map[string]float64{"gps_weight": 25}}

		w := NewThresholdFileWatcher(path, u)
		w.debounce = 10 * time.Millisecond
		require.NoError(t, w.Start(ctx))
		defer w.Close()
		assert.Zero(t, u.count())

		writeFile(t, watchDir, "thresholds.yaml", "thresholds:\n  gps_weight: 20\n")
		assert.Eventually(t, func() bool { return u.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}
