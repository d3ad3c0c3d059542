package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oslsr/kestrel/internal/domain"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.toml")
	body := fmt.Sprintf(`
[repository]
driver = "sqlite"
sqlitePath = %q

[logging]
level = "error"
format = "text"
`, filepath.Join(dir, "kestrel.db"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "kestrel "+Version) {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestThresholdsCommands(t *testing.T) {
	cfg := writeConfig(t)

	t.Run("SeedIsIdempotent", func(t *testing.T) {
		// Startup already seeds the defaults.
		out, err := execute(t, "--config", cfg, "thresholds", "seed")
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if strings.TrimSpace(out) != "seeded 0 rules" {
			t.Errorf("expected nothing left to seed, got %q", out)
		}
	})

	t.Run("Set", func(t *testing.T) {
		out, err := execute(t, "--config", cfg, "thresholds", "set", "gps_weight", "30", "--actor", "admin-1")
		if err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if strings.TrimSpace(out) != "gps_weight = 30 (version 2)" {
			t.Errorf("unexpected output: %q", out)
		}
	})

	t.Run("SetRequiresActor", func(t *testing.T) {
		if _, err := execute(t, "--config", cfg, "thresholds", "set", "gps_weight", "31"); err == nil {
			t.Error("expected missing --actor to fail")
		}
	})

	t.Run("SetRejectsBadValue", func(t *testing.T) {
		if _, err := execute(t, "--config", cfg, "thresholds", "set", "gps_weight", "lots", "--actor", "a"); err == nil {
			t.Error("expected non-numeric value to fail")
		}
	})

	t.Run("ListJSON", func(t *testing.T) {
		out, err := execute(t, "--config", cfg, "thresholds", "list", "--json")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		var snap domain.ThresholdSnapshot
		if err := json.Unmarshal([]byte(out), &snap); err != nil {
			t.Fatalf("failed to decode snapshot: %v", err)
		}
		if snap.Version != 2 {
			t.Errorf("expected config version 2, got %d", snap.Version)
		}
		if v := snap.Value("gps_weight", 0); v != 30 {
			t.Errorf("expected gps_weight 30, got %v", v)
		}
	})

	t.Run("ListTable", func(t *testing.T) {
		out, err := execute(t, "--config", cfg, "thresholds", "list")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if !strings.Contains(out, "gps_weight") || !strings.Contains(out, "27 active rules") {
			t.Errorf("unexpected table:\n%s", out)
		}
	})
}

func TestEvaluateUnknownSubmission(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := execute(t, "--config", cfg, "evaluate", "missing"); err == nil {
		t.Error("expected unknown submission to fail")
	}
}
