package rules

import (
	"reflect"
	"testing"

	"github.com/oslsr/kestrel/internal/domain"
)

func evaluation(severity domain.Severity, total float64, scores map[string]float64) *domain.FraudEvaluation {
	results := make(map[string]domain.HeuristicResult, len(scores))
	for k, v := range scores {
		results[k] = domain.HeuristicResult{Score: v}
	}
	return &domain.FraudEvaluation{
		SubmissionID:     "sub-001",
		EnumeratorID:     "enum-001",
		TotalScore:       total,
		Severity:         severity,
		ConfigVersion:    3,
		HeuristicResults: results,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.PolicyCount() != 0 {
		t.Errorf("expected 0 policies, got %d", engine.PolicyCount())
	}
	if got := engine.Match(evaluation(domain.SeverityCritical, 100, nil)); got != nil {
		t.Errorf("expected no matches without policies, got %v", got)
	}
}

func TestDefaultPolicy(t *testing.T) {
	engine, _ := NewEngine()
	if err := engine.LoadPolicies([]domain.AlertPolicy{domain.DefaultAlertPolicy()}); err != nil {
		t.Fatalf("failed to load default policy: %v", err)
	}

	tests := []struct {
		severity domain.Severity
		want     bool
	}{
		{domain.SeverityClean, false},
		{domain.SeverityLow, false},
		{domain.SeverityMedium, false},
		{domain.SeverityHigh, true},
		{domain.SeverityCritical, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			got := engine.Match(evaluation(tt.severity, 50, nil))
			if (len(got) == 1) != tt.want {
				t.Errorf("expected match=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestPolicyVariables(t *testing.T) {
	engine, _ := NewEngine()
	policies := []domain.AlertPolicy{
		{Name: "gps_heavy", Expression: `scores["gps_clustering"] >= 20.0`, Enabled: true},
		{Name: "score_over_60", Expression: `total_score > 60.0`, Enabled: true},
		{Name: "watchlist", Expression: `enumerator_id == "enum-001" && config_version >= 3`, Enabled: true},
		{Name: "rank", Expression: `severity_rank >= 2`, Enabled: true},
		{Name: "disabled", Expression: `true`, Enabled: false},
	}
	if err := engine.LoadPolicies(policies); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}
	if engine.PolicyCount() != 4 {
		t.Errorf("expected 4 enabled policies, got %d", engine.PolicyCount())
	}

	got := engine.Match(evaluation(domain.SeverityMedium, 55, map[string]float64{"gps_clustering": 25}))
	want := []string{"gps_heavy", "watchlist", "rank"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMissingScoreKeyDoesNotMatch(t *testing.T) {
	engine, _ := NewEngine()
	_ = engine.LoadPolicies([]domain.AlertPolicy{
		{Name: "dup", Expression: `scores["duplicate_response"] > 0.0`, Enabled: true},
	})

	if got := engine.Match(evaluation(domain.SeverityLow, 30, nil)); len(got) != 0 {
		t.Errorf("expected runtime error to count as no match, got %v", got)
	}
}

func TestInvalidPolicies(t *testing.T) {
	engine, _ := NewEngine()
	_ = engine.LoadPolicies([]domain.AlertPolicy{domain.DefaultAlertPolicy()})

	tests := []struct {
		name   string
		policy domain.AlertPolicy
	}{
		{"syntax", domain.AlertPolicy{Name: "bad", Expression: "this is not valid CEL !!!", Enabled: true}},
		{"non-bool", domain.AlertPolicy{Name: "num", Expression: "total_score + 1.0", Enabled: true}},
		{"unknown variable", domain.AlertPolicy{Name: "amt", Expression: "amount > 100.0", Enabled: true}},
		{"missing name", domain.AlertPolicy{Expression: "true", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.ValidatePolicy(tt.policy); err == nil {
				t.Error("expected validation error")
			}
			if err := engine.LoadPolicies([]domain.AlertPolicy{tt.policy}); err == nil {
				t.Error("expected load error")
			}
			if engine.PolicyCount() != 1 {
				t.Errorf("expected previous policy set to survive, got %d", engine.PolicyCount())
			}
		})
	}

	t.Run("duplicate names", func(t *testing.T) {
		p := domain.AlertPolicy{Name: "x", Expression: "true", Enabled: true}
		if err := engine.LoadPolicies([]domain.AlertPolicy{p, p}); err == nil {
			t.Error("expected duplicate policy error")
		}
	})
}
