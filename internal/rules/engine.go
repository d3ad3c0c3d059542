// Package rules evaluates CEL alert policies against fraud evaluations.
package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/oslsr/kestrel/internal/domain"
)

// Engine holds the compiled alert policies.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	policies []*CompiledPolicy
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Policy  domain.AlertPolicy
	Program cel.Program
}

// NewEngine creates an engine with the evaluation variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("severity", cel.StringType),
		cel.Variable("severity_rank", cel.IntType),
		cel.Variable("total_score", cel.DoubleType),
		cel.Variable("scores", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("config_version", cel.IntType),
		cel.Variable("enumerator_id", cel.StringType),
		cel.Variable("submission_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// ValidatePolicy compiles a policy without loading it.
func (e *Engine) ValidatePolicy(p domain.AlertPolicy) error {
	_, err := e.compile(p)
	return err
}

// LoadPolicies replaces the loaded policies. Disabled policies are skipped;
// any invalid policy rejects the whole set and keeps the previous one.
func (e *Engine) LoadPolicies(policies []domain.AlertPolicy) error {
	compiled := make([]*CompiledPolicy, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate alert policy %q", p.Name)
		}
		seen[p.Name] = true

		cp, err := e.compile(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()
	return nil
}

// PolicyCount returns the number of loaded policies.
func (e *Engine) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policies)
}

// Match returns the names of the policies the evaluation satisfies, in load order.
// A policy that fails at runtime is logged and treated as not matching.
func (e *Engine) Match(eval *domain.FraudEvaluation) []string {
	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil
	}

	activation := Activation(eval)
	var matched []string
	for _, p := range policies {
		out, _, err := p.Program.Eval(activation)
		if err != nil {
			slog.Warn("alert policy evaluation failed",
				"policy", p.Policy.Name,
				"submission_id", eval.SubmissionID,
				"error", err,
			)
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			matched = append(matched, p.Policy.Name)
		}
	}
	return matched
}

// Activation exposes an evaluation to policy expressions.
func Activation(eval *domain.FraudEvaluation) map[string]any {
	scores := make(map[string]float64, len(eval.HeuristicResults))
	for k, r := range eval.HeuristicResults {
		scores[k] = r.Score
	}
	return map[string]any{
		"severity":       string(eval.Severity),
		"severity_rank":  int64(eval.Severity.Rank()),
		"total_score":    eval.TotalScore,
		"scores":         scores,
		"config_version": int64(eval.ConfigVersion),
		"enumerator_id":  eval.EnumeratorID,
		"submission_id":  eval.SubmissionID,
	}
}

func (e *Engine) compile(p domain.AlertPolicy) (*CompiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("alert policy name is required")
	}

	ast, issues := e.env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", p.Name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", p.Name, err)
	}

	return &CompiledPolicy{
		Policy:  p,
		Program: program,
	}, nil
}
