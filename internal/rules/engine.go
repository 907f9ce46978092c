// Package rules provides the CEL-Go based indicator engine. Indicators are
// expressions over a feature row; the ones that fire become the reasons
// attached to a score record.
package rules

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Engine is the CEL-based indicator evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   []*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.IndicatorRule
	Program cel.Program
}

// NewEngine creates an engine whose CEL environment declares every feature
// column as a double variable.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	opts := make([]cel.EnvOption, 0, len(features.Columns))
	for _, col := range features.Columns {
		opts = append(opts, cel.Variable(col, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg domain.IndicatorRule) error {
	_, err := e.compileRule(cfg)
	return err
}

// ReloadRules atomically replaces the loaded set with the enabled rules in
// configs. On error the previous set stays loaded.
func (e *Engine) ReloadRules(configs []domain.IndicatorRule) error {
	next := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// GetLoadedRules returns the loaded rule configurations in evaluation order.
func (e *Engine) GetLoadedRules() []domain.IndicatorRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.IndicatorRule, len(e.compiled))
	for i, r := range e.compiled {
		out[i] = r.Config
	}
	return out
}

// Evaluate runs every loaded rule against one feature row. A rule whose
// evaluation fails is skipped.
func (e *Engine) Evaluate(row map[string]float64) []domain.IndicatorHit {
	rules := e.snapshot()
	return evaluateRow(rules, toActivation(row))
}

// EvaluateMatrix evaluates every row of m and returns hits per row, in row
// order.
func (e *Engine) EvaluateMatrix(m *features.Matrix) [][]domain.IndicatorHit {
	rules := e.snapshot()
	out := make([][]domain.IndicatorHit, m.Len())
	if len(rules) == 0 || m.Len() == 0 {
		return out
	}

	// Parallel evaluation using worker pool pattern over row chunks
	const chunk = 512
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for lo := 0; lo < m.Len(); lo += chunk {
		hi := min(lo+chunk, m.Len())
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			activation := make(map[string]any, len(m.Columns))
			for i := lo; i < hi; i++ {
				for j, col := range m.Columns {
					activation[col] = m.Rows[i][j]
				}
				out[i] = evaluateRow(rules, activation)
			}
		}(lo, hi)
	}

	wg.Wait()

	return out
}

// Reasons converts hits into the reason strings stored on score records.
func Reasons(hits []domain.IndicatorHit) []string {
	if len(hits) == 0 {
		return nil
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Name
	}
	return out
}

func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.compiled)
}

func evaluateRow(rules []*CompiledRule, activation map[string]any) []domain.IndicatorHit {
	var hits []domain.IndicatorHit
	for _, r := range rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			continue
		}
		value := toScore(out)
		if value >= r.Config.Threshold {
			hits = append(hits, domain.IndicatorHit{
				RuleID: r.Config.ID,
				Name:   r.Config.Name,
				Value:  value,
			})
		}
	}
	return hits
}

// toActivation fills missing columns with zero.
func toActivation(row map[string]float64) map[string]any {
	activation := make(map[string]any, len(features.Columns))
	for _, col := range features.Columns {
		activation[col] = row[col]
	}
	return activation
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func (e *Engine) compileRule(cfg domain.IndicatorRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule ID is required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 1
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
