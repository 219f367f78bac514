package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
)

// guardCostLimit bounds the evaluation cost of a single guard.
const guardCostLimit = 10000

// Guard compiles and evaluates proposal execution guards. A guard is a CEL
// expression over `params` (current protocol parameters) and `proposal`
// (votes_for, votes_against, quorum) that must yield a bool.
type Guard struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewGuard() (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("guard environment: %w", err)
	}
	return &Guard{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles expr and ensures it evaluates to a bool.
func (g *Guard) Check(expr string) error {
	_, err := g.program(expr)
	return err
}

// Eval evaluates expr against params and p.
func (g *Guard) Eval(expr string, params contracts.Params, p contracts.Proposal) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"params": params.AsMap(),
		"proposal": map[string]int64{
			"votes_for":     int64(p.VotesFor),       //nolint:gosec // bounded by sqrt of karma sums
			"votes_against": int64(p.VotesAgainst),   //nolint:gosec // bounded by sqrt of karma sums
			"quorum":        int64(p.QuorumRequired), //nolint:gosec // validated parameter
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("guard result is %T, not bool", out.Value())
	}
	return ok, nil
}

func (g *Guard) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.cache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("guard must yield bool, got %s", ast.OutputType())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(guardCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.cache[expr] = prg
	return prg, nil
}
