// Package rex implements the REX expression language used by algebra Filter/Join predicates
// and ON_COMMIT constraint queries, compiling expressions with cel-go against a row's columns
// exposed as a single CEL variable.
package rex

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Evaluator is a compiled REX expression, ready to test against a row.
type Evaluator struct {
	source  string
	program cel.Program
}

// Compile parses and type-checks expr, which may reference any column of the row it will
// later be evaluated against via the "row" variable (e.g. `row.status == "open"`), plus
// "reader" for snapshot-scoped checks (`reader.txnID`, `reader.snapshot`).
func Compile(expr string) (*Evaluator, error) {
	if expr == "" {
		return nil, fmt.Errorf("rex: empty expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.AnyType)),
		cel.Variable("reader", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("rex: creating CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rex: compiling %q: %w", expr, issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rex: building program for %q: %w", expr, err)
	}
	return &Evaluator{source: expr, program: prog}, nil
}

// Source returns the original expression text.
func (e *Evaluator) Source() string { return e.source }

// Eval evaluates the compiled expression against row, with reader describing the evaluating
// transaction (txnID, snapshot), and converts the CEL result to bool.
func (e *Evaluator) Eval(row map[string]any, reader map[string]any) (bool, error) {
	out, _, err := e.program.Eval(map[string]any{
		"row":    row,
		"reader": reader,
	})
	if err != nil {
		return false, fmt.Errorf("rex: evaluating %q: %w", e.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rex: expression %q did not evaluate to a bool, got %T", e.source, out.Value())
	}
	return b, nil
}

// Constraint is an ON_COMMIT check: Query is evaluated against every row written by the
// transaction, and a match (the predicate evaluating true) for any row that should NOT exist
// violates the constraint when Violates is true (for "forbid" constraints), or the absence of
// any match violates it when Violates is false (for "require" constraints).
type Constraint struct {
	Name     string
	Query    *Evaluator
	Violates bool
}

// Check runs c.Query over rows (the full committed write-set for one entity) and reports
// whether the constraint was violated, and by which row if the violation is attributable to
// one.
func (c Constraint) Check(rows []map[string]any, reader map[string]any) (violated bool, offending map[string]any, err error) {
	matched := false
	for _, row := range rows {
		ok, err := c.Query.Eval(row, reader)
		if err != nil {
			return false, nil, err
		}
		if ok {
			matched = true
			if c.Violates {
				return true, row, nil
			}
		}
	}
	if !c.Violates && !matched {
		return true, nil, nil
	}
	return false, nil, nil
}
