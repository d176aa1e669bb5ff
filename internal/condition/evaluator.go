package condition

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// ExistenceChecker answers whether columns hold data for a participant.
type ExistenceChecker interface {
	CheckExistence(ctx context.Context, shortPseudonym string, columns []string) (map[string]bool, error)
}

// Result is the outcome of evaluating a condition list.
type Result struct {
	Allowed bool
	Reason  string
}

var allowed = Result{Allowed: true}

// Evaluator evaluates condition lists for one occurrence.
type Evaluator struct {
	checker ExistenceChecker
}

// NewEvaluator creates an evaluator. checker may be nil when no condition uses
// is_empty or is_not_empty.
func NewEvaluator(checker ExistenceChecker) *Evaluator {
	return &Evaluator{checker: checker}
}

// Evaluate applies all conditions (logical AND) for the participant at position.
// Existence conditions are resolved first with a single batched check, then value
// conditions in order. The first failing condition decides the reason.
func (e *Evaluator) Evaluate(ctx context.Context, conds []Condition, data map[string]string, shortPseudonym string, position int) (Result, error) {
	if len(conds) == 0 {
		return allowed, nil
	}

	var existence, values []Condition
	for _, c := range conds {
		if c.IsExistence() {
			existence = append(existence, c)
		} else {
			values = append(values, c)
		}
	}

	if len(existence) > 0 {
		res, err := e.evaluateExistence(ctx, existence, shortPseudonym, position)
		if err != nil || !res.Allowed {
			return res, err
		}
	}

	for _, c := range values {
		res, err := evaluateValue(c, data, position)
		if err != nil || !res.Allowed {
			return res, err
		}
	}

	return allowed, nil
}

func (e *Evaluator) evaluateExistence(ctx context.Context, conds []Condition, shortPseudonym string, position int) (Result, error) {
	if e.checker == nil {
		return Result{}, fmt.Errorf("existence condition configured without an existence checker")
	}

	cols := make([]string, 0, len(conds))
	for _, c := range conds {
		col := c.ColumnAt(position)
		if !slices.Contains(cols, col) {
			cols = append(cols, col)
		}
	}

	exists, err := e.checker.CheckExistence(ctx, shortPseudonym, cols)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check data existence: %w", err)
	}

	for _, c := range conds {
		col := c.ColumnAt(position)
		has, ok := exists[col]
		if !ok {
			return Result{}, fmt.Errorf("column %s missing from existence check result", col)
		}
		switch {
		case c.Op() == OpIsEmpty && has:
			return notRunning("%s is not empty", col), nil
		case c.Op() == OpIsNotEmpty && !has:
			return notRunning("%s is empty", col), nil
		}
	}
	return allowed, nil
}

func evaluateValue(c Condition, data map[string]string, position int) (Result, error) {
	col := c.ColumnAt(position)
	actual, present := data[col]
	expected := stringify(c.Value)

	switch c.Op() {
	case OpIs:
		if !present || actual != expected {
			return notRunning("%s is not %s", col, expected), nil
		}
	case OpIsNot:
		if present && actual == expected {
			return notRunning("%s is %s", col, expected), nil
		}
	case OpContains:
		if actual == "" || !strings.Contains(actual, expected) {
			return notRunning("%s does not contain %s", col, expected), nil
		}
	case OpNotContains:
		if actual != "" && strings.Contains(actual, expected) {
			return notRunning("%s contains %s", col, expected), nil
		}
	case OpIsOneOf, OpIsNotOneOf:
		list, err := expectedList(c.Value)
		if err != nil {
			return Result{}, fmt.Errorf("condition on %s: %w", col, err)
		}
		in := present && slices.Contains(list, actual)
		if c.Op() == OpIsOneOf && !in {
			return notRunning("%s is not one of %s", col, strings.Join(list, ", ")), nil
		}
		if c.Op() == OpIsNotOneOf && in {
			return notRunning("%s is one of %s", col, strings.Join(list, ", ")), nil
		}
	default:
		return Result{}, fmt.Errorf("unsupported condition %q on %s", c.Operator, col)
	}
	return allowed, nil
}

func notRunning(format string, args ...any) Result {
	return Result{Reason: "Not running: " + fmt.Sprintf(format, args...)}
}
