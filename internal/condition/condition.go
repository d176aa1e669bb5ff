package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator is a condition comparison.
type Operator string

const (
	OpIs          Operator = "is"
	OpIsNot       Operator = "is_not"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIsOneOf     Operator = "is_one_of"
	OpIsNotOneOf  Operator = "is_not_one_of"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

// FormatPostfix appends the 1-based, zero padded position to the column name.
const FormatPostfix = "postfix"

var validOperators = []Operator{
	OpIs, OpIsNot, OpContains, OpNotContains,
	OpIsEmpty, OpIsNotEmpty, OpIsOneOf, OpIsNotOneOf,
}

// Condition gates one occurrence on participant data.
type Condition struct {
	Column   string   `yaml:"column"`
	Operator Operator `yaml:"condition"`
	Value    any      `yaml:"value"`
	Format   string   `yaml:"format"`
}

// Op returns the operator, defaulting to "is".
func (c Condition) Op() Operator {
	if c.Operator == "" {
		return OpIs
	}
	return c.Operator
}

// IsExistence reports whether the condition is resolved by an existence check.
func (c Condition) IsExistence() bool {
	op := c.Op()
	return op == OpIsEmpty || op == OpIsNotEmpty
}

// ColumnAt returns the column name used for the given position.
func (c Condition) ColumnAt(position int) string {
	return FormatColumn(c.Column, position, c.Format)
}

// FormatColumn applies a column format for a 0-based position.
func FormatColumn(column string, position int, format string) string {
	if format == FormatPostfix {
		return fmt.Sprintf("%s%02d", column, position+1)
	}
	return column
}

// Validate checks a condition list before any participant is processed.
func Validate(conds []Condition) error {
	for i, c := range conds {
		if c.Column == "" {
			return fmt.Errorf("condition %d: column is required", i)
		}
		if !isValidOperator(c.Op()) {
			names := make([]string, len(validOperators))
			for j, op := range validOperators {
				names[j] = string(op)
			}
			return fmt.Errorf("condition %d: invalid condition %q (must be one of: %s)", i, c.Operator, strings.Join(names, ", "))
		}
		if c.Format != "" && c.Format != FormatPostfix {
			return fmt.Errorf("condition %d: invalid format %q", i, c.Format)
		}
		if c.IsExistence() {
			continue
		}
		if c.Value == nil {
			return fmt.Errorf("condition %d: value is required for %s on %s", i, c.Op(), c.Column)
		}
		if c.Op() == OpIsOneOf || c.Op() == OpIsNotOneOf {
			if _, err := expectedList(c.Value); err != nil {
				return fmt.Errorf("condition %d: %s: %w", i, c.Column, err)
			}
		}
	}
	return nil
}

// ValueColumns returns the columns value conditions read for positions [0, positions).
// Existence conditions are not included.
func ValueColumns(conds []Condition, positions int) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, c := range conds {
		if c.IsExistence() {
			continue
		}
		n := 1
		if c.Format == FormatPostfix {
			n = positions
		}
		for pos := 0; pos < n; pos++ {
			col := c.ColumnAt(pos)
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
		}
	}
	return cols
}

func isValidOperator(op Operator) bool {
	for _, v := range validOperators {
		if v == op {
			return true
		}
	}
	return false
}

// expectedList accepts a list or a JSON string holding a list of at least two values.
func expectedList(v any) ([]string, error) {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	case string:
		dec := json.NewDecoder(strings.NewReader(val))
		dec.UseNumber()
		if err := dec.Decode(&items); err != nil {
			return nil, fmt.Errorf("value is not a valid JSON list: %w", err)
		}
	default:
		return nil, fmt.Errorf("value is not a list")
	}
	if len(items) <= 1 {
		return nil, fmt.Errorf("value is not a list of more than one element")
	}

	out := make([]string, len(items))
	for i, item := range items {
		out[i] = stringify(item)
	}
	return out, nil
}

// stringify renders a configured value for comparison with a column value.
// Booleans and null render as True, False and None; integral floats keep ".0".
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case json.Number:
		return val.String()
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if abs := math.Abs(f); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
