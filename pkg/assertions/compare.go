package assertions

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/ormasoftchile/dito/pkg/schema"
)

// apply evaluates one condition against a resolved value. found reports
// whether the target path resolved at all.
func apply(c schema.Condition, actual any, found bool) (bool, string) {
	switch c.Operator {
	case "exists":
		if found {
			return true, "value exists"
		}
		return false, "value does not exist"
	case "notExists":
		if !found {
			return true, "value does not exist"
		}
		return false, fmt.Sprintf("value exists: %v", actual)
	}

	if !found {
		return false, "value does not exist"
	}

	switch c.Operator {
	case "equals":
		if equalValues(actual, c.Expected) {
			return true, fmt.Sprintf("%v == %v", actual, c.Expected)
		}
		return false, fmt.Sprintf("%v != %v%s", actual, c.Expected, diffSuffix(c.Expected, actual))
	case "contains":
		return containsValue(actual, c.Expected)
	case "lessThan":
		return compareNumeric(c.Operator, actual, c.Expected)
	case "greaterThan":
		return compareNumeric(c.Operator, actual, c.Expected)
	default:
		return false, fmt.Sprintf("unknown operator %q", c.Operator)
	}
}

// equalValues compares two values, treating all numeric types as float64
// so YAML ints match JSON floats.
func equalValues(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return cmp.Equal(a, b)
}

// diffSuffix appends a structural diff for composite values; scalar
// mismatches read fine without one.
func diffSuffix(expected, actual any) string {
	switch expected.(type) {
	case map[string]any, []any:
		if d := cmp.Diff(expected, actual); d != "" {
			return "\n" + d
		}
	}
	return ""
}

// containsValue implements the contains operator: substring for strings,
// membership for slices, substructure for maps.
func containsValue(actual, expected any) (bool, string) {
	switch av := actual.(type) {
	case string:
		es, ok := expected.(string)
		if !ok {
			return false, fmt.Sprintf("contains on a string needs a string operand, got %T", expected)
		}
		if strings.Contains(av, es) {
			return true, fmt.Sprintf("%q contains %q", av, es)
		}
		return false, fmt.Sprintf("%q does not contain %q", av, es)
	case []any:
		for _, item := range av {
			if equalValues(item, expected) {
				return true, fmt.Sprintf("slice contains %v", expected)
			}
		}
		return false, fmt.Sprintf("slice does not contain %v", expected)
	case map[string]any:
		em, ok := expected.(map[string]any)
		if !ok {
			return false, fmt.Sprintf("contains on a map needs a map operand, got %T", expected)
		}
		for k, want := range em {
			got, present := av[k]
			if !present || !equalValues(got, want) {
				return false, fmt.Sprintf("map does not contain %s=%v", k, want)
			}
		}
		return true, fmt.Sprintf("map contains %v", em)
	default:
		return false, fmt.Sprintf("contains not applicable to %T", actual)
	}
}

func compareNumeric(op string, actual, expected any) (bool, string) {
	fa, aok := toFloat(actual)
	fe, eok := toFloat(expected)
	if !aok || !eok {
		return false, fmt.Sprintf("%s needs numeric operands (got %T, %T)", op, actual, expected)
	}
	var passed bool
	var sym string
	if op == "lessThan" {
		passed, sym = fa < fe, "<"
	} else {
		passed, sym = fa > fe, ">"
	}
	if passed {
		return true, fmt.Sprintf("%v %s %v", fa, sym, fe)
	}
	return false, fmt.Sprintf("%v is not %s %v", fa, sym, fe)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
