// Package condition evaluates and validates the recursive ConditionGroup
// trees carried by approval matrix rules.
//
// Evaluation is pure and total: it never mutates the entity, never errors,
// and assumes the tree passed authoring-time validation (see Validate).
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// Evaluate applies a condition group to an entity's field values.
//
// An empty group always matches. A leaf whose field is missing from the
// entity fails every operator except not_equals against a defined value, so
// a missing field never silently satisfies equals.
func Evaluate(group contracts.ConditionGroup, entity map[string]any) bool {
	if len(group.Children) == 0 {
		return true
	}

	for _, child := range group.Children {
		var matched bool
		switch {
		case child.Group != nil:
			matched = Evaluate(*child.Group, entity)
		case child.Leaf != nil:
			matched = evaluateLeaf(*child.Leaf, entity)
		default:
			// Malformed node; validation rejects these at save time.
			matched = false
		}

		switch group.Logic {
		case contracts.LogicOr:
			if matched {
				return true
			}
		default: // and
			if !matched {
				return false
			}
		}
	}

	return group.Logic != contracts.LogicOr
}

func evaluateLeaf(c contracts.Condition, entity map[string]any) bool {
	fieldValue, present := entity[c.Field]
	if !present || fieldValue == nil {
		// Absent fields only satisfy not_equals against a defined value.
		return c.Operator == contracts.OpNotEquals && c.Value != nil
	}

	switch c.Operator {
	case contracts.OpEquals:
		return looseEqual(fieldValue, c.Value)
	case contracts.OpNotEquals:
		return !looseEqual(fieldValue, c.Value)
	case contracts.OpGreaterThan:
		a, b, ok := bothNumeric(fieldValue, c.Value)
		return ok && a > b
	case contracts.OpGreaterOrEqual:
		a, b, ok := bothNumeric(fieldValue, c.Value)
		return ok && a >= b
	case contracts.OpLessThan:
		a, b, ok := bothNumeric(fieldValue, c.Value)
		return ok && a < b
	case contracts.OpLessOrEqual:
		a, b, ok := bothNumeric(fieldValue, c.Value)
		return ok && a <= b
	case contracts.OpContains:
		return contains(fieldValue, c.Value, false)
	case contracts.OpContainsCI:
		return contains(fieldValue, c.Value, true)
	case contracts.OpStartsWith:
		fs, ok1 := asString(fieldValue)
		vs, ok2 := asString(c.Value)
		return ok1 && ok2 && strings.HasPrefix(fs, vs)
	case contracts.OpIn:
		return memberOf(fieldValue, c.Value)
	case contracts.OpNotIn:
		return !memberOf(fieldValue, c.Value)
	}
	return false
}

// looseEqual compares two values type-aware: if both sides are numeric
// (including numbers stored as strings) they compare numerically, otherwise
// as case-sensitive strings.
func looseEqual(a, b any) bool {
	if fa, fb, ok := bothNumeric(a, b); ok {
		return fa == fb
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	sa, ok1 := asString(a)
	sb, ok2 := asString(b)
	return ok1 && ok2 && sa == sb
}

func contains(field, value any, insensitive bool) bool {
	// A list field contains a member; a string field contains a substring.
	if list, ok := field.([]any); ok {
		for _, item := range list {
			if looseEqual(item, value) {
				return true
			}
		}
		return false
	}
	fs, ok1 := asString(field)
	vs, ok2 := asString(value)
	if !ok1 || !ok2 {
		return false
	}
	if insensitive {
		return strings.Contains(strings.ToLower(fs), strings.ToLower(vs))
	}
	return strings.Contains(fs, vs)
}

func memberOf(field, value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(field, item) {
			return true
		}
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func bothNumeric(a, b any) (float64, float64, bool) {
	fa, ok1 := asNumber(a)
	fb, ok2 := asNumber(b)
	return fa, fb, ok1 && ok2
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}
