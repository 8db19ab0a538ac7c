package condition

import (
	"fmt"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// maxDepth bounds condition tree nesting at authoring time.
const maxDepth = 16

var knownOperators = map[contracts.Operator]bool{
	contracts.OpEquals:         true,
	contracts.OpNotEquals:      true,
	contracts.OpGreaterThan:    true,
	contracts.OpGreaterOrEqual: true,
	contracts.OpLessThan:       true,
	contracts.OpLessOrEqual:    true,
	contracts.OpContains:       true,
	contracts.OpContainsCI:     true,
	contracts.OpStartsWith:     true,
	contracts.OpIn:             true,
	contracts.OpNotIn:          true,
}

// Validate checks a condition group for structural defects: unknown logic or
// operators, nodes that are neither group nor leaf (or both), value types
// that cannot satisfy their operator, and excessive nesting. Malformed
// operator/value combinations are caught here so evaluation can stay total.
//
// Returns nil when the group is well-formed.
func Validate(group contracts.ConditionGroup) *contracts.ValidationError {
	verr := &contracts.ValidationError{}
	validateGroup(group, "conditions", 0, verr)
	if verr.HasIssues() {
		return verr
	}
	return nil
}

func validateGroup(group contracts.ConditionGroup, path string, depth int, verr *contracts.ValidationError) {
	if depth > maxDepth {
		verr.Add(path, fmt.Sprintf("nesting exceeds maximum depth %d", maxDepth))
		return
	}

	if len(group.Children) > 0 && group.Logic != contracts.LogicAnd && group.Logic != contracts.LogicOr {
		verr.Add(path+".logic", fmt.Sprintf("unknown logic %q", group.Logic))
	}

	for i, child := range group.Children {
		childPath := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case child.Group != nil && child.Leaf != nil:
			verr.Add(childPath, "node sets both group and condition")
		case child.Group != nil:
			validateGroup(*child.Group, childPath, depth+1, verr)
		case child.Leaf != nil:
			validateLeaf(*child.Leaf, childPath, verr)
		default:
			verr.Add(childPath, "node sets neither group nor condition")
		}
	}
}

func validateLeaf(c contracts.Condition, path string, verr *contracts.ValidationError) {
	if c.Field == "" {
		verr.Add(path+".field", "field is required")
	}
	if !knownOperators[c.Operator] {
		verr.Add(path+".operator", fmt.Sprintf("unknown operator %q", c.Operator))
		return
	}

	switch c.Operator {
	case contracts.OpIn, contracts.OpNotIn:
		if _, ok := c.Value.([]any); !ok {
			verr.Add(path+".value", fmt.Sprintf("%s requires a list value", c.Operator))
		}
	case contracts.OpGreaterThan, contracts.OpGreaterOrEqual, contracts.OpLessThan, contracts.OpLessOrEqual:
		if _, ok := asNumber(c.Value); !ok {
			verr.Add(path+".value", fmt.Sprintf("%s requires a numeric value", c.Operator))
		}
	case contracts.OpContains, contracts.OpContainsCI, contracts.OpStartsWith:
		if _, ok := c.Value.(string); !ok {
			verr.Add(path+".value", fmt.Sprintf("%s requires a string value", c.Operator))
		}
	case contracts.OpEquals:
		if c.Value == nil {
			verr.Add(path+".value", "equals requires a defined value")
		}
	}
}
