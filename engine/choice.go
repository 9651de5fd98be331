package engine

import (
	"fmt"

	"github.com/dshills/stateflow/dsl"
	"github.com/tidwall/gjson"
)

// EvaluateChoice evaluates a ChoiceLogic tree against ctx. And/Or
// short-circuit; a missing variable selects null rather than erroring
// (null then fails every operator except IsNull).
func EvaluateChoice(logic dsl.ChoiceLogic, ctx interface{}) (bool, error) {
	if len(logic.And) > 0 {
		for _, child := range logic.And {
			ok, err := EvaluateChoice(child, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	if len(logic.Or) > 0 {
		for _, child := range logic.Or {
			ok, err := EvaluateChoice(child, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if logic.Not != nil {
		ok, err := EvaluateChoice(*logic.Not, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return evaluateLeaf(logic, ctx)
}

func evaluateLeaf(logic dsl.ChoiceLogic, ctx interface{}) (bool, error) {
	if logic.Variable == "" {
		return false, fmt.Errorf("engine: choice: leaf missing variable")
	}
	if logic.Operator == "" {
		return false, fmt.Errorf("engine: choice: leaf missing operator")
	}
	root, err := toJSONBytes(ctx)
	if err != nil {
		return false, err
	}
	actual := jsonPathSelect(root, logic.Variable)

	switch logic.Operator {
	case dsl.OpIsNull:
		return actual == nil, nil
	case dsl.OpIsString:
		_, ok := actual.(string)
		return ok, nil
	case dsl.OpIsBoolean:
		_, ok := actual.(bool)
		return ok, nil
	case dsl.OpIsNumeric:
		_, ok := asFloat(actual)
		return ok, nil
	case dsl.OpEquals:
		return valuesEqual(actual, logic.Value), nil
	case dsl.OpNotEquals:
		return !valuesEqual(actual, logic.Value), nil
	case dsl.OpGreaterThan, dsl.OpGreaterThanEquals, dsl.OpLessThan, dsl.OpLessThanEquals:
		return compareNumeric(logic.Operator, actual, logic.Value)
	default:
		return false, fmt.Errorf("engine: choice: unknown operator %q", logic.Operator)
	}
}

func valuesEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(op dsl.Operator, a, b interface{}) (bool, error) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("engine: choice: %s requires both sides to coerce to a number, got %v and %v", op, a, b)
	}
	switch op {
	case dsl.OpGreaterThan:
		return af > bf, nil
	case dsl.OpGreaterThanEquals:
		return af >= bf, nil
	case dsl.OpLessThan:
		return af < bf, nil
	case dsl.OpLessThanEquals:
		return af <= bf, nil
	}
	return false, fmt.Errorf("engine: choice: unreachable operator %q", op)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case gjson.Result:
		if t.Type == gjson.Number {
			return t.Float(), true
		}
		return 0, false
	default:
		return 0, false
	}
}
