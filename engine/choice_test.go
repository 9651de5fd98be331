package engine

import (
	"testing"

	"github.com/dshills/stateflow/dsl"
)

func leaf(variable string, op dsl.Operator, value interface{}) dsl.ChoiceLogic {
	return dsl.ChoiceLogic{Variable: variable, Operator: op, Value: value}
}

func TestEvaluateChoiceLeafOperators(t *testing.T) {
	ctx := Context{
		"n":    float64(5),
		"s":    "text",
		"b":    true,
		"null": nil,
	}

	tests := []struct {
		name  string
		logic dsl.ChoiceLogic
		want  bool
	}{
		{"equals number", leaf("$.n", dsl.OpEquals, float64(5)), true},
		{"equals mismatch", leaf("$.n", dsl.OpEquals, float64(6)), false},
		{"equals string", leaf("$.s", dsl.OpEquals, "text"), true},
		{"not equals", leaf("$.n", dsl.OpNotEquals, float64(6)), true},
		{"greater than", leaf("$.n", dsl.OpGreaterThan, float64(4)), true},
		{"greater than equals boundary", leaf("$.n", dsl.OpGreaterThanEquals, float64(5)), true},
		{"less than", leaf("$.n", dsl.OpLessThan, float64(6)), true},
		{"less than equals fails", leaf("$.n", dsl.OpLessThanEquals, float64(4)), false},
		{"is null on missing", leaf("$.missing", dsl.OpIsNull, nil), true},
		{"is null on present", leaf("$.n", dsl.OpIsNull, nil), false},
		{"is string", leaf("$.s", dsl.OpIsString, nil), true},
		{"is string on number", leaf("$.n", dsl.OpIsString, nil), false},
		{"is boolean", leaf("$.b", dsl.OpIsBoolean, nil), true},
		{"is numeric", leaf("$.n", dsl.OpIsNumeric, nil), true},
		{"is numeric on string", leaf("$.s", dsl.OpIsNumeric, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateChoice(tt.logic, ctx)
			if err != nil {
				t.Fatalf("EvaluateChoice: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateChoiceCombinators(t *testing.T) {
	ctx := Context{"x": float64(1), "y": float64(2)}

	and := dsl.ChoiceLogic{And: []dsl.ChoiceLogic{
		leaf("$.x", dsl.OpEquals, float64(1)),
		leaf("$.y", dsl.OpEquals, float64(2)),
	}}
	if got, _ := EvaluateChoice(and, ctx); !got {
		t.Errorf("and should be true")
	}

	or := dsl.ChoiceLogic{Or: []dsl.ChoiceLogic{
		leaf("$.x", dsl.OpEquals, float64(9)),
		leaf("$.y", dsl.OpEquals, float64(2)),
	}}
	if got, _ := EvaluateChoice(or, ctx); !got {
		t.Errorf("or should be true")
	}

	notOuter := leaf("$.x", dsl.OpEquals, float64(1))
	not := dsl.ChoiceLogic{Not: &notOuter}
	if got, _ := EvaluateChoice(not, ctx); got {
		t.Errorf("not should be false")
	}
}

// And short-circuits on the first false child: the second leaf here
// would error (numeric compare against a string) if it were evaluated.
func TestEvaluateChoiceShortCircuit(t *testing.T) {
	ctx := Context{"x": float64(1), "s": "nope"}
	and := dsl.ChoiceLogic{And: []dsl.ChoiceLogic{
		leaf("$.x", dsl.OpEquals, float64(2)),
		leaf("$.s", dsl.OpGreaterThan, float64(1)),
	}}
	got, err := EvaluateChoice(and, ctx)
	if err != nil {
		t.Fatalf("short-circuit should prevent the erroring leaf: %v", err)
	}
	if got {
		t.Errorf("and should be false")
	}

	or := dsl.ChoiceLogic{Or: []dsl.ChoiceLogic{
		leaf("$.x", dsl.OpEquals, float64(1)),
		leaf("$.s", dsl.OpGreaterThan, float64(1)),
	}}
	got, err = EvaluateChoice(or, ctx)
	if err != nil {
		t.Fatalf("short-circuit should prevent the erroring leaf: %v", err)
	}
	if !got {
		t.Errorf("or should be true")
	}
}

func TestEvaluateChoiceErrors(t *testing.T) {
	ctx := Context{"s": "text"}

	if _, err := EvaluateChoice(dsl.ChoiceLogic{Operator: dsl.OpEquals}, ctx); err == nil {
		t.Errorf("missing variable should error")
	}
	if _, err := EvaluateChoice(dsl.ChoiceLogic{Variable: "$.s"}, ctx); err == nil {
		t.Errorf("missing operator should error")
	}
	if _, err := EvaluateChoice(leaf("$.s", dsl.Operator("Bogus"), nil), ctx); err == nil {
		t.Errorf("unknown operator should error")
	}
	if _, err := EvaluateChoice(leaf("$.s", dsl.OpGreaterThan, float64(1)), ctx); err == nil {
		t.Errorf("numeric compare on non-number should error")
	}
}

func TestEvaluateChoiceMissingVariableSelectsNull(t *testing.T) {
	ctx := Context{}
	got, err := EvaluateChoice(leaf("$.nothing", dsl.OpEquals, "x"), ctx)
	if err != nil {
		t.Fatalf("missing variable should select null, not error: %v", err)
	}
	if got {
		t.Errorf("null should not equal 'x'")
	}
}
