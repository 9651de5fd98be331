package engine

import (
	"testing"

	"github.com/dshills/stateflow/dsl"
)

func int64Ptr(v int64) *int64 { return &v }

func TestStepOnceTask(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "T1",
		States: map[string]dsl.State{
			"T1": {Kind: dsl.KindTask, Base: dsl.BaseState{Next: "T2"},
				Task: &dsl.TaskState{Resource: "echo"}},
		},
	}
	cmd, err := StepOnce(d, "T1", Context{})
	if err != nil {
		t.Fatalf("StepOnce: %v", err)
	}
	if cmd.Kind != CmdExecuteTask || cmd.Resource != "echo" || cmd.Next != "T2" || !cmd.HasNext {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestStepOnceWait(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "W",
		States: map[string]dsl.State{
			"W":  {Kind: dsl.KindWait, Base: dsl.BaseState{Next: "P"}, Wait: &dsl.WaitState{Seconds: int64Ptr(0)}},
			"W2": {Kind: dsl.KindWait, Base: dsl.BaseState{End: true}, Wait: &dsl.WaitState{Timestamp: "2030-01-01T00:00:00Z"}},
			"W3": {Kind: dsl.KindWait, Base: dsl.BaseState{End: true}, Wait: &dsl.WaitState{}},
		},
	}

	cmd, err := StepOnce(d, "W", Context{})
	if err != nil {
		t.Fatalf("StepOnce W: %v", err)
	}
	if cmd.Kind != CmdWait || !cmd.HasSeconds || cmd.Seconds != 0 {
		t.Fatalf("seconds=0 must be a valid wait: %+v", cmd)
	}

	cmd, err = StepOnce(d, "W2", Context{})
	if err != nil {
		t.Fatalf("StepOnce W2: %v", err)
	}
	if cmd.WaitUntil != "2030-01-01T00:00:00Z" || cmd.HasSeconds {
		t.Fatalf("cmd = %+v", cmd)
	}

	if _, err := StepOnce(d, "W3", Context{}); err == nil {
		t.Fatal("wait with neither seconds nor timestamp should error")
	}
}

func TestStepOncePassUpgradesToSucceed(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "P",
		States: map[string]dsl.State{
			"P": {Kind: dsl.KindPass, Base: dsl.BaseState{End: true},
				Pass: &dsl.PassState{Result: map[string]interface{}{"ok": true}}},
			"P2": {Kind: dsl.KindPass, Base: dsl.BaseState{Next: "P"},
				Pass: &dsl.PassState{}},
		},
	}

	cmd, err := StepOnce(d, "P", Context{})
	if err != nil {
		t.Fatalf("StepOnce P: %v", err)
	}
	if cmd.Kind != CmdSucceed {
		t.Fatalf("end pass should upgrade to Succeed, got %v", cmd.Kind)
	}
	out, ok := cmd.Output.(map[string]interface{})
	if !ok || out["ok"] != true {
		t.Fatalf("output = %v", cmd.Output)
	}

	cmd, err = StepOnce(d, "P2", Context{})
	if err != nil {
		t.Fatalf("StepOnce P2: %v", err)
	}
	if cmd.Kind != CmdPass || cmd.Next != "P" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestStepOnceSucceedReturnsContext(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "S",
		States:  map[string]dsl.State{"S": {Kind: dsl.KindSucceed, Succeed: &dsl.SucceedState{}}},
	}
	ctx := Context{"done": true}
	cmd, err := StepOnce(d, "S", ctx)
	if err != nil {
		t.Fatalf("StepOnce: %v", err)
	}
	if cmd.Kind != CmdSucceed {
		t.Fatalf("kind = %v", cmd.Kind)
	}
	out, ok := cmd.Output.(Context)
	if !ok || out["done"] != true {
		t.Fatalf("output = %v", cmd.Output)
	}
}

func TestStepOnceFail(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "F",
		States: map[string]dsl.State{
			"F": {Kind: dsl.KindFail, Fail: &dsl.FailState{Error: "boom", Cause: "because"}},
		},
	}
	cmd, err := StepOnce(d, "F", Context{})
	if err != nil {
		t.Fatalf("StepOnce: %v", err)
	}
	if cmd.Kind != CmdFail || cmd.FailErr != "boom" || cmd.FailCause != "because" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestStepOnceChoice(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "C",
		States: map[string]dsl.State{
			"C": {Kind: dsl.KindChoice, Choice: &dsl.ChoiceState{
				Choices: []dsl.ChoiceBranch{
					{Condition: leaf("$.x", dsl.OpEquals, float64(1)), Next: "S1"},
					{Condition: leaf("$.x", dsl.OpEquals, float64(2)), Next: "S2"},
				},
				DefaultNext: "Fallback",
			}},
			"C2": {Kind: dsl.KindChoice, Choice: &dsl.ChoiceState{
				Choices: []dsl.ChoiceBranch{
					{Condition: leaf("$.x", dsl.OpEquals, float64(1)), Next: "S1"},
				},
			}},
		},
	}

	cmd, err := StepOnce(d, "C", Context{"x": float64(2)})
	if err != nil {
		t.Fatalf("StepOnce: %v", err)
	}
	if cmd.Next != "S2" {
		t.Errorf("second branch should win, got %q", cmd.Next)
	}

	cmd, err = StepOnce(d, "C", Context{"x": float64(9)})
	if err != nil {
		t.Fatalf("StepOnce default: %v", err)
	}
	if cmd.Next != "Fallback" {
		t.Errorf("default should win, got %q", cmd.Next)
	}

	if _, err := StepOnce(d, "C2", Context{"x": float64(9)}); err == nil {
		t.Error("no branch and no default should error")
	}
}

func TestStepOnceMapParallel(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "M",
		States: map[string]dsl.State{
			"M": {Kind: dsl.KindMap, Base: dsl.BaseState{Next: "PA"},
				Map: &dsl.MapState{ItemsPath: "$.items", ItemContextKey: "item"}},
			"PA": {Kind: dsl.KindParallel, Base: dsl.BaseState{End: true},
				Parallel: &dsl.ParallelState{}},
		},
	}

	cmd, err := StepOnce(d, "M", Context{})
	if err != nil {
		t.Fatalf("StepOnce M: %v", err)
	}
	if cmd.Kind != CmdMap || cmd.Next != "PA" {
		t.Fatalf("cmd = %+v", cmd)
	}

	cmd, err = StepOnce(d, "PA", Context{})
	if err != nil {
		t.Fatalf("StepOnce PA: %v", err)
	}
	if cmd.Kind != CmdParallel || cmd.HasNext {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestStepOnceUnknownState(t *testing.T) {
	d := &dsl.WorkflowDSL{StartAt: "x", States: map[string]dsl.State{}}
	if _, err := StepOnce(d, "missing", Context{}); err == nil {
		t.Fatal("unknown state should error")
	}
}

func TestIsEndState(t *testing.T) {
	d := &dsl.WorkflowDSL{
		StartAt: "S",
		States: map[string]dsl.State{
			"S": {Kind: dsl.KindSucceed, Succeed: &dsl.SucceedState{}},
			"F": {Kind: dsl.KindFail, Fail: &dsl.FailState{}},
			"P": {Kind: dsl.KindPass, Base: dsl.BaseState{End: true}, Pass: &dsl.PassState{}},
			"C": {Kind: dsl.KindChoice, Choice: &dsl.ChoiceState{DefaultNext: "S"}},
			"T": {Kind: dsl.KindTask, Base: dsl.BaseState{Next: "S"}, Task: &dsl.TaskState{Resource: "r"}},
		},
	}
	for name, want := range map[string]bool{"S": true, "F": true, "P": true, "C": false, "T": false} {
		if got := IsEndState(d, name); got != want {
			t.Errorf("IsEndState(%s) = %v, want %v", name, got, want)
		}
	}
}
