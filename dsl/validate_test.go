package dsl

import "testing"

func simpleValidWorkflow() *WorkflowDSL {
	return &WorkflowDSL{
		StartAt: "a",
		States: map[string]State{
			"a": {Kind: KindTask, Base: BaseState{Next: "b"}, Task: &TaskState{Resource: "tool:http"}},
			"b": {Kind: KindSucceed, Succeed: &SucceedState{}},
		},
	}
}

func TestValidateAcceptsWellFormedWorkflow(t *testing.T) {
	if errs := Validate(simpleValidWorkflow()); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateRejectsMissingStartAt(t *testing.T) {
	d := simpleValidWorkflow()
	d.StartAt = ""
	errs := Validate(d)
	if len(errs) == 0 {
		t.Fatal("expected errors for missing startAt")
	}
}

func TestValidateRejectsDanglingNext(t *testing.T) {
	d := simpleValidWorkflow()
	st := d.States["a"]
	st.Base.Next = "nowhere"
	d.States["a"] = st
	errs := Validate(d)
	if len(errs) == 0 {
		t.Fatal("expected error for dangling next")
	}
}

func TestValidateRejectsNextAndEndTogether(t *testing.T) {
	d := simpleValidWorkflow()
	st := d.States["a"]
	st.Base.End = true
	d.States["a"] = st
	errs := Validate(d)
	if len(errs) == 0 {
		t.Fatal("expected error for next+end:true conflict")
	}
}

func TestValidateRejectsNoTerminalState(t *testing.T) {
	d := &WorkflowDSL{
		StartAt: "a",
		States: map[string]State{
			"a": {Kind: KindTask, Base: BaseState{Next: "b"}, Task: &TaskState{Resource: "tool:http"}},
			"b": {Kind: KindPass, Base: BaseState{Next: "a"}, Pass: &PassState{}},
		},
	}
	errs := Validate(d)
	if len(errs) == 0 {
		t.Fatal("expected error for no terminal state")
	}
}

func TestValidateAcceptsEndTrueTerminal(t *testing.T) {
	d := &WorkflowDSL{
		StartAt: "a",
		States: map[string]State{
			"a": {Kind: KindTask, Base: BaseState{End: true}, Task: &TaskState{Resource: "tool:http"}},
		},
	}
	if errs := Validate(d); len(errs) != 0 {
		t.Fatalf("task with end:true is a valid terminal, got %v", errs)
	}
}

func TestValidateRejectsChoiceWithNoBranchesOrDefault(t *testing.T) {
	d := &WorkflowDSL{
		StartAt: "a",
		States: map[string]State{
			"a": {Kind: KindChoice, Choice: &ChoiceState{}},
			"b": {Kind: KindSucceed, Succeed: &SucceedState{}},
		},
	}
	errs := Validate(d)
	if len(errs) == 0 {
		t.Fatal("expected error for choice with no branches/default")
	}
}

func TestValidateRejectsMapMissingFields(t *testing.T) {
	d := &WorkflowDSL{
		StartAt: "a",
		States: map[string]State{
			"a": {Kind: KindMap, Base: BaseState{End: true}, Map: &MapState{}},
			"b": {Kind: KindSucceed, Succeed: &SucceedState{}},
		},
	}
	errs := Validate(d)
	if len(errs) < 3 {
		t.Fatalf("expected at least 3 errors (itemsPath, iterator.startAt, itemContextKey), got %d: %v", len(errs), errs)
	}
}
