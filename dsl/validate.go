package dsl

import "fmt"

// ValidationError reports one defect found by Validate. Multiple errors
// are collected rather than failing on the first.
type ValidationError struct {
	State   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.State == "" {
		return e.Message
	}
	return fmt.Sprintf("state %q: %s", e.State, e.Message)
}

// Validate checks the structural invariants an already-parsed
// WorkflowDSL must uphold: a start state that exists, no dangling
// next references, every state ends in next XOR end, Task requires a
// resource, and Choice requires at least one branch or a default.
// It returns every violation found, not just the first.
func Validate(d *WorkflowDSL) []error {
	var errs []error

	if d.StartAt == "" {
		errs = append(errs, &ValidationError{Message: "startAt is required"})
	} else if _, ok := d.States[d.StartAt]; !ok {
		errs = append(errs, &ValidationError{Message: fmt.Sprintf("startAt %q does not reference a known state", d.StartAt)})
	}

	if len(d.States) == 0 {
		errs = append(errs, &ValidationError{Message: "states must not be empty"})
		return errs
	}

	hasTerminal := false
	for name, st := range d.States {
		errs = append(errs, validateState(d, name, st)...)
		if isTerminal(st) {
			hasTerminal = true
		}
	}
	if !hasTerminal {
		errs = append(errs, &ValidationError{Message: "no end-reachable terminal state (Succeed/Fail, or next-less end:true) exists"})
	}

	return errs
}

func isTerminal(st State) bool {
	if st.Kind == KindSucceed || st.Kind == KindFail {
		return true
	}
	return st.Base.End && st.Base.Next == ""
}

func validateState(d *WorkflowDSL, name string, st State) []error {
	var errs []error
	base := st.Base

	switch st.Kind {
	case KindTask, KindPass, KindWait, KindParallel, KindMap:
		if base.Next != "" && base.End {
			errs = append(errs, &ValidationError{State: name, Message: "has both next and end:true"})
		}
		if base.Next == "" && !base.End {
			errs = append(errs, &ValidationError{State: name, Message: "has neither next nor end:true"})
		}
		if base.Next != "" {
			errs = append(errs, checkNextExists(d, name, base.Next)...)
		}
	case KindChoice:
		// Choice routes via its branches/default, not BaseState.Next.
	case KindSucceed, KindFail:
		// Terminal; next/end are not meaningful.
	}

	switch st.Kind {
	case KindTask:
		if st.Task.Resource == "" {
			errs = append(errs, &ValidationError{State: name, Message: "task state missing resource"})
		}
	case KindWait:
		if st.Wait.Seconds == nil && st.Wait.Timestamp == "" {
			errs = append(errs, &ValidationError{State: name, Message: "wait state must define seconds or timestamp"})
		}
	case KindChoice:
		if len(st.Choice.Choices) == 0 && st.Choice.DefaultNext == "" {
			errs = append(errs, &ValidationError{State: name, Message: "choice state has no choices and no defaultNext"})
		}
		for i, branch := range st.Choice.Choices {
			if branch.Next == "" {
				errs = append(errs, &ValidationError{State: name, Message: fmt.Sprintf("choice branch %d has no next", i)})
				continue
			}
			errs = append(errs, checkNextExists(d, name, branch.Next)...)
		}
		if st.Choice.DefaultNext != "" {
			errs = append(errs, checkNextExists(d, name, st.Choice.DefaultNext)...)
		}
	case KindMap:
		if st.Map.ItemsPath == "" {
			errs = append(errs, &ValidationError{State: name, Message: "map state missing itemsPath"})
		}
		if st.Map.Iterator.StartAt == "" {
			errs = append(errs, &ValidationError{State: name, Message: "map iterator missing startAt"})
		}
		if st.Map.ItemContextKey == "" {
			errs = append(errs, &ValidationError{State: name, Message: "map state missing itemContextKey"})
		}
	case KindParallel:
		if len(st.Parallel.Branches) == 0 {
			errs = append(errs, &ValidationError{State: name, Message: "parallel state has no branches"})
		}
	}

	return errs
}

func checkNextExists(d *WorkflowDSL, from, next string) []error {
	if _, ok := d.States[next]; !ok {
		return []error{&ValidationError{State: from, Message: fmt.Sprintf("next %q does not reference a known state", next)}}
	}
	return nil
}
