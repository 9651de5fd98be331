package engine

import (
	"fmt"

	"github.com/dshills/stateflow/dsl"
)

// StepOnce is the Command Translator: a pure function
// over (DSL, current_state_name, context) that never touches storage.
// It decides *what* to do next; handlers decide *how*.
func StepOnce(d *dsl.WorkflowDSL, stateName string, ctx Context) (Command, error) {
	state, ok := d.States[stateName]
	if !ok {
		return Command{}, fmt.Errorf("engine: translator: unknown state %q", stateName)
	}

	switch state.Kind {
	case dsl.KindTask:
		return Command{
			Kind:     CmdExecuteTask,
			Resource: state.Task.Resource,
			Next:     state.Base.Next,
			HasNext:  state.Base.Next != "",
		}, nil

	case dsl.KindWait:
		cmd := Command{Kind: CmdWait, Next: state.Base.Next, HasNext: state.Base.Next != ""}
		if state.Wait.Seconds != nil {
			cmd.Seconds = *state.Wait.Seconds
			cmd.HasSeconds = true
		} else if state.Wait.Timestamp != "" {
			cmd.WaitUntil = state.Wait.Timestamp
		} else {
			return Command{}, fmt.Errorf("engine: translator: wait state %q defines neither seconds nor timestamp", stateName)
		}
		return cmd, nil

	case dsl.KindPass:
		var output interface{} = map[string]interface{}{}
		if state.Pass.Result != nil {
			output = state.Pass.Result
		}
		if state.Base.End && state.Base.Next == "" {
			return Command{Kind: CmdSucceed, Output: output}, nil
		}
		return Command{Kind: CmdPass, Output: output, Next: state.Base.Next, HasNext: state.Base.Next != ""}, nil

	case dsl.KindSucceed:
		return Command{Kind: CmdSucceed, Output: ctx}, nil

	case dsl.KindFail:
		return Command{Kind: CmdFail, FailErr: state.Fail.Error, FailCause: state.Fail.Cause}, nil

	case dsl.KindChoice:
		for _, branch := range state.Choice.Choices {
			ok, err := EvaluateChoice(branch.Condition, ctx)
			if err != nil {
				return Command{}, fmt.Errorf("engine: translator: choice state %q: %w", stateName, err)
			}
			if ok {
				return Command{Kind: CmdChoice, Next: branch.Next, HasNext: true}, nil
			}
		}
		if state.Choice.DefaultNext != "" {
			return Command{Kind: CmdChoice, Next: state.Choice.DefaultNext, HasNext: true}, nil
		}
		return Command{}, fmt.Errorf("engine: translator: choice state %q: no branch matched and no defaultNext", stateName)

	case dsl.KindMap:
		return Command{Kind: CmdMap, Next: state.Base.Next, HasNext: state.Base.Next != ""}, nil

	case dsl.KindParallel:
		return Command{Kind: CmdParallel, Next: state.Base.Next, HasNext: state.Base.Next != ""}, nil

	default:
		return Command{}, fmt.Errorf("engine: translator: unknown state kind %q for state %q", state.Kind, stateName)
	}
}

// IsEndState reports whether stateName is a terminal node of the
// workflow graph as StepOnce would resolve it. A Choice with no
// branches and no default is terminal by construction.
func IsEndState(d *dsl.WorkflowDSL, stateName string) bool {
	state, ok := d.States[stateName]
	if !ok {
		return false
	}
	switch state.Kind {
	case dsl.KindSucceed, dsl.KindFail:
		return true
	case dsl.KindChoice:
		return len(state.Choice.Choices) == 0 && state.Choice.DefaultNext == ""
	default:
		return state.Base.End && state.Base.Next == ""
	}
}
