package engine

// PassHandler implements the Pass state: it forwards its
// configured result (or an empty object) unchanged.
type PassHandler struct{}

func (PassHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	return StateExecutionResult{
		Output:         cmd.Output,
		NextState:      cmd.Next,
		ShouldContinue: cmd.HasNext,
	}
}

// ChoiceHandler implements the Choice state: the branch was already
// selected by the Command Translator, so the handler only carries the
// context through unchanged.
type ChoiceHandler struct{}

func (ChoiceHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	return StateExecutionResult{
		Output:         scope.Context,
		NextState:      cmd.Next,
		ShouldContinue: cmd.HasNext,
	}
}

// SucceedHandler implements the terminal Succeed state.
type SucceedHandler struct{}

func (SucceedHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	return StateExecutionResult{
		Output:         cmd.Output,
		ShouldContinue: false,
	}
}

// FailHandler implements the terminal Fail state.
type FailHandler struct{}

func (FailHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	msg := cmd.FailErr
	if msg == "" {
		msg = "error"
	}
	if cmd.FailCause != "" {
		msg = msg + ": " + cmd.FailCause
	}
	return StateExecutionResult{
		ShouldContinue: false,
		Err:            &HandlerError{StateName: scope.StateName, Message: msg},
	}
}
