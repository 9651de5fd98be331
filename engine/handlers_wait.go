package engine

import (
	"time"

	"github.com/dshills/stateflow/store"
	"github.com/google/uuid"
)

// WaitHandler implements the Wait state in Deferred mode:
// it persists a Timer row and blocks. The state resumes when a
// TimerFired signal arrives for the same (run_id, state_name). Inline
// (in-process sleep) mode is out of scope for the core rewrite.
type WaitHandler struct{}

func (WaitHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	var fireAt time.Time
	switch {
	case cmd.HasSeconds:
		fireAt = time.Now().UTC().Add(time.Duration(cmd.Seconds) * time.Second)
	case cmd.WaitUntil != "":
		t, err := time.Parse(time.RFC3339, cmd.WaitUntil)
		if err != nil {
			return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "invalid wait timestamp", Cause: err}}
		}
		fireAt = t.UTC()
	default:
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "wait state defines neither seconds nor timestamp"}}
	}

	timer := &store.Timer{
		TimerID:   uuid.NewString(),
		RunID:     scope.RunID,
		StateName: scope.StateName,
		FireAt:    fireAt,
		Status:    store.TimerPending,
	}
	if err := scope.Store.CreateTimer(scope.Ctx, timer); err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "persist timer", Cause: err}}
	}

	return StateExecutionResult{
		IsBlocking:     true,
		ShouldContinue: false,
		Metadata:       map[string]interface{}{"timer_id": timer.TimerID, "fire_at": fireAt},
	}
}
