package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/stateflow/dsl"
	"github.com/dshills/stateflow/store"
)

// HandlerRegistry maps a dsl.Kind to the Handler that implements it.
type HandlerRegistry map[dsl.Kind]Handler

// DefaultHandlers wires the built-in handler for every state kind. The
// Task queue name and retry defaults are the only per-deployment knobs.
func DefaultHandlers(defaultQueue string) HandlerRegistry {
	return HandlerRegistry{
		dsl.KindTask:     NewTaskHandler(defaultQueue),
		dsl.KindPass:     PassHandler{},
		dsl.KindWait:     WaitHandler{},
		dsl.KindChoice:   ChoiceHandler{},
		dsl.KindSucceed:  SucceedHandler{},
		dsl.KindFail:     FailHandler{},
		dsl.KindMap:      MapHandler{},
		dsl.KindParallel: ParallelHandler{},
	}
}

// ExecRequest is the input to New: everything required to start a fresh
// Execution.
type ExecRequest struct {
	RunID      string
	WorkflowID string
	TemplateID string
	Mode       store.ExecutionMode
	Input      interface{}
	DSL        *dsl.WorkflowDSL
}

// Engine is the per-run_id state-machine driver. It
// exclusively owns its in-memory state: current state name, context,
// mailbox, finished flag. Only the Registry that created it holds a
// reference.
type Engine struct {
	runID    string
	dsl      *dsl.WorkflowDSL
	handlers HandlerRegistry

	store      Store
	match      MatchEnqueuer
	dispatcher *Dispatcher
	retry      RetryPolicy

	mu           sync.Mutex
	context      Context
	currentState string
	finished     bool
	lastErr      error

	// lastTaskState remembers the most recently entered Task state so a
	// late TaskCompleted/TaskFailed for it can still be recognized after
	// the engine has moved on, instead of surfacing as a mismatch.
	lastTaskState string

	mailbox *SignalMailbox

	// startChild, when set by the Registry, launches a READY Map/Parallel
	// child's Engine. Handlers reach it through Scope.StartChild rather
	// than through a direct Engine->Registry reference.
	startChild func(context.Context, string)
}

// SetChildStarter wires the Registry's child-launch callback into e.
// Called once by Registry.Start/Restore before the Engine's first
// AdvanceUntilBlocked.
func (e *Engine) SetChildStarter(fn func(context.Context, string)) {
	e.startChild = fn
}

// New creates and starts a fresh Engine for req. It does not call
// AdvanceUntilBlocked; the caller decides when to drive the first step.
func New(ctx context.Context, req ExecRequest, st Store, match MatchEnqueuer, dispatcher *Dispatcher, handlers HandlerRegistry, retry RetryPolicy) (*Engine, error) {
	if req.DSL == nil {
		return nil, fmt.Errorf("%w: engine.New: nil DSL", ErrValidation)
	}
	if req.DSL.StartAt == "" {
		return nil, fmt.Errorf("%w: engine.New: DSL has no startAt", ErrValidation)
	}

	inputBytes := marshalOutput(req.Input)
	exec := &store.Execution{
		RunID:           req.RunID,
		WorkflowID:      req.WorkflowID,
		TemplateID:      req.TemplateID,
		Mode:            req.Mode,
		Status:          store.StatusRunning,
		CurrentState:    req.DSL.StartAt,
		Input:           inputBytes,
		StartTime:       time.Now().UTC(),
		ContextSnapshot: inputBytes,
		DSLDefinition:   marshalOutput(req.DSL),
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("engine.New: create execution: %w", err)
	}

	baseCtx, _ := req.Input.(Context)
	if baseCtx == nil {
		baseCtx = Context{}
		if b, err := toJSONBytes(req.Input); err == nil {
			_ = json.Unmarshal(b, &baseCtx)
		}
	}

	e := &Engine{
		runID:        req.RunID,
		dsl:          req.DSL,
		handlers:     handlers,
		store:        st,
		match:        match,
		dispatcher:   dispatcher,
		retry:        retry,
		context:      baseCtx,
		currentState: req.DSL.StartAt,
		mailbox:      NewSignalMailbox(),
	}
	e.dispatch(ctx, "WorkflowStarted", "", nil)
	return e, nil
}

// Restore reconstructs an Engine from a previously persisted Execution
// dslResolver is consulted when the Execution
// carries no embedded dsl_definition (e.g. it was started from a named
// Template and the caller wants to re-resolve the current template
// body). A fresh signal mailbox is always allocated.
func Restore(ctx context.Context, runID string, st Store, match MatchEnqueuer, dispatcher *Dispatcher, handlers HandlerRegistry, retry RetryPolicy, dslResolver func(ctx context.Context, exec *store.Execution) (*dsl.WorkflowDSL, error)) (*Engine, error) {
	exec, err := st.GetExecution(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine.Restore: %w", err)
	}

	var d *dsl.WorkflowDSL
	if len(exec.DSLDefinition) > 0 {
		d, err = dsl.ParseJSON(exec.DSLDefinition)
		if err != nil {
			return nil, fmt.Errorf("engine.Restore: parse embedded dsl: %w", err)
		}
	} else if dslResolver != nil {
		d, err = dslResolver(ctx, exec)
		if err != nil {
			return nil, fmt.Errorf("engine.Restore: resolve dsl: %w", err)
		}
	}
	if d == nil {
		return nil, fmt.Errorf("%w: engine.Restore: run %s has no resolvable dsl", ErrValidation, runID)
	}

	baseCtx := Context{}
	if len(exec.ContextSnapshot) > 0 {
		_ = json.Unmarshal(exec.ContextSnapshot, &baseCtx)
	}

	e := &Engine{
		runID:        runID,
		dsl:          d,
		handlers:     handlers,
		store:        st,
		match:        match,
		dispatcher:   dispatcher,
		retry:        retry,
		context:      baseCtx,
		currentState: exec.CurrentState,
		finished:     exec.Status.IsTerminal() || exec.Status == store.StatusPaused,
		mailbox:      NewSignalMailbox(),
	}
	if st, ok := d.States[exec.CurrentState]; ok && st.Kind == dsl.KindTask {
		e.lastTaskState = exec.CurrentState
	}
	return e, nil
}

// RunID returns the run this Engine drives.
func (e *Engine) RunID() string { return e.runID }

// Finished reports whether the engine has reached a terminal status or
// been paused, meaning the Registry should evict it.
func (e *Engine) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// GetSignalSender returns the send half of the engine's mailbox, safe
// to hand to any number of producers.
func (e *Engine) GetSignalSender() func(Signal) {
	return e.mailbox.Send
}

// AdvanceUntilBlocked runs the main loop until the
// engine suspends on a blocking handler, finishes, or hits an error.
// One StateExecutionResult — the last one produced — is returned.
func (e *Engine) AdvanceUntilBlocked(ctx context.Context) (StateExecutionResult, error) {
	var last StateExecutionResult
	for {
		e.mu.Lock()
		finished := e.finished
		e.mu.Unlock()
		if finished {
			return last, nil
		}

		result, err := e.step(ctx)
		last = result
		if err != nil {
			return last, err
		}

		if result.IsBlocking {
			return last, nil
		}
		if result.ShouldContinue && result.NextState != "" {
			e.mu.Lock()
			e.currentState = result.NextState
			e.mu.Unlock()
			e.drainOneSignal(ctx)
			continue
		}
		// Terminal: not continuing and not blocking.
		return last, nil
	}
}

// step executes exactly one node visit: NodeEnter, StepOnce, input
// mapping, handler dispatch, output mapping, StateRecord/Execution
// persistence and NodeExit.
func (e *Engine) step(ctx context.Context) (StateExecutionResult, error) {
	e.mu.Lock()
	stateName := e.currentState
	snapshot := cloneContext(e.context)
	e.mu.Unlock()

	state, ok := e.dsl.States[stateName]
	if !ok {
		return StateExecutionResult{}, fmt.Errorf("%w: engine: unknown state %q", ErrValidation, stateName)
	}
	if state.Kind == dsl.KindTask {
		e.mu.Lock()
		e.lastTaskState = stateName
		e.mu.Unlock()
	}

	// Restartability: a crash or an extra AdvanceUntilBlocked
	// call can re-enter a state already STARTED by a prior process. Kinds
	// whose handler creates new durable side effects each call (Task's
	// QueueTask, Map/Parallel's child Executions) must not redo that work;
	// they re-suspend and wait for the signal already in flight instead.
	if rec, err := e.store.GetStateRecord(ctx, e.runID, stateName); err == nil && rec.Status == store.StateStarted {
		switch state.Kind {
		case dsl.KindTask, dsl.KindWait, dsl.KindMap, dsl.KindParallel:
			return StateExecutionResult{IsBlocking: true, ShouldContinue: false}, nil
		}
	}

	startedAt := time.Now().UTC()
	if err := e.store.UpsertStateOnEntry(ctx, e.runID, stateName, marshalOutput(snapshot), startedAt); err != nil {
		return StateExecutionResult{}, fmt.Errorf("engine: upsert state entry: %w", err)
	}
	e.dispatch(ctx, "NodeEnter", stateName, nil)

	cmd, err := StepOnce(e.dsl, stateName, snapshot)
	if err != nil {
		e.fail(ctx, stateName, startedAt, err)
		return StateExecutionResult{}, err
	}

	execInput, _, err := ApplyInput(state.Base.InputMapping, snapshot)
	if err != nil {
		e.fail(ctx, stateName, startedAt, err)
		return StateExecutionResult{}, err
	}

	handler, ok := e.handlers[state.Kind]
	if !ok {
		err := fmt.Errorf("%w: engine: no handler registered for kind %q", ErrValidation, state.Kind)
		e.fail(ctx, stateName, startedAt, err)
		return StateExecutionResult{}, err
	}

	scope := Scope{
		Ctx:           ctx,
		RunID:         e.runID,
		StateName:     stateName,
		State:         state,
		Context:       snapshot,
		RawInput:      execInput,
		Store:         e.store,
		Match:         e.match,
		Dispatcher:    e.dispatcher,
		RetryDefaults: e.retry,
		StartChild:    e.startChild,
	}
	result := handler.Handle(scope, cmd)
	if result.Err != nil {
		e.fail(ctx, stateName, startedAt, result.Err)
		return result, result.Err
	}

	if result.IsBlocking {
		// The state stays STARTED: its real output arrives later as a
		// signal, and that is where output mapping and the COMPLETED
		// record are applied. Only the context snapshot is persisted
		// here so a restart resumes from the same suspension point.
		if err := e.store.UpdateExecution(ctx, e.runID, store.ExecutionPatch{
			ContextSnapshot: marshalOutput(snapshot),
		}); err != nil {
			return result, fmt.Errorf("engine: update execution: %w", err)
		}
		return result, nil
	}

	merged, _, err := ApplyOutput(state.Base.OutputMapping, snapshot, result.Output)
	if err != nil {
		e.fail(ctx, stateName, startedAt, err)
		return StateExecutionResult{}, err
	}

	e.mu.Lock()
	e.context = merged
	e.mu.Unlock()

	completedAt := time.Now().UTC()
	if err := e.store.UpdateStateOnFinish(ctx, e.runID, stateName, store.StatePatch{
		Status:      store.StateCompleted,
		Output:      marshalOutput(result.Output),
		CompletedAt: completedAt,
	}); err != nil {
		return result, fmt.Errorf("engine: update state on finish: %w", err)
	}
	e.dispatch(ctx, "NodeExit", stateName, map[string]interface{}{
		"duration_ms": completedAt.Sub(startedAt).Milliseconds(),
	})

	patch := store.ExecutionPatch{ContextSnapshot: marshalOutput(merged)}
	switch cmd.Kind {
	case CmdSucceed:
		now := time.Now().UTC()
		patch.Status = statusPtr(store.StatusCompleted)
		patch.CloseTime = &now
		patch.Result = marshalOutput(result.Output)
	case CmdFail:
		// handled via result.Err path above; unreachable here since
		// FailHandler always sets Err.
	default:
		if result.ShouldContinue && result.NextState != "" {
			patch.CurrentState = &result.NextState
		} else {
			now := time.Now().UTC()
			patch.Status = statusPtr(store.StatusCompleted)
			patch.CloseTime = &now
			patch.Result = marshalOutput(result.Output)
		}
	}
	if err := e.store.UpdateExecution(ctx, e.runID, patch); err != nil {
		return result, fmt.Errorf("engine: update execution: %w", err)
	}

	if cmd.Kind == CmdSucceed || !result.ShouldContinue {
		e.mu.Lock()
		e.finished = true
		e.mu.Unlock()
		e.dispatch(ctx, "WorkflowFinished", stateName, map[string]interface{}{"status": "completed"})
	}

	return result, nil
}

func (e *Engine) fail(ctx context.Context, stateName string, startedAt time.Time, cause error) {
	completedAt := time.Now().UTC()
	_ = e.store.UpdateStateOnFinish(ctx, e.runID, stateName, store.StatePatch{
		Status:      store.StateFailed,
		Error:       cause.Error(),
		CompletedAt: completedAt,
	})
	e.dispatch(ctx, "NodeFailed", stateName, map[string]interface{}{"error": cause.Error()})

	now := time.Now().UTC()
	_ = e.store.UpdateExecution(ctx, e.runID, store.ExecutionPatch{
		Status:    statusPtr(store.StatusFailed),
		CloseTime: &now,
	})

	e.mu.Lock()
	e.finished = true
	e.lastErr = cause
	e.mu.Unlock()

	e.dispatch(ctx, "WorkflowFinished", stateName, map[string]interface{}{"status": "failed", "error": cause.Error()})
}

func (e *Engine) dispatch(ctx context.Context, kind, stateName string, meta map[string]interface{}) {
	if e.dispatcher == nil {
		return
	}
	_ = e.dispatcher.Dispatch(ctx, e.runID, kind, stateName, meta)
}

// HandleNextSignal drains at most one pending signal and applies it
// It returns true if a signal was applied.
func (e *Engine) HandleNextSignal(ctx context.Context) (bool, error) {
	sig, ok := e.mailbox.TryRecv()
	if !ok {
		return false, nil
	}
	return true, e.applySignal(ctx, sig)
}

// drainOneSignal is the best-effort drain AdvanceUntilBlocked performs
// between iterations; signal errors are surfaced
// as engine-level failures rather than aborting the step loop silently.
func (e *Engine) drainOneSignal(ctx context.Context) {
	applied, err := e.HandleNextSignal(ctx)
	if applied && err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
	}
}

// applySignal routes one signal to the matching handler path.
func (e *Engine) applySignal(ctx context.Context, sig Signal) error {
	if sig.Kind != SigSubflowFinished && sig.RunID != "" && sig.RunID != e.runID {
		return fmt.Errorf("%w: signal run_id %s, engine run_id %s", ErrMismatchedSignal, sig.RunID, e.runID)
	}

	e.mu.Lock()
	stateName := e.currentState
	finished := e.finished
	e.mu.Unlock()
	if finished {
		return nil
	}

	switch sig.Kind {
	case SigTaskCompleted:
		return e.applyTaskCompleted(ctx, stateName, sig)
	case SigTaskFailed:
		return e.applyTaskFailed(ctx, stateName, sig)
	case SigTaskCancelled:
		return e.applyCancelled(ctx, stateName, sig)
	case SigTimerFired:
		return e.applyTaskCompleted(ctx, stateName, sig)
	case SigSubflowFinished:
		return e.applySubflowFinished(ctx, stateName, sig)
	case SigHeartbeat:
		return nil
	default:
		return fmt.Errorf("engine: unknown signal kind %q", sig.Kind)
	}
}

func (e *Engine) applyTaskCompleted(ctx context.Context, stateName string, sig Signal) error {
	if sig.StateName != "" && sig.StateName != stateName {
		e.mu.Lock()
		last := e.lastTaskState
		e.mu.Unlock()
		// A signal for the most recently entered Task state that the
		// engine has already resolved is a late duplicate, not a
		// mismatch.
		if sig.StateName == last {
			if rec, err := e.store.GetStateRecord(ctx, e.runID, sig.StateName); err == nil && rec.Status == store.StateCompleted {
				return nil
			}
		}
		return fmt.Errorf("%w: signal state_name %s, current state %s", ErrMismatchedSignal, sig.StateName, stateName)
	}
	// Idempotent on the consumer side: a duplicate signal
	// for an already-completed state is a no-op.
	if rec, err := e.store.GetStateRecord(ctx, e.runID, stateName); err == nil && rec.Status == store.StateCompleted {
		return nil
	}

	e.mu.Lock()
	ctxSnapshot := cloneContext(e.context)
	e.mu.Unlock()

	state := e.dsl.States[stateName]
	merged, _, err := ApplyOutput(state.Base.OutputMapping, ctxSnapshot, sig.Output)
	if err != nil {
		return fmt.Errorf("engine: apply output mapping on signal: %w", err)
	}

	e.mu.Lock()
	e.context = merged
	e.currentState = state.Base.Next
	e.mu.Unlock()

	completedAt := time.Now().UTC()
	if err := e.store.UpdateStateOnFinish(ctx, e.runID, stateName, store.StatePatch{
		Status:      store.StateCompleted,
		Output:      marshalOutput(sig.Output),
		CompletedAt: completedAt,
	}); err != nil {
		return err
	}
	e.dispatch(ctx, "NodeSuccess", stateName, nil)
	e.dispatch(ctx, "NodeExit", stateName, nil)

	patch := store.ExecutionPatch{ContextSnapshot: marshalOutput(merged)}
	if state.Base.Next != "" {
		next := state.Base.Next
		patch.CurrentState = &next
	} else {
		now := time.Now().UTC()
		patch.Status = statusPtr(store.StatusCompleted)
		patch.CloseTime = &now
		patch.Result = marshalOutput(merged)
	}
	if err := e.store.UpdateExecution(ctx, e.runID, patch); err != nil {
		return err
	}
	if state.Base.Next == "" {
		e.mu.Lock()
		e.finished = true
		e.mu.Unlock()
		e.dispatch(ctx, "WorkflowFinished", stateName, map[string]interface{}{"status": "completed"})
	}
	return nil
}

func (e *Engine) applyTaskFailed(ctx context.Context, stateName string, sig Signal) error {
	if sig.StateName != "" && sig.StateName != stateName {
		return fmt.Errorf("%w: signal state_name %s, current state %s", ErrMismatchedSignal, sig.StateName, stateName)
	}
	cause := &TaskError{RunID: e.runID, StateName: stateName, Message: sig.ErrMsg}
	startedAt := time.Now().UTC()
	if rec, err := e.store.GetStateRecord(ctx, e.runID, stateName); err == nil {
		startedAt = rec.StartedAt
	}
	e.fail(ctx, stateName, startedAt, cause)
	return cause
}

func (e *Engine) applyCancelled(ctx context.Context, stateName string, sig Signal) error {
	now := time.Now().UTC()
	_ = e.store.UpdateStateOnFinish(ctx, e.runID, stateName, store.StatePatch{
		Status:      store.StateCancelled,
		Error:       sig.ErrMsg,
		CompletedAt: now,
	})
	_ = e.store.UpdateExecution(ctx, e.runID, store.ExecutionPatch{
		Status:    statusPtr(store.StatusCancelled),
		CloseTime: &now,
	})
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
	e.dispatch(ctx, "NodeCancelled", stateName, map[string]interface{}{"reason": sig.ErrMsg})
	e.dispatch(ctx, "WorkflowFinished", stateName, map[string]interface{}{"status": "cancelled"})
	return nil
}

func (e *Engine) applySubflowFinished(ctx context.Context, stateName string, sig Signal) error {
	if sig.Subflow == nil {
		return fmt.Errorf("engine: SubflowFinished signal missing payload")
	}
	if sig.Subflow.ParentStateName != "" && sig.Subflow.ParentStateName != stateName {
		return fmt.Errorf("%w: subflow parent_state_name %s, current state %s", ErrMismatchedSignal, sig.Subflow.ParentStateName, stateName)
	}

	state := e.dsl.States[stateName]
	handler, ok := e.handlers[state.Kind].(SubflowHandler)
	if !ok {
		return fmt.Errorf("engine: state %q kind %q has no SubflowHandler", stateName, state.Kind)
	}

	e.mu.Lock()
	ctxSnapshot := cloneContext(e.context)
	e.mu.Unlock()

	scope := Scope{
		Ctx:           ctx,
		RunID:         e.runID,
		StateName:     stateName,
		State:         state,
		Context:       ctxSnapshot,
		Store:         e.store,
		Match:         e.match,
		Dispatcher:    e.dispatcher,
		RetryDefaults: e.retry,
		StartChild:    e.startChild,
	}
	result := handler.OnSubflowFinished(scope, *sig.Subflow)
	if result.Err != nil {
		e.fail(ctx, stateName, time.Now().UTC(), result.Err)
		return result.Err
	}

	if merged, ok := result.Output.(Context); ok {
		e.mu.Lock()
		e.context = merged
		e.mu.Unlock()
	}

	if result.IsBlocking {
		// Still waiting on more children; nothing else to persist here
		// beyond what joinSubflow already wrote.
		return nil
	}

	completedAt := time.Now().UTC()
	_ = e.store.UpdateStateOnFinish(ctx, e.runID, stateName, store.StatePatch{
		Status:      store.StateCompleted,
		Output:      marshalOutput(result.Output),
		CompletedAt: completedAt,
	})
	e.dispatch(ctx, "NodeExit", stateName, nil)

	patch := store.ExecutionPatch{}
	if b, ok := result.Output.(Context); ok {
		patch.ContextSnapshot = marshalOutput(b)
	}
	if result.ShouldContinue && result.NextState != "" {
		e.mu.Lock()
		e.currentState = result.NextState
		e.mu.Unlock()
		next := result.NextState
		patch.CurrentState = &next
	} else {
		now := time.Now().UTC()
		patch.Status = statusPtr(store.StatusCompleted)
		patch.CloseTime = &now
		patch.Result = marshalOutput(result.Output)
		e.mu.Lock()
		e.finished = true
		e.mu.Unlock()
	}
	if err := e.store.UpdateExecution(ctx, e.runID, patch); err != nil {
		return err
	}
	if patch.Status != nil {
		e.dispatch(ctx, "WorkflowFinished", stateName, map[string]interface{}{"status": "completed"})
	}
	return nil
}

// Pause toggles the execution to PAUSED and evicts the engine: the caller
// (typically the Registry) must drop its reference after this returns;
// Resume requires a fresh Restore.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return ErrAlreadyFinished
	}
	e.finished = true
	e.mu.Unlock()

	return e.store.UpdateExecution(ctx, e.runID, store.ExecutionPatch{
		Status: statusPtr(store.StatusPaused),
	})
}

// Resume flips a PAUSED Execution back to RUNNING in storage. The
// caller is expected to then Restore a fresh Engine for the run_id.
func Resume(ctx context.Context, runID string, st Store) error {
	exec, err := st.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if exec.Status != store.StatusPaused && exec.Status != store.StatusSuspended {
		return fmt.Errorf("%w: run %s is %s, not paused/suspended", ErrInvalidState, runID, exec.Status)
	}
	return st.UpdateExecution(ctx, runID, store.ExecutionPatch{Status: statusPtr(store.StatusRunning)})
}

// LastError returns the error (if any) that caused this engine to
// finish abnormally.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}
