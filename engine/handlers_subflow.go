package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/stateflow/dsl"
	"github.com/dshills/stateflow/store"
)

// MapHandler implements the Map state: it fans out over
// the array selected by items_path, one child Execution per item, up to
// max_concurrency READY at once.
type MapHandler struct{}

func (MapHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	m := scope.State.Map
	root, err := toJSONBytes(scope.Context)
	if err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "marshal context", Cause: err}}
	}
	rawItems := jsonPathSelect(root, m.ItemsPath)
	items, ok := rawItems.([]interface{})
	if !ok {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: fmt.Sprintf("itemsPath %q did not select an array", m.ItemsPath)}}
	}
	if len(items) == 0 {
		// Nothing to fan out over: behave like an empty Join already happened.
		return finishEmptySubflow(scope, m.Base, "result", []interface{}{})
	}

	branchDSL := branchToWorkflow(m.Iterator)
	defBytes, err := json.Marshal(branchDSL)
	if err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "marshal iterator", Cause: err}}
	}

	maxConcurrency := m.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(items)
	}

	for i, item := range items {
		injected := ApplyMapItemInjection(scope.Context, m.ItemContextKey, item)
		inputBytes, err := json.Marshal(injected)
		if err != nil {
			return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "marshal child input", Cause: err}}
		}
		status := store.StatusWaiting
		if i < maxConcurrency {
			status = store.StatusReady
		}
		child := &store.Execution{
			RunID:           childRunID(scope.RunID, scope.StateName, i),
			Mode:            store.ModeDeferred,
			Status:          status,
			CurrentState:    branchDSL.StartAt,
			Input:           inputBytes,
			StartTime:       time.Now().UTC(),
			ContextSnapshot: inputBytes,
			ParentRunID:     scope.RunID,
			ParentStateName: scope.StateName,
			DSLDefinition:   defBytes,
		}
		if err := scope.Store.CreateExecution(scope.Ctx, child); err != nil {
			return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "create map child", Cause: err}}
		}
		if status == store.StatusReady {
			notifySubflowReady(scope, child.RunID)
		}
	}

	return StateExecutionResult{
		IsBlocking:     true,
		ShouldContinue: false,
		Metadata:       map[string]interface{}{"child_count": len(items)},
	}
}

// OnSubflowFinished implements the Join rule for Map.
func (MapHandler) OnSubflowFinished(scope Scope, sig SubflowFinished) StateExecutionResult {
	return joinSubflow(scope, scope.State.Map.Base, scope.State.Map.MaxConcurrency, "result")
}

// ParallelHandler implements the Parallel state: each Branch becomes one
// child execution, all receiving the full parent context as input.
type ParallelHandler struct{}

func (ParallelHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	p := scope.State.Parallel
	if len(p.Branches) == 0 {
		return finishEmptySubflow(scope, p.Base, "parallelResult", []interface{}{})
	}

	inputBytes, err := json.Marshal(scope.Context)
	if err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "marshal context", Cause: err}}
	}

	maxConcurrency := p.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(p.Branches)
	}

	for i, branch := range p.Branches {
		branchDSL := branchToWorkflow(branch)
		defBytes, err := json.Marshal(branchDSL)
		if err != nil {
			return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "marshal branch", Cause: err}}
		}
		status := store.StatusWaiting
		if i < maxConcurrency {
			status = store.StatusReady
		}
		child := &store.Execution{
			RunID:           childRunID(scope.RunID, scope.StateName, i),
			Mode:            store.ModeDeferred,
			Status:          status,
			CurrentState:    branchDSL.StartAt,
			Input:           inputBytes,
			StartTime:       time.Now().UTC(),
			ContextSnapshot: inputBytes,
			ParentRunID:     scope.RunID,
			ParentStateName: scope.StateName,
			DSLDefinition:   defBytes,
		}
		if err := scope.Store.CreateExecution(scope.Ctx, child); err != nil {
			return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "create parallel branch", Cause: err}}
		}
		if status == store.StatusReady {
			notifySubflowReady(scope, child.RunID)
		}
	}

	return StateExecutionResult{
		IsBlocking:     true,
		ShouldContinue: false,
		Metadata:       map[string]interface{}{"branch_count": len(p.Branches)},
	}
}

// OnSubflowFinished implements the Join rule for Parallel: results are
// collected into an array ordered by branch index under
// "parallelResult"; the joining mechanics are identical to Map's.
func (ParallelHandler) OnSubflowFinished(scope Scope, sig SubflowFinished) StateExecutionResult {
	return joinSubflow(scope, scope.State.Parallel.Base, scope.State.Parallel.MaxConcurrency, "parallelResult")
}

// joinSubflow is shared between Map and Parallel: it inspects every
// child of (parent_run_id, state_name) and either
// propagates a failure, folds completed results into the parent
// context, or promotes the next WAITING child to READY.
func joinSubflow(scope Scope, base dsl.BaseState, maxConcurrency int, defaultKey string) StateExecutionResult {
	children, err := scope.Store.FindSubflowsByParent(scope.Ctx, scope.RunID, scope.StateName)
	if err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "load subflow children", Cause: err}}
	}

	for _, child := range children {
		if child.Status == store.StatusFailed || child.Status == store.StatusCancelled {
			return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: fmt.Sprintf("child %s ended in %s", child.RunID, child.Status)}}
		}
	}

	allDone := true
	var waiting []*store.Execution
	active := 0
	for _, child := range children {
		switch child.Status {
		case store.StatusCompleted:
			// counts toward done.
		case store.StatusWaiting:
			allDone = false
			waiting = append(waiting, child)
		default: // READY or RUNNING
			allDone = false
			active++
		}
	}

	if !allDone {
		if maxConcurrency <= 0 {
			maxConcurrency = len(children)
		}
		if len(waiting) > 0 && active < maxConcurrency {
			next := waiting[0]
			if err := scope.Store.UpdateExecution(scope.Ctx, next.RunID, store.ExecutionPatch{Status: statusPtr(store.StatusReady)}); err != nil {
				return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "promote waiting child", Cause: err}}
			}
			notifySubflowReady(scope, next.RunID)
		}
		return StateExecutionResult{IsBlocking: true, ShouldContinue: false}
	}

	return finishSubflow(scope, base, defaultKey, children)
}

func finishSubflow(scope Scope, base dsl.BaseState, defaultKey string, children []*store.Execution) StateExecutionResult {
	results := make([]interface{}, len(children))
	for _, child := range children {
		idx, ok := childIndex(child.RunID)
		if !ok || idx >= len(results) {
			continue
		}
		var out interface{}
		if len(child.Result) > 0 {
			_ = json.Unmarshal(child.Result, &out)
		}
		results[idx] = out
	}
	return finishEmptySubflow(scope, base, defaultKey, results)
}

// finishEmptySubflow folds `results` into the parent context and
// resolves the next transition, used both by the normal Join path and
// by the degenerate zero-item Map/Parallel case. When no output
// mapping is declared the results land under defaultKey ("result" for
// Map, "parallelResult" for Parallel).
func finishEmptySubflow(scope Scope, base dsl.BaseState, defaultKey string, results []interface{}) StateExecutionResult {
	var rawOutput interface{} = results
	if base.OutputMapping == nil {
		rawOutput = map[string]interface{}{defaultKey: results}
	}
	merged, _, err := ApplyOutput(base.OutputMapping, scope.Context, rawOutput)
	if err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "fold subflow output", Cause: err}}
	}
	return StateExecutionResult{
		Output:         merged,
		NextState:      base.Next,
		ShouldContinue: base.Next != "",
	}
}

func notifySubflowReady(scope Scope, childRunID string) {
	if scope.Dispatcher != nil {
		_ = scope.Dispatcher.Dispatch(scope.Ctx, childRunID, "SubflowReady", scope.StateName, map[string]interface{}{
			"parent_run_id": scope.RunID,
		})
	}
	if scope.StartChild != nil {
		scope.StartChild(scope.Ctx, childRunID)
	}
}

func statusPtr(s store.ExecutionStatus) *store.ExecutionStatus { return &s }

func childRunID(parentRunID, stateName string, index int) string {
	return fmt.Sprintf("%s:%s:%d", parentRunID, stateName, index)
}

func childIndex(runID string) (int, bool) {
	i := strings.LastIndex(runID, ":")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(runID[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// branchToWorkflow wraps a Branch (a self-contained sub-graph) into a
// standalone WorkflowDSL so it can be stored as a child Execution's
// dsl_definition and run by an ordinary Engine.
func branchToWorkflow(b dsl.Branch) *dsl.WorkflowDSL {
	return &dsl.WorkflowDSL{StartAt: b.StartAt, States: b.States}
}
