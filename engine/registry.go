package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/dshills/stateflow/dsl"
	"github.com/dshills/stateflow/store"
)

func unmarshalInto(b []byte, v interface{}) error { return json.Unmarshal(b, v) }

// Registry is the sole allocator/destructor of Engines: it maps run_id to
// the resident Engine and guards insert/remove with a single mutex, while
// signal delivery and AdvanceUntilBlocked for one run_id never overlap.
type Registry struct {
	mu       sync.Mutex
	engines  map[string]*Engine
	store    Store
	match    MatchEnqueuer
	dispatch *Dispatcher
	handlers HandlerRegistry
	retry    RetryPolicy

	// runMu serializes AdvanceUntilBlocked/HandleNextSignal per run_id so
	// a concurrent signal delivery never races a step in progress.
	runMu map[string]*sync.Mutex

	// pendingChildren queues READY Map/Parallel children for launch.
	// Handlers append via the child-starter callback while their parent
	// engine's run lock is held; the registry drains the queue only
	// after that lock is released, so a fast child can never dead-lock
	// against its own parent.
	pendingChildren []string
}

// NewRegistry wires the shared collaborators every Engine it creates
// will depend on.
func NewRegistry(st Store, match MatchEnqueuer, dispatch *Dispatcher, handlers HandlerRegistry, retry RetryPolicy) *Registry {
	return &Registry{
		engines:  make(map[string]*Engine),
		runMu:    make(map[string]*sync.Mutex),
		store:    st,
		match:    match,
		dispatch: dispatch,
		handlers: handlers,
		retry:    retry,
	}
}

func (r *Registry) lockFor(runID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.runMu[runID]
	if !ok {
		m = &sync.Mutex{}
		r.runMu[runID] = m
	}
	return m
}

// Start allocates a new Engine for req, registers it, and drives it to
// its first suspension point.
func (r *Registry) Start(ctx context.Context, req ExecRequest) (*Engine, StateExecutionResult, error) {
	e, err := New(ctx, req, r.store, r.match, r.dispatch, r.handlers, r.retry)
	if err != nil {
		return nil, StateExecutionResult{}, err
	}
	e.SetChildStarter(r.queueChild)

	r.mu.Lock()
	r.engines[req.RunID] = e
	r.mu.Unlock()

	runLock := r.lockFor(req.RunID)
	runLock.Lock()
	result, err := e.AdvanceUntilBlocked(ctx)
	runLock.Unlock()

	if e.Finished() {
		r.Remove(req.RunID)
		r.notifyParentIfSubflow(ctx, req.RunID)
	}
	r.drainChildren(ctx)
	return e, result, err
}

// EnsureResident returns run_id's Engine, Restoring it from storage
// first if it is not currently in memory.
func (r *Registry) EnsureResident(ctx context.Context, runID string) (*Engine, error) {
	if e, ok := r.Get(runID); ok {
		return e, nil
	}
	return r.Restore(ctx, runID, nil)
}

// notifyParentIfSubflow checks whether the just-finished run_id is a
// Map/Parallel child and, if so, delivers SubflowFinished to
// the parent, restoring it first if it is not resident. Errors are
// swallowed to a log line: a stuck parent is recoverable by a
// reconciliation sweep over children in terminal states whose parent never
// advanced, which is an operator concern.
func (r *Registry) notifyParentIfSubflow(ctx context.Context, runID string) {
	exec, err := r.store.GetExecution(ctx, runID)
	if err != nil || exec.ParentRunID == "" {
		return
	}

	var result interface{}
	if len(exec.Result) > 0 {
		_ = unmarshalInto(exec.Result, &result)
	}

	parent, err := r.EnsureResident(ctx, exec.ParentRunID)
	if err != nil || parent == nil {
		return
	}

	sig := Signal{
		Kind:  SigSubflowFinished,
		RunID: exec.ParentRunID,
		Subflow: &SubflowFinished{
			ParentRunID:     exec.ParentRunID,
			ParentStateName: exec.ParentStateName,
			ChildRunID:      runID,
			Status:          exec.Status,
			Result:          result,
		},
	}
	if _, err := r.Deliver(ctx, exec.ParentRunID, sig); err != nil {
		return
	}
}

// Restore loads run_id from storage, resolving its DSL with
// dslResolver if the Execution carries no embedded definition, and
// registers the recovered Engine without advancing it.
func (r *Registry) Restore(ctx context.Context, runID string, dslResolver func(context.Context, *store.Execution) (*dsl.WorkflowDSL, error)) (*Engine, error) {
	e, err := Restore(ctx, runID, r.store, r.match, r.dispatch, r.handlers, r.retry, dslResolver)
	if err != nil {
		return nil, err
	}
	e.SetChildStarter(r.queueChild)
	r.mu.Lock()
	r.engines[runID] = e
	r.mu.Unlock()
	return e, nil
}

// Get returns the resident Engine for run_id, or ok=false if it is not
// currently in memory (either never started or already evicted).
func (r *Registry) Get(runID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[runID]
	return e, ok
}

// Deliver sends sig to run_id's resident Engine, then drains and
// advances it, mirroring the Event Runner's post-signal routine. If
// the engine is not resident it is restored from storage first.
func (r *Registry) Deliver(ctx context.Context, runID string, sig Signal) (StateExecutionResult, error) {
	e, err := r.EnsureResident(ctx, runID)
	if err != nil {
		return StateExecutionResult{}, fmt.Errorf("engine: registry: run %s: %w", runID, err)
	}

	runLock := r.lockFor(runID)
	runLock.Lock()
	e.GetSignalSender()(sig)
	if _, err := e.HandleNextSignal(ctx); err != nil {
		runLock.Unlock()
		return StateExecutionResult{}, err
	}
	result, err := e.AdvanceUntilBlocked(ctx)
	runLock.Unlock()

	if e.Finished() {
		r.Remove(runID)
		r.notifyParentIfSubflow(ctx, runID)
	}
	r.drainChildren(ctx)
	return result, err
}

// Remove evicts run_id's Engine from the registry and closes its
// mailbox, per the Engine lifecycle: "remains resident... until the
// workflow reaches a terminal state, then is removed".
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	e, ok := r.engines[runID]
	if ok {
		delete(r.engines, runID)
	}
	delete(r.runMu, runID)
	r.mu.Unlock()
	if ok {
		e.mailbox.Close()
	}
}

// queueChild is the child-starter callback handed to every Engine:
// it records a newly-READY Map/Parallel child for launch once the
// caller's run lock is released.
func (r *Registry) queueChild(_ context.Context, childRunID string) {
	r.mu.Lock()
	r.pendingChildren = append(r.pendingChildren, childRunID)
	r.mu.Unlock()
}

// drainChildren launches queued children one at a time. Driving a
// child may finish it, which delivers SubflowFinished to its parent
// and can queue further promotions; the loop runs until the queue is
// empty.
func (r *Registry) drainChildren(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.pendingChildren) == 0 {
			r.mu.Unlock()
			return
		}
		child := r.pendingChildren[0]
		r.pendingChildren = r.pendingChildren[1:]
		r.mu.Unlock()
		r.runChild(ctx, child)
	}
}

// runChild restores one READY child execution, flips it RUNNING and
// drives it to its first suspension point. A finished child notifies
// its parent exactly like a top-level run would.
func (r *Registry) runChild(ctx context.Context, runID string) {
	e, err := r.Restore(ctx, runID, nil)
	if err != nil {
		log.Printf("engine: registry: restore child %s: %v", runID, err)
		return
	}
	if err := r.store.UpdateExecution(ctx, runID, store.ExecutionPatch{Status: statusPtr(store.StatusRunning)}); err != nil {
		log.Printf("engine: registry: mark child %s running: %v", runID, err)
	}

	runLock := r.lockFor(runID)
	runLock.Lock()
	_, err = e.AdvanceUntilBlocked(ctx)
	runLock.Unlock()
	if err != nil {
		log.Printf("engine: registry: advance child %s: %v", runID, err)
	}

	if e.Finished() {
		r.Remove(runID)
		r.notifyParentIfSubflow(ctx, runID)
	}
}

// Len reports how many Engines are currently resident, for metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}
