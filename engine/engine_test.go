package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dshills/stateflow/dsl"
	"github.com/dshills/stateflow/emit"
	"github.com/dshills/stateflow/match"
	"github.com/dshills/stateflow/store"
)

type rig struct {
	st       *store.MemStore
	emitter  *emit.BufferedEmitter
	match    *match.Hybrid
	registry *Registry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	dispatcher := NewDispatcher(emitter, st, DispatchImmediate, 0)
	hybrid := match.NewHybrid(
		match.NewMemory(),
		match.NewPersistent(st, match.DefaultRetryPolicy, 10*time.Millisecond),
	)
	registry := NewRegistry(st, hybrid, dispatcher, DefaultHandlers(""), DefaultRetryPolicy)
	return &rig{st: st, emitter: emitter, match: hybrid, registry: registry}
}

func mustParse(t *testing.T, doc string) *dsl.WorkflowDSL {
	t.Helper()
	d, err := dsl.ParseJSON([]byte(doc))
	if err != nil {
		t.Fatalf("parse dsl: %v", err)
	}
	return d
}

func contextOf(t *testing.T, st store.Store, runID string) Context {
	t.Helper()
	exec, err := st.GetExecution(context.Background(), runID)
	if err != nil {
		t.Fatalf("get execution %s: %v", runID, err)
	}
	ctx := Context{}
	if len(exec.ContextSnapshot) > 0 {
		if err := json.Unmarshal(exec.ContextSnapshot, &ctx); err != nil {
			t.Fatalf("decode context snapshot: %v", err)
		}
	}
	return ctx
}

func eventKinds(events []emit.Event) map[string]int {
	kinds := make(map[string]int)
	for _, e := range events {
		kinds[e.Kind+"/"+e.StateName]++
	}
	return kinds
}

// Wait(seconds=0) then Pass(end). The wait suspends on a durable timer;
// one sweep fires it and the run completes.
func TestWaitThenPassCompletes(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "Wait1",
		"states": {
			"Wait1": {"type": "wait", "seconds": 0, "next": "Pass1"},
			"Pass1": {"type": "pass", "result": {"ok": true}, "end": true}
		}
	}`)

	e, result, err := r.registry.Start(ctx, ExecRequest{
		RunID: "s1", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !result.IsBlocking || e.Finished() {
		t.Fatalf("run should suspend on the wait, got %+v finished=%v", result, e.Finished())
	}

	sweeper := NewTimerSweeper(r.st, r.registry, time.Second)
	fired, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	exec, err := r.st.GetExecution(ctx, "s1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", exec.Status)
	}
	if exec.CloseTime == nil {
		t.Fatal("close_time must be set on a terminal status")
	}

	finalCtx := contextOf(t, r.st, "s1")
	if finalCtx["ok"] != true {
		t.Fatalf("final context = %v, want {ok:true}", finalCtx)
	}

	kinds := eventKinds(r.emitter.GetHistory("s1"))
	for _, want := range []string{"NodeEnter/Wait1", "NodeExit/Wait1", "NodeEnter/Pass1", "NodeExit/Pass1", "WorkflowFinished/Pass1"} {
		if kinds[want] == 0 {
			t.Errorf("missing event %s; got %v", want, kinds)
		}
	}

	// The durable event trail for the run preserves occurrence order.
	rows, err := r.st.FindEventsByRunID(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("find events: %v", err)
	}
	if len(rows) == 0 || rows[len(rows)-1].Kind != "WorkflowFinished" {
		t.Errorf("event trail should end with WorkflowFinished, got %v", rows)
	}
}

// Choice routes {x:1} to the Succeed branch and {x:2} to the Fail
// default.
func TestChoiceBranching(t *testing.T) {
	doc := `{
		"startAt": "C",
		"states": {
			"C": {"type": "choice",
				"choices": [{"condition": {"variable": "$.x", "operator": "Equals", "value": 1}, "next": "Win"}],
				"defaultNext": "Fail1"},
			"Win": {"type": "succeed"},
			"Fail1": {"type": "fail", "error": "bad", "cause": "x was wrong"}
		}
	}`

	t.Run("matching branch succeeds", func(t *testing.T) {
		r := newRig(t)
		ctx := context.Background()
		_, _, err := r.registry.Start(ctx, ExecRequest{
			RunID: "s2a", Mode: store.ModeDeferred,
			Input: map[string]interface{}{"x": float64(1)}, DSL: mustParse(t, doc),
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		exec, _ := r.st.GetExecution(ctx, "s2a")
		if exec.Status != store.StatusCompleted {
			t.Fatalf("status = %s, want COMPLETED", exec.Status)
		}
		if _, err := r.st.GetStateRecord(ctx, "s2a", "Fail1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Fail1 must never be entered, got err=%v", err)
		}
	})

	t.Run("default branch fails the run", func(t *testing.T) {
		r := newRig(t)
		ctx := context.Background()
		_, _, err := r.registry.Start(ctx, ExecRequest{
			RunID: "s2b", Mode: store.ModeDeferred,
			Input: map[string]interface{}{"x": float64(2)}, DSL: mustParse(t, doc),
		})
		if err == nil {
			t.Fatal("expected the fail state to surface an error")
		}
		exec, _ := r.st.GetExecution(ctx, "s2b")
		if exec.Status != store.StatusFailed {
			t.Fatalf("status = %s, want FAILED", exec.Status)
		}
		rec, err := r.st.GetStateRecord(ctx, "s2b", "Fail1")
		if err != nil {
			t.Fatalf("Fail1 record: %v", err)
		}
		if rec.Status != store.StateFailed || rec.Error == "" {
			t.Errorf("Fail1 record = %+v", rec)
		}
	})
}

// A deferred Task enqueues one pending QueueTask, suspends, and resumes
// through a TaskCompleted signal.
func TestDeferredTaskEnqueueResume(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {"T1": {"type": "task", "resource": "echo", "end": true}}
	}`)

	e, result, err := r.registry.Start(ctx, ExecRequest{
		RunID: "s3", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !result.IsBlocking || e.Finished() {
		t.Fatal("task should suspend the run")
	}

	pending, err := r.st.FindQueueTasksByStatus(ctx, "default", store.TaskPending, 10, 0)
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(pending))
	}
	if pending[0].RunID != "s3" || pending[0].StateName != "T1" || pending[0].Resource != "echo" {
		t.Fatalf("queue task = %+v", pending[0])
	}

	if _, err := r.registry.Deliver(ctx, "s3", Signal{
		Kind: SigTaskCompleted, RunID: "s3", StateName: "T1",
		Output: map[string]interface{}{"_ran": "tool::echo"},
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	exec, _ := r.st.GetExecution(ctx, "s3")
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", exec.Status)
	}
	finalCtx := contextOf(t, r.st, "s3")
	if finalCtx["_ran"] != "tool::echo" || len(finalCtx) != 1 {
		t.Fatalf("final context = %v, want {_ran: tool::echo}", finalCtx)
	}
	if _, ok := r.registry.Get("s3"); ok {
		t.Error("finished engine should be evicted from the registry")
	}
}

// Input mapping shapes the task payload; output mapping controls what
// of the task result lands back in the context.
func TestTaskInputOutputMapping(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T",
		"states": {
			"T": {
				"type": "task", "resource": "echo", "end": true,
				"inputMapping": {"mappings": [
					{"key": "uid", "kind": "jsonPath", "source": "$.u.id"},
					{"key": "msg", "kind": "constant", "value": "hi"}
				]},
				"outputMapping": {"mappings": [
					{"key": "c", "kind": "jsonPath", "source": "$._ran", "mergeStrategy": "overwrite"}
				]}
			}
		}
	}`)

	_, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "s4", Mode: store.ModeDeferred,
		Input: map[string]interface{}{"u": map[string]interface{}{"id": float64(42), "name": "Bob"}},
		DSL:   d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	pending, _ := r.st.FindQueueTasksByStatus(ctx, "default", store.TaskPending, 10, 0)
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(pending))
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(pending[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["uid"] != float64(42) || payload["msg"] != "hi" {
		t.Fatalf("payload = %v", payload)
	}

	if _, err := r.registry.Deliver(ctx, "s4", Signal{
		Kind: SigTaskCompleted, RunID: "s4", StateName: "T",
		Output: map[string]interface{}{"_ran": "tool::echo"},
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	finalCtx := contextOf(t, r.st, "s4")
	if finalCtx["c"] != "tool::echo" {
		t.Errorf("c = %v, want tool::echo", finalCtx["c"])
	}
	if _, ok := finalCtx["u"]; !ok {
		t.Errorf("u should survive, got %v", finalCtx)
	}
	if _, ok := finalCtx["uid"]; ok {
		t.Errorf("uid is task input, not context: %v", finalCtx)
	}
	if _, ok := finalCtx["msg"]; ok {
		t.Errorf("msg is task input, not context: %v", finalCtx)
	}
}

// Map fans out one child per item with at most max_concurrency READY,
// then joins results back into the parent context.
func TestMapFanOutAndJoin(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "M",
		"states": {
			"M": {
				"type": "map", "end": true,
				"itemsPath": "$.items", "itemContextKey": "item", "maxConcurrency": 2,
				"iterator": {"startAt": "Emit", "states": {"Emit": {"type": "succeed"}}}
			}
		}
	}`)

	_, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "s5", Mode: store.ModeDeferred,
		Input: map[string]interface{}{"items": []interface{}{float64(1), float64(2), float64(3)}},
		DSL:   d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	exec, _ := r.st.GetExecution(ctx, "s5")
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", exec.Status)
	}

	children, err := r.st.FindSubflowsByParent(ctx, "s5", "M")
	if err != nil {
		t.Fatalf("find subflows: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
	for _, child := range children {
		if child.Status != store.StatusCompleted {
			t.Errorf("child %s status = %s, want COMPLETED", child.RunID, child.Status)
		}
	}

	finalCtx := contextOf(t, r.st, "s5")
	results, ok := finalCtx["result"].([]interface{})
	if !ok || len(results) != 3 {
		t.Fatalf("result = %#v, want 3 entries", finalCtx["result"])
	}
	for i, raw := range results {
		childCtx, ok := raw.(map[string]interface{})
		if !ok {
			t.Fatalf("result[%d] = %#v", i, raw)
		}
		if childCtx["item"] != float64(i+1) {
			t.Errorf("result[%d].item = %v, want %d", i, childCtx["item"], i+1)
		}
	}
}

// Without a child starter the fan-out stays durable only: READY up to
// max_concurrency, the rest WAITING.
func TestMapConcurrencyGate(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	iterator := dsl.Branch{
		StartAt: "Emit",
		States:  map[string]dsl.State{"Emit": {Kind: dsl.KindSucceed, Succeed: &dsl.SucceedState{}}},
	}
	state := dsl.State{Kind: dsl.KindMap, Map: &dsl.MapState{
		ItemsPath: "$.items", ItemContextKey: "item", MaxConcurrency: 2, Iterator: iterator,
	}}

	scope := Scope{
		Ctx: ctx, RunID: "gate", StateName: "M", State: state,
		Context: Context{"items": []interface{}{float64(1), float64(2), float64(3)}},
		Store:   st,
	}
	result := MapHandler{}.Handle(scope, Command{Kind: CmdMap})
	if result.Err != nil {
		t.Fatalf("Handle: %v", result.Err)
	}
	if !result.IsBlocking {
		t.Fatal("map must block until children join")
	}

	children, _ := st.FindSubflowsByParent(ctx, "gate", "M")
	ready, waiting := 0, 0
	for _, c := range children {
		switch c.Status {
		case store.StatusReady:
			ready++
		case store.StatusWaiting:
			waiting++
		}
	}
	if ready != 2 || waiting != 1 {
		t.Fatalf("ready=%d waiting=%d, want 2/1", ready, waiting)
	}
}

// Parallel runs every branch and lands the results under
// parallelResult.
func TestParallelFanOutAndJoin(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "P",
		"states": {
			"P": {
				"type": "parallel", "end": true,
				"branches": [
					{"startAt": "A", "states": {"A": {"type": "pass", "result": {"branch": "a"}, "end": true}}},
					{"startAt": "B", "states": {"B": {"type": "pass", "result": {"branch": "b"}, "end": true}}}
				]
			}
		}
	}`)

	_, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "par", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	exec, _ := r.st.GetExecution(ctx, "par")
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", exec.Status)
	}
	finalCtx := contextOf(t, r.st, "par")
	results, ok := finalCtx["parallelResult"].([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("parallelResult = %#v, want 2 entries", finalCtx["parallelResult"])
	}
}

// A failed child propagates FAILED to the Map parent.
func TestMapChildFailurePropagates(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "M",
		"states": {
			"M": {
				"type": "map", "end": true,
				"itemsPath": "$.items", "itemContextKey": "item",
				"iterator": {"startAt": "Boom", "states": {"Boom": {"type": "fail", "error": "child down"}}}
			}
		}
	}`)

	_, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "mfail", Mode: store.ModeDeferred,
		Input: map[string]interface{}{"items": []interface{}{float64(1)}},
		DSL:   d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	exec, _ := r.st.GetExecution(ctx, "mfail")
	if exec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
}

// A duplicate TaskCompleted for an already-completed run is a no-op.
func TestDuplicateTaskCompletedIsNoop(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {"T1": {"type": "task", "resource": "echo", "end": true}}
	}`)

	if _, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "dup", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sig := Signal{Kind: SigTaskCompleted, RunID: "dup", StateName: "T1",
		Output: map[string]interface{}{"_ran": "x"}}

	if _, err := r.registry.Deliver(ctx, "dup", sig); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	if _, err := r.registry.Deliver(ctx, "dup", sig); err != nil {
		t.Fatalf("duplicate Deliver should be a no-op: %v", err)
	}

	exec, _ := r.st.GetExecution(ctx, "dup")
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", exec.Status)
	}
}

// A signal naming the wrong state is rejected without changing state.
func TestMismatchedSignalRejected(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {"T1": {"type": "task", "resource": "echo", "end": true}}
	}`)

	if _, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "mm", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := r.registry.Deliver(ctx, "mm", Signal{
		Kind: SigTaskCompleted, RunID: "mm", StateName: "Other",
	})
	if !errors.Is(err, ErrMismatchedSignal) {
		t.Fatalf("err = %v, want ErrMismatchedSignal", err)
	}
	exec, _ := r.st.GetExecution(ctx, "mm")
	if exec.Status != store.StatusRunning {
		t.Fatalf("status = %s, mismatched signal must not change state", exec.Status)
	}
}

// TaskFailed marks the state and the run FAILED.
func TestTaskFailedSignal(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {"T1": {"type": "task", "resource": "echo", "end": true}}
	}`)

	if _, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "tf", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := r.registry.Deliver(ctx, "tf", Signal{
		Kind: SigTaskFailed, RunID: "tf", StateName: "T1", ErrMsg: "worker exploded",
	})
	if err == nil {
		t.Fatal("expected the failure to surface")
	}
	exec, _ := r.st.GetExecution(ctx, "tf")
	if exec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
	rec, _ := r.st.GetStateRecord(ctx, "tf", "T1")
	if rec.Status != store.StateFailed {
		t.Fatalf("state record = %+v", rec)
	}
}

// TaskCancelled drives the run to CANCELLED and evicts the engine.
func TestTaskCancelledSignal(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {"T1": {"type": "task", "resource": "echo", "end": true}}
	}`)

	if _, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "tc", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := r.registry.Deliver(ctx, "tc", Signal{
		Kind: SigTaskCancelled, RunID: "tc", StateName: "T1", ErrMsg: "operator request",
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	exec, _ := r.st.GetExecution(ctx, "tc")
	if exec.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", exec.Status)
	}
	if exec.CloseTime == nil {
		t.Fatal("cancelled run must carry close_time")
	}
	if _, ok := r.registry.Get("tc"); ok {
		t.Error("cancelled engine should be evicted")
	}
}

// A restarted process (fresh registry over the same store) can resume
// a suspended run purely from storage.
func TestRestoreAcrossRestart(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {
			"T1": {"type": "task", "resource": "echo", "next": "Done"},
			"Done": {"type": "pass", "result": {"resumed": true}, "end": true}
		}
	}`)

	boot := func() *Registry {
		dispatcher := NewDispatcher(emit.NewNullEmitter(), st, DispatchImmediate, 0)
		hybrid := match.NewHybrid(
			match.NewMemory(),
			match.NewPersistent(st, match.DefaultRetryPolicy, 10*time.Millisecond),
		)
		return NewRegistry(st, hybrid, dispatcher, DefaultHandlers(""), DefaultRetryPolicy)
	}

	first := boot()
	if _, _, err := first.Start(ctx, ExecRequest{
		RunID: "restart", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Second process: nothing resident, everything from storage.
	second := boot()
	if _, ok := second.Get("restart"); ok {
		t.Fatal("fresh registry must start empty")
	}
	if _, err := second.Deliver(ctx, "restart", Signal{
		Kind: SigTaskCompleted, RunID: "restart", StateName: "T1",
		Output: map[string]interface{}{"_ran": "tool::echo"},
	}); err != nil {
		t.Fatalf("Deliver after restart: %v", err)
	}

	exec, _ := st.GetExecution(ctx, "restart")
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", exec.Status)
	}
	finalCtx := contextOf(t, st, "restart")
	if finalCtx["resumed"] != true {
		t.Fatalf("final context = %v", finalCtx)
	}
}

func TestPauseAndResume(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "W",
		"states": {
			"W": {"type": "wait", "seconds": 3600, "next": "Done"},
			"Done": {"type": "pass", "end": true}
		}
	}`)

	e, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "pr", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	exec, _ := r.st.GetExecution(ctx, "pr")
	if exec.Status != store.StatusPaused {
		t.Fatalf("status = %s, want PAUSED", exec.Status)
	}
	if !e.Finished() {
		t.Fatal("paused engine must report finished for eviction")
	}

	if err := Resume(ctx, "pr", r.st); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	exec, _ = r.st.GetExecution(ctx, "pr")
	if exec.Status != store.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", exec.Status)
	}

	// Resuming a run that is not paused fails loudly.
	if err := Resume(ctx, "pr", r.st); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

// Re-driving a suspended engine must not duplicate side effects.
func TestAdvanceIdempotentWhileBlocked(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {"T1": {"type": "task", "resource": "echo", "end": true}}
	}`)

	e, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "idem", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := e.AdvanceUntilBlocked(ctx); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	pending, _ := r.st.FindQueueTasksByStatus(ctx, "default", store.TaskPending, 10, 0)
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, re-advance must not re-enqueue", len(pending))
	}

	rec, _ := r.st.GetStateRecord(ctx, "idem", "T1")
	if rec.Status != store.StateStarted {
		t.Fatalf("blocked state record = %s, want STARTED", rec.Status)
	}
}

// One StateRecord per entered state; input written exactly once.
func TestStateRecordsWrittenOncePerState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "A",
		"states": {
			"A": {"type": "pass", "result": {"a": 1}, "next": "B"},
			"B": {"type": "pass", "result": {"b": 2}, "end": true}
		}
	}`)

	if _, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "recs", Mode: store.ModeDeferred,
		Input: map[string]interface{}{"seed": true}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	records, err := r.st.FindStateRecords(ctx, "recs")
	if err != nil {
		t.Fatalf("find records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Status != store.StateCompleted {
			t.Errorf("record %s = %s, want COMPLETED", rec.StateName, rec.Status)
		}
		if len(rec.Input) == 0 {
			t.Errorf("record %s missing input", rec.StateName)
		}
		if rec.CompletedAt == nil || rec.CompletedAt.Before(rec.StartedAt) {
			t.Errorf("record %s timestamps invalid: %+v", rec.StateName, rec)
		}
	}
}

// A duplicate TaskCompleted for the previous task state, arriving
// after the engine moved on, is recognized as late rather than
// mismatched.
func TestLateTaskCompletedForPreviousTaskState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	d := mustParse(t, `{
		"startAt": "T1",
		"states": {
			"T1": {"type": "task", "resource": "echo", "next": "W"},
			"W": {"type": "wait", "seconds": 3600, "next": "Done"},
			"Done": {"type": "pass", "end": true}
		}
	}`)

	if _, _, err := r.registry.Start(ctx, ExecRequest{
		RunID: "late", Mode: store.ModeDeferred, Input: map[string]interface{}{}, DSL: d,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sig := Signal{Kind: SigTaskCompleted, RunID: "late", StateName: "T1",
		Output: map[string]interface{}{"done": true}}
	if _, err := r.registry.Deliver(ctx, "late", sig); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}

	// The run is now suspended on the wait; re-delivering T1's
	// completion must be a silent no-op.
	if _, err := r.registry.Deliver(ctx, "late", sig); err != nil {
		t.Fatalf("late duplicate should not error: %v", err)
	}
	exec, _ := r.st.GetExecution(ctx, "late")
	if exec.Status != store.StatusRunning || exec.CurrentState != "W" {
		t.Fatalf("exec = %s/%s, want RUNNING at W", exec.Status, exec.CurrentState)
	}
}
