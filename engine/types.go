package engine

import (
	"context"
	"encoding/json"

	"github.com/dshills/stateflow/dsl"
	"github.com/dshills/stateflow/store"
)

// Store is the subset of store.Store the engine depends on. Declared
// locally so handler code depends on an engine-owned interface rather
// than importing the full storage contract surface.
type Store = store.Store

// MatchEnqueuer is the Match Service capability the Task handler needs
// : enqueue a QueueTask and get back its task_id.
type MatchEnqueuer interface {
	Enqueue(ctx context.Context, queue string, task *store.QueueTask) (string, error)
}

// Context is the shared JSON document that flows between states. It is
// mutated only by the engine goroutine that owns it, so handlers receive
// and return plain maps rather than needing their own locking.
type Context = map[string]interface{}

// CommandKind identifies which of the eight commands step_once produced.
type CommandKind string

const (
	CmdExecuteTask CommandKind = "ExecuteTask"
	CmdWait        CommandKind = "Wait"
	CmdPass        CommandKind = "Pass"
	CmdChoice      CommandKind = "Choice"
	CmdSucceed     CommandKind = "Succeed"
	CmdFail        CommandKind = "Fail"
	CmdMap         CommandKind = "Map"
	CmdParallel    CommandKind = "Parallel"
)

// Command is the pure output of StepOnce, the Command Translator:
// "what to do next" for the current state, computed without touching
// storage.
type Command struct {
	Kind       CommandKind
	Resource   string      // ExecuteTask
	Seconds    int64       // Wait
	HasSeconds bool        // Wait: distinguishes seconds=0 from unset
	WaitUntil  string      // Wait, RFC3339
	Output     interface{} // Pass/Succeed
	FailErr    string      // Fail
	FailCause  string      // Fail
	Next       string      // non-terminal commands
	HasNext    bool
}

// Scope is the per-call context a Handler receives: everything it
// needs to do its work without holding a reference back to the Engine.
type Scope struct {
	Ctx           context.Context
	RunID         string
	StateName     string
	State         dsl.State
	Context       Context // the execution's shared context, after input mapping
	RawInput      interface{}
	Store         Store
	Match         MatchEnqueuer
	Dispatcher    *Dispatcher
	RetryDefaults RetryPolicy
	// StartChild launches a newly-READY Map/Parallel child's Engine
	//. Nil in contexts where no Registry is wired (e.g.
	// unit tests exercising a handler directly), in which case the
	// child Execution row still exists but waits for an external sweep
	// to pick it up.
	StartChild func(ctx context.Context, childRunID string)
}

// StateExecutionResult is what a Handler returns.
type StateExecutionResult struct {
	Output         interface{}
	NextState      string
	ShouldContinue bool
	IsBlocking     bool
	Metadata       map[string]interface{}
	Err            error
}

// Handler is implemented once per state kind.
type Handler interface {
	Handle(scope Scope, cmd Command) StateExecutionResult
}

// SubflowHandler is additionally implemented by Map and Parallel
// handlers to react to SubflowFinished signals.
type SubflowHandler interface {
	Handler
	OnSubflowFinished(scope Scope, sig SubflowFinished) StateExecutionResult
}

// RetryPolicy is the backoff policy applied by the Persistent Match
// store to failed QueueTasks.
type RetryPolicy struct {
	BaseDelayMS int
	Multiplier  float64
	MaxDelayMS  int
	MaxAttempts int
}

// DefaultRetryPolicy is the spec-fixed default.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelayMS: 5000,
	Multiplier:  2,
	MaxDelayMS:  30000,
	MaxAttempts: 3,
}

// WithOverride returns p with any non-zero field of override applied.
func (p RetryPolicy) WithOverride(override *dsl.RetrySpec) RetryPolicy {
	if override == nil {
		return p
	}
	out := p
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelayMS > 0 {
		out.BaseDelayMS = override.BaseDelayMS
	}
	if override.MaxDelayMS > 0 {
		out.MaxDelayMS = override.MaxDelayMS
	}
	if override.Multiplier > 0 {
		out.Multiplier = override.Multiplier
	}
	return out
}

// marshalOutput is the shared helper used whenever a handler or the
// engine needs to turn an arbitrary output value into the []byte the
// Store persists.
func marshalOutput(v interface{}) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// toEmitMeta adapts a handler/engine metadata map into emit.Event's
// Meta field, which is what the Log/OTel/Buffered emitters already
// know how to render.
func toEmitMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return m
}
