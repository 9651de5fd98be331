// Package dsl defines the declarative workflow graph that the engine
// executes: a WorkflowDSL made of named States connected by next/end
// transitions.
package dsl

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which of the eight state variants a State carries.
type Kind string

const (
	KindTask     Kind = "task"
	KindPass     Kind = "pass"
	KindWait     Kind = "wait"
	KindChoice   Kind = "choice"
	KindSucceed  Kind = "succeed"
	KindFail     Kind = "fail"
	KindParallel Kind = "parallel"
	KindMap      Kind = "map"
)

// BaseState carries the fields every state variant shares.
type BaseState struct {
	Comment       string      `json:"comment,omitempty"`
	InputMapping  *MappingDSL `json:"inputMapping,omitempty"`
	OutputMapping *MappingDSL `json:"outputMapping,omitempty"`
	Retry         *RetrySpec  `json:"retry,omitempty"`
	Catch         *CatchSpec  `json:"catch,omitempty"`
	Next          string      `json:"next,omitempty"`
	End           bool        `json:"end,omitempty"`
}

// RetrySpec is the DSL-level retry override attached to a state. The
// Task handler merges it over the registry's engine.RetryPolicy
// defaults and stamps the resulting MaxAttempts on the QueueTask; the
// Match Service persistent queue computes backoff from its own policy,
// so BaseDelayMS, MaxDelayMS and Multiplier here do not change retry
// timing.
type RetrySpec struct {
	MaxAttempts int     `json:"maxAttempts,omitempty"`
	BaseDelayMS int     `json:"baseDelayMs,omitempty"`
	MaxDelayMS  int     `json:"maxDelayMs,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
}

// CatchSpec declares the next state to transition to when a Task fails
// after retries are exhausted. It is parsed and stored with the state,
// but the engine does not consult it: a Task failure after retries
// marks the state FAILED and fails the whole execution.
type CatchSpec struct {
	ErrorEquals []string `json:"errorEquals,omitempty"`
	Next        string   `json:"next"`
}

// Heartbeat declares how a Task expects to receive liveness signals from
// the worker executing it. Fixed and expression forms are mutually
// exclusive; enforcement of missed heartbeats is an operator concern.
type Heartbeat struct {
	Seconds    int    `json:"seconds,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// TaskState drives one Task Command. Resource names an external worker
// capability (e.g. "tool:http", "llm:anthropic"); Parameters is passed
// through input mapping unchanged.
type TaskState struct {
	Base            BaseState              `json:"-"`
	Resource        string                 `json:"resource"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	ExecutionConfig map[string]interface{} `json:"executionConfig,omitempty"`
	Heartbeat       *Heartbeat             `json:"heartbeat,omitempty"`
}

// PassState passes Result through, optionally terminating the run.
type PassState struct {
	Base   BaseState              `json:"-"`
	Result map[string]interface{} `json:"result,omitempty"`
}

// WaitState suspends the run for Seconds, or until Timestamp (RFC3339).
// Seconds takes precedence when both are set.
type WaitState struct {
	Base      BaseState `json:"-"`
	Seconds   *int64    `json:"seconds,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// ChoiceBranch pairs a condition with the state to enter when it is true.
type ChoiceBranch struct {
	Condition ChoiceLogic `json:"condition"`
	Next      string      `json:"next"`
}

// ChoiceState evaluates Choices in order; DefaultNext is used if none
// match.
type ChoiceState struct {
	Base        BaseState      `json:"-"`
	Choices     []ChoiceBranch `json:"choices"`
	DefaultNext string         `json:"defaultNext,omitempty"`
}

// SucceedState is a terminal success state; its output is the full
// context at the point it is entered.
type SucceedState struct {
	Base BaseState `json:"-"`
}

// FailState is a terminal error state.
type FailState struct {
	Base  BaseState `json:"-"`
	Error string    `json:"error,omitempty"`
	Cause string    `json:"cause,omitempty"`
}

// Branch is a self-contained sub-graph used as a Map iterator or a
// Parallel branch.
type Branch struct {
	StartAt string           `json:"startAt"`
	States  map[string]State `json:"states"`
}

// MapState fans out over the items selected by ItemsPath, running
// Iterator once per item with up to MaxConcurrency children READY at
// once. ItemContextKey names the context key each child sees its item
// under.
type MapState struct {
	Base           BaseState `json:"-"`
	ItemsPath      string    `json:"itemsPath"`
	Iterator       Branch    `json:"iterator"`
	MaxConcurrency int       `json:"maxConcurrency,omitempty"`
	ItemContextKey string    `json:"itemContextKey"`
}

// ParallelState fans out over Branches, each becoming one child
// execution.
type ParallelState struct {
	Base           BaseState `json:"-"`
	Branches       []Branch  `json:"branches"`
	MaxConcurrency int       `json:"maxConcurrency,omitempty"`
}

// State is the tagged union over the eight state kinds. Only the field
// matching Kind is populated.
type State struct {
	Kind     Kind
	Base     BaseState
	Task     *TaskState
	Pass     *PassState
	Wait     *WaitState
	Choice   *ChoiceState
	Succeed  *SucceedState
	Fail     *FailState
	Parallel *ParallelState
	Map      *MapState
}

// WorkflowDSL is the immutable graph the engine executes: one start
// state and a set of named states reachable from it.
type WorkflowDSL struct {
	Comment       string                 `json:"comment,omitempty"`
	Version       string                 `json:"version,omitempty"`
	StartAt       string                 `json:"startAt"`
	GlobalConfig  map[string]interface{} `json:"globalConfig,omitempty"`
	ErrorHandling map[string]interface{} `json:"errorHandling,omitempty"`
	States        map[string]State       `json:"states"`
}

// StateByName returns the state and an error compatible with the
// engine's typed errors if the name is absent.
func (d *WorkflowDSL) StateByName(name string) (*State, error) {
	st, ok := d.States[name]
	if !ok {
		return nil, fmt.Errorf("state %q not found", name)
	}
	return &st, nil
}

// rawState is the on-the-wire shape: BaseState fields flattened
// alongside a "type" discriminator and the kind-specific fields, all at
// the same JSON level.
type rawState struct {
	Type string `json:"type"`
	BaseState
	Resource        string                 `json:"resource,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	ExecutionConfig map[string]interface{} `json:"executionConfig,omitempty"`
	Heartbeat       *Heartbeat             `json:"heartbeat,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Seconds         *int64                 `json:"seconds,omitempty"`
	Timestamp       string                 `json:"timestamp,omitempty"`
	Choices         []ChoiceBranch         `json:"choices,omitempty"`
	DefaultNext     string                 `json:"defaultNext,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Cause           string                 `json:"cause,omitempty"`
	ItemsPath       string                 `json:"itemsPath,omitempty"`
	Iterator        Branch                 `json:"iterator,omitempty"`
	MaxConcurrency  int                    `json:"maxConcurrency,omitempty"`
	ItemContextKey  string                 `json:"itemContextKey,omitempty"`
	Branches        []Branch               `json:"branches,omitempty"`
}

// UnmarshalJSON dispatches on the "type" discriminator into the matching
// variant, mirroring an internally-tagged enum.
func (s *State) UnmarshalJSON(b []byte) error {
	var raw rawState
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Base = raw.BaseState
	s.Kind = Kind(raw.Type)
	switch s.Kind {
	case KindTask:
		if raw.Resource == "" {
			return fmt.Errorf("task state missing required field resource")
		}
		s.Task = &TaskState{
			Base:            raw.BaseState,
			Resource:        raw.Resource,
			Parameters:      raw.Parameters,
			ExecutionConfig: raw.ExecutionConfig,
			Heartbeat:       raw.Heartbeat,
		}
	case KindPass:
		s.Pass = &PassState{Base: raw.BaseState, Result: raw.Result}
	case KindWait:
		s.Wait = &WaitState{Base: raw.BaseState, Seconds: raw.Seconds, Timestamp: raw.Timestamp}
	case KindChoice:
		if len(raw.Choices) == 0 && raw.DefaultNext == "" {
			return fmt.Errorf("choice state has no choices and no defaultNext")
		}
		s.Choice = &ChoiceState{Base: raw.BaseState, Choices: raw.Choices, DefaultNext: raw.DefaultNext}
	case KindSucceed:
		s.Succeed = &SucceedState{Base: raw.BaseState}
	case KindFail:
		s.Fail = &FailState{Base: raw.BaseState, Error: raw.Error, Cause: raw.Cause}
	case KindParallel:
		s.Parallel = &ParallelState{Base: raw.BaseState, Branches: raw.Branches, MaxConcurrency: raw.MaxConcurrency}
	case KindMap:
		s.Map = &MapState{
			Base:           raw.BaseState,
			ItemsPath:      raw.ItemsPath,
			Iterator:       raw.Iterator,
			MaxConcurrency: raw.MaxConcurrency,
			ItemContextKey: raw.ItemContextKey,
		}
	default:
		return fmt.Errorf("unknown state type %q", raw.Type)
	}
	return nil
}

// MarshalJSON re-flattens a State back into the single-object wire
// shape consumed by UnmarshalJSON.
func (s State) MarshalJSON() ([]byte, error) {
	raw := rawState{Type: string(s.Kind), BaseState: s.Base}
	switch s.Kind {
	case KindTask:
		raw.Resource = s.Task.Resource
		raw.Parameters = s.Task.Parameters
		raw.ExecutionConfig = s.Task.ExecutionConfig
		raw.Heartbeat = s.Task.Heartbeat
	case KindPass:
		raw.Result = s.Pass.Result
	case KindWait:
		raw.Seconds = s.Wait.Seconds
		raw.Timestamp = s.Wait.Timestamp
	case KindChoice:
		raw.Choices = s.Choice.Choices
		raw.DefaultNext = s.Choice.DefaultNext
	case KindFail:
		raw.Error = s.Fail.Error
		raw.Cause = s.Fail.Cause
	case KindParallel:
		raw.Branches = s.Parallel.Branches
		raw.MaxConcurrency = s.Parallel.MaxConcurrency
	case KindMap:
		raw.ItemsPath = s.Map.ItemsPath
		raw.Iterator = s.Map.Iterator
		raw.MaxConcurrency = s.Map.MaxConcurrency
		raw.ItemContextKey = s.Map.ItemContextKey
	}
	return json.Marshal(raw)
}
