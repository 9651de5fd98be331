package engine

import (
	"encoding/json"
	"log"
	"time"

	"github.com/dshills/stateflow/store"
	"github.com/google/uuid"
)

// TaskHandler implements the Task state: it builds a
// QueueTask from the state's execution_config and hands it to the Match
// Service. The state does not complete here; it blocks until
// TaskCompleted/TaskFailed arrives on the engine's mailbox.
type TaskHandler struct {
	// DefaultQueue names the queue a Task uses when execution_config
	// does not set one.
	DefaultQueue string
}

// NewTaskHandler returns a TaskHandler, defaulting DefaultQueue to
// "default" when empty.
func NewTaskHandler(defaultQueue string) *TaskHandler {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	return &TaskHandler{DefaultQueue: defaultQueue}
}

func (h *TaskHandler) Handle(scope Scope, cmd Command) StateExecutionResult {
	task := scope.State.Task
	queue := h.DefaultQueue
	priority := 0
	timeoutSec := 0

	if task.ExecutionConfig != nil {
		if q, ok := task.ExecutionConfig["queue"].(string); ok && q != "" {
			queue = q
		}
		// A mistyped priority/timeout is dropped with a log line rather
		// than failing the state.
		if raw, present := task.ExecutionConfig["priority"]; present {
			if p, ok := raw.(float64); ok {
				priority = clampPriority(int(p))
			} else {
				log.Printf("engine: task %s/%s: ignoring non-numeric priority %v", scope.RunID, scope.StateName, raw)
			}
		}
		if raw, present := task.ExecutionConfig["timeoutSeconds"]; present {
			if t, ok := raw.(float64); ok && t >= 0 {
				timeoutSec = int(t)
			} else {
				log.Printf("engine: task %s/%s: ignoring invalid timeoutSeconds %v", scope.RunID, scope.StateName, raw)
			}
		}
	}

	retry := scope.RetryDefaults.WithOverride(scope.State.Base.Retry)

	payload, err := json.Marshal(scope.RawInput)
	if err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "marshal task input", Cause: err}}
	}

	qt := &store.QueueTask{
		TaskID:      uuid.NewString(),
		RunID:       scope.RunID,
		StateName:   scope.StateName,
		Queue:       queue,
		Resource:    cmd.Resource,
		Payload:     payload,
		Status:      store.TaskPending,
		MaxAttempts: retry.MaxAttempts,
		Priority:    priority,
		TimeoutSec:  timeoutSec,
		QueuedAt:    time.Now().UTC(),
	}
	if _, err := scope.Match.Enqueue(scope.Ctx, queue, qt); err != nil {
		return StateExecutionResult{Err: &HandlerError{StateName: scope.StateName, Message: "enqueue task", Cause: err}}
	}

	return StateExecutionResult{
		Output:         scope.RawInput,
		IsBlocking:     true,
		ShouldContinue: true,
		Metadata:       map[string]interface{}{"task_id": qt.TaskID, "queue": queue},
	}
}

// clampPriority bounds a declared priority to one unsigned byte, the
// range the queue's priority buckets are defined over.
func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return p
}
