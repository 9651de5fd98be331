package emit

// Event is one observation of a workflow run's lifecycle, produced by
// the engine's event dispatcher:
//   - run start/finish (WorkflowStarted, WorkflowFinished)
//   - state transitions (NodeEnter, NodeSuccess, NodeFailed,
//     NodeCancelled, NodeExit)
//   - task queue activity (TaskReady, TaskFinished)
//   - subflow fan-out (SubflowReady, SubflowFinished)
//
// Events are handed to an Emitter, which can log them, convert them to
// OpenTelemetry spans, or buffer them for inspection.
type Event struct {
	// RunID identifies the workflow execution that produced this event.
	RunID string

	// Kind is the lifecycle event name (e.g. "NodeEnter", "TaskReady",
	// "WorkflowFinished").
	Kind string

	// StateName identifies the DSL state this event concerns. Empty for
	// run-level events.
	StateName string

	// Meta carries additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": state execution duration in milliseconds
	//   - "error": failure details for NodeFailed
	//   - "status": terminal status on WorkflowFinished
	//   - "task_id": the QueueTask a TaskReady refers to
	Meta map[string]interface{}
}
