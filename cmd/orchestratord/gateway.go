package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dshills/stateflow/dsl"
	"github.com/dshills/stateflow/engine"
	"github.com/dshills/stateflow/match"
	"github.com/dshills/stateflow/store"
	"github.com/google/uuid"
)

// pollRequest and friends are the worker-protocol wire shapes. Status
// words on the wire are SUCCEEDED/FAILED; the QueueTask rows underneath
// use completed/failed, and this gateway maps between the two.
type pollRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
}

type pollResponse struct {
	HasTask          bool                   `json:"has_task"`
	RunID            string                 `json:"run_id,omitempty"`
	StateName        string                 `json:"state_name,omitempty"`
	ToolType         string                 `json:"tool_type,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	TaskID           string                 `json:"task_id,omitempty"`
	HeartbeatSeconds int                    `json:"heartbeat_seconds,omitempty"`
}

type updateRequest struct {
	RunID      string      `json:"run_id"`
	StateName  string      `json:"state_name"`
	Status     string      `json:"status"`
	Result     interface{} `json:"result"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	TaskID     string      `json:"task_id,omitempty"`
}

type updateResponse struct {
	Success bool                   `json:"success"`
	Context map[string]interface{} `json:"context,omitempty"`
	Message string                 `json:"message,omitempty"`
}

type startRequest struct {
	RunID string                 `json:"run_id,omitempty"`
	DSL   json.RawMessage        `json:"dsl"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type startResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Gateway is the worker-facing HTTP surface plus a minimal run-start
// endpoint for operating the daemon without a separate control plane.
type Gateway struct {
	store       store.Store
	match       match.Service
	registry    *engine.Registry
	runner      *engine.Runner
	defaultQ    string
	pollTimeout time.Duration
}

// NewGateway wires the HTTP handlers against the daemon's collaborators.
func NewGateway(st store.Store, m match.Service, registry *engine.Registry, runner *engine.Runner, defaultQueue string, pollTimeout time.Duration) *Gateway {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Gateway{
		store:       st,
		match:       m,
		registry:    registry,
		runner:      runner,
		defaultQ:    defaultQueue,
		pollTimeout: pollTimeout,
	}
}

// Register attaches the gateway's routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("/worker/poll", g.handlePoll)
	mux.HandleFunc("/worker/update", g.handleUpdate)
	mux.HandleFunc("/runs", g.handleStart)
}

// handlePoll long-polls the Match Service on behalf of the worker. Each
// capability is treated as a queue name, with the default queue always
// tried last, splitting the poll window evenly across them.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid poll body: %v", err)
		return
	}
	if req.WorkerID == "" {
		httpError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	queues := append([]string{}, req.Capabilities...)
	queues = appendUnique(queues, g.defaultQ)
	perQueue := g.pollTimeout / time.Duration(len(queues))

	for _, queue := range queues {
		task, err := g.match.Take(r.Context(), queue, req.WorkerID, perQueue)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "take: %v", err)
			return
		}
		if task == nil {
			continue
		}
		writeJSON(w, g.pollResponseFor(r, task))
		return
	}
	writeJSON(w, pollResponse{HasTask: false})
}

func (g *Gateway) pollResponseFor(r *http.Request, task *store.QueueTask) pollResponse {
	var input map[string]interface{}
	if len(task.Payload) > 0 {
		_ = json.Unmarshal(task.Payload, &input)
	}
	return pollResponse{
		HasTask:          true,
		RunID:            task.RunID,
		StateName:        task.StateName,
		ToolType:         task.Resource,
		Input:            input,
		TaskID:           task.TaskID,
		HeartbeatSeconds: g.heartbeatFor(r, task),
	}
}

// heartbeatFor surfaces the Task state's declared heartbeat interval to
// the worker, best-effort: a run whose DSL cannot be resolved simply
// gets no heartbeat hint.
func (g *Gateway) heartbeatFor(r *http.Request, task *store.QueueTask) int {
	exec, err := g.store.GetExecution(r.Context(), task.RunID)
	if err != nil || len(exec.DSLDefinition) == 0 {
		return 0
	}
	d, err := dsl.ParseJSON(exec.DSLDefinition)
	if err != nil {
		return 0
	}
	state, ok := d.States[task.StateName]
	if !ok || state.Task == nil || state.Task.Heartbeat == nil {
		return 0
	}
	return state.Task.Heartbeat.Seconds
}

// handleUpdate records a worker's terminal report and feeds the
// completion back into the owning engine. A FAILED report that still
// has retry budget flips the row to retrying and does not touch the
// engine; the task will be handed out again after its backoff.
func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid update body: %v", err)
		return
	}
	if req.RunID == "" || req.StateName == "" {
		httpError(w, http.StatusBadRequest, "run_id and state_name are required")
		return
	}

	now := time.Now().UTC()
	switch req.Status {
	case "SUCCEEDED":
		status := store.TaskCompleted
		if err := g.match.Finish(r.Context(), req.RunID, req.StateName, store.QueueTaskPatch{
			Status:      &status,
			CompletedAt: &now,
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "finish: %v", err)
			return
		}
		g.runner.HandleTaskFinished(r.Context(), engine.TaskFinishedEvent{
			RunID:     req.RunID,
			StateName: req.StateName,
			Status:    "SUCCEEDED",
			Result:    req.Result,
		})

	case "FAILED":
		errMsg := fmt.Sprintf("%v", req.Result)
		status := store.TaskFailed
		if err := g.match.Finish(r.Context(), req.RunID, req.StateName, store.QueueTaskPatch{
			Status:   &status,
			FailedAt: &now,
			Error:    &errMsg,
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "finish: %v", err)
			return
		}
		if g.willRetry(r, req) {
			writeJSON(w, updateResponse{Success: true, Message: "task scheduled for retry"})
			return
		}
		g.runner.HandleTaskFinished(r.Context(), engine.TaskFinishedEvent{
			RunID:     req.RunID,
			StateName: req.StateName,
			Status:    "FAILED",
			Result:    errMsg,
		})

	default:
		httpError(w, http.StatusBadRequest, "status must be SUCCEEDED or FAILED, got %q", req.Status)
		return
	}

	writeJSON(w, updateResponse{Success: true})
}

// willRetry reports whether the Match Service turned this failure into
// a retry instead of exhausting the task.
func (g *Gateway) willRetry(r *http.Request, req updateRequest) bool {
	if req.TaskID == "" {
		return false
	}
	task, err := g.store.GetQueueTask(r.Context(), req.TaskID)
	if err != nil {
		return false
	}
	return task.Status == store.TaskRetrying
}

// handleStart creates and drives a new run from an inline DSL document.
func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid start body: %v", err)
		return
	}
	d, err := dsl.ParseJSON(req.DSL)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid dsl: %v", err)
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	e, _, err := g.registry.Start(r.Context(), engine.ExecRequest{
		RunID: runID,
		Mode:  store.ModeDeferred,
		Input: req.Input,
		DSL:   d,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "start: %v", err)
		return
	}

	status := "RUNNING"
	if e.Finished() {
		if exec, err := g.store.GetExecution(r.Context(), runID); err == nil {
			status = string(exec.Status)
		}
	}
	writeJSON(w, startResponse{RunID: runID, Status: status})
}

func appendUnique(queues []string, q string) []string {
	for _, existing := range queues {
		if existing == q {
			return queues
		}
	}
	return append(queues, q)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: write response: %v", err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}
