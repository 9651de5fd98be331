// Package llmworker implements an external worker process that polls
// the orchestrator for Task states whose resource is "llm:anthropic",
// runs the requested chat completion, and reports the result back over
// the worker protocol.
// The worker is deliberately outside the engine: the orchestrator
// decides when a task runs, the worker decides how. Any number of
// worker processes may poll the same queue; the Match Service hands
// each task to exactly one of them.
package llmworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Resource is the Task resource string this worker advertises.
const Resource = "llm:anthropic"

// PollRequest is the wire shape of a worker poll.
type PollRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
}

// PollResponse is the orchestrator's answer to a poll.
type PollResponse struct {
	HasTask          bool                   `json:"has_task"`
	RunID            string                 `json:"run_id,omitempty"`
	StateName        string                 `json:"state_name,omitempty"`
	ToolType         string                 `json:"tool_type,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	TaskID           string                 `json:"task_id,omitempty"`
	HeartbeatSeconds int                    `json:"heartbeat_seconds,omitempty"`
}

// UpdateRequest reports a finished task. Status is "SUCCEEDED" or
// "FAILED" on the wire.
type UpdateRequest struct {
	RunID      string      `json:"run_id"`
	StateName  string      `json:"state_name"`
	Status     string      `json:"status"`
	Result     interface{} `json:"result"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	TaskID     string      `json:"task_id,omitempty"`
}

// UpdateResponse is the orchestrator's acknowledgement.
type UpdateResponse struct {
	Success bool                   `json:"success"`
	Context map[string]interface{} `json:"context,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Worker polls an orchestrator gateway, executes "llm:anthropic" tasks
// against a ChatModel, and posts results back.
type Worker struct {
	baseURL  string
	workerID string
	model    ChatModel
	client   *http.Client

	// PollTimeout bounds one long-poll round trip; the orchestrator
	// holds the request open while it waits on the Match Service.
	PollTimeout time.Duration
}

// New wires a Worker against the orchestrator at baseURL (e.g.
// "http://localhost:8080") using model to fulfill tasks.
func New(baseURL, workerID string, model ChatModel) *Worker {
	return &Worker{
		baseURL:     baseURL,
		workerID:    workerID,
		model:       model,
		client:      &http.Client{Timeout: 60 * time.Second},
		PollTimeout: 30 * time.Second,
	}
}

// Run polls until ctx is cancelled. A failed poll is logged and retried
// after a 2s backoff rather than killing the worker; a failed update is
// logged by execute and not resent. Task delivery is at-least-once, so
// the orchestrator tolerates a crashed worker re-polling.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := w.Poll(ctx)
		if err != nil {
			log.Printf("llmworker %s: poll: %v", w.workerID, err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if !resp.HasTask {
			continue
		}
		w.execute(ctx, resp)
	}
}

// Poll asks the orchestrator for one task matching this worker's
// capabilities. A response with HasTask=false means the poll window
// elapsed with nothing available.
func (w *Worker) Poll(ctx context.Context) (*PollResponse, error) {
	req := PollRequest{WorkerID: w.workerID, Capabilities: []string{Resource}}
	var resp PollResponse
	if err := w.postJSON(ctx, "/worker/poll", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Update posts a finished task's result.
func (w *Worker) Update(ctx context.Context, upd UpdateRequest) error {
	var resp UpdateResponse
	if err := w.postJSON(ctx, "/worker/update", upd, &resp); err != nil {
		return err
	}
	if !resp.Success && resp.Message != "" {
		return fmt.Errorf("llmworker: update rejected: %s", resp.Message)
	}
	return nil
}

// execute runs one polled task and reports the outcome. A model error
// becomes a FAILED update with the error string as the result; the
// orchestrator's retry policy decides whether the task runs again.
func (w *Worker) execute(ctx context.Context, task *PollResponse) {
	started := time.Now()
	out, err := w.runChat(ctx, task.Input)
	duration := time.Since(started).Milliseconds()

	upd := UpdateRequest{
		RunID:      task.RunID,
		StateName:  task.StateName,
		TaskID:     task.TaskID,
		DurationMS: duration,
	}
	if err != nil {
		upd.Status = "FAILED"
		upd.Result = err.Error()
	} else {
		upd.Status = "SUCCEEDED"
		upd.Result = out
	}

	if err := w.Update(ctx, upd); err != nil {
		log.Printf("llmworker %s: update %s/%s: %v", w.workerID, task.RunID, task.StateName, err)
	}
}

// runChat maps a task payload into a chat call. The payload carries
// either a bare "prompt" string or a full "messages" array, plus an
// optional "system" prompt.
func (w *Worker) runChat(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	messages, err := messagesFromInput(input)
	if err != nil {
		return nil, err
	}
	out, err := w.model.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"text":  out.Text,
		"model": out.Model,
	}
	if out.TokensIn > 0 || out.TokensOut > 0 {
		result["tokens_in"] = out.TokensIn
		result["tokens_out"] = out.TokensOut
	}
	return result, nil
}

// messagesFromInput builds the chat transcript from the task payload.
func messagesFromInput(input map[string]interface{}) ([]Message, error) {
	var messages []Message

	if system, ok := input["system"].(string); ok && system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}

	if prompt, ok := input["prompt"].(string); ok && prompt != "" {
		messages = append(messages, Message{Role: RoleUser, Content: prompt})
		return messages, nil
	}

	raw, ok := input["messages"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("llmworker: task payload has neither prompt nor messages")
	}
	for i, m := range raw {
		obj, ok := m.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("llmworker: messages[%d] is not an object", i)
		}
		role, _ := obj["role"].(string)
		content, _ := obj["content"].(string)
		if role == "" || content == "" {
			return nil, fmt.Errorf("llmworker: messages[%d] missing role or content", i)
		}
		messages = append(messages, Message{Role: Role(role), Content: content})
	}
	return messages, nil
}

func (w *Worker) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llmworker: marshal %s: %w", path, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, w.PollTimeout+10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llmworker: %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
