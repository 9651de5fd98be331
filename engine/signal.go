package engine

import (
	"sync"
	"time"

	"github.com/dshills/stateflow/store"
)

// SignalKind identifies which external event a Signal carries.
type SignalKind string

const (
	SigTaskCompleted   SignalKind = "TaskCompleted"
	SigTaskFailed      SignalKind = "TaskFailed"
	SigTaskCancelled   SignalKind = "TaskCancelled"
	SigTimerFired      SignalKind = "TimerFired"
	SigSubflowFinished SignalKind = "SubflowFinished"
	SigHeartbeat       SignalKind = "Heartbeat"
)

// SubflowFinished is the payload of a SubflowFinished signal: one child
// run (a Map item or Parallel branch) reaching a terminal status.
type SubflowFinished struct {
	ParentRunID     string
	ParentStateName string
	ChildRunID      string
	BranchIndex     int
	Status          store.ExecutionStatus
	Result          interface{}
	Error           string
}

// Signal is the tagged union the engine's mailbox carries. Only the fields
// relevant to Kind are populated.
type Signal struct {
	Kind      SignalKind
	RunID     string
	StateName string // the state_name this signal resolves
	TaskID    string
	Output    interface{} // TaskCompleted: raw task output
	ErrMsg    string      // TaskFailed: failure reason
	TimerID   string      // TimerFired
	At        time.Time   // TimerFired fire time, or Heartbeat seen-at
	Subflow   *SubflowFinished
}

// SignalMailbox is the per-engine unbounded FIFO signal channel. It
// is backed by a growable slice rather than a buffered Go channel so
// Send never blocks even when nothing is currently receiving.
type SignalMailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Signal
	closed bool
}

// NewSignalMailbox returns an empty, open mailbox.
func NewSignalMailbox() *SignalMailbox {
	m := &SignalMailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Send appends sig to the mailbox and wakes one waiting Recv.
func (m *SignalMailbox) Send(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, sig)
	m.cond.Signal()
}

// Recv blocks until a signal is available or the mailbox is closed, in
// which case ok is false.
func (m *SignalMailbox) Recv() (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return Signal{}, false
	}
	sig := m.queue[0]
	m.queue = m.queue[1:]
	return sig, true
}

// TryRecv is the non-blocking variant HandleNextSignal uses to drain the
// mailbox without stalling AdvanceUntilBlocked.
func (m *SignalMailbox) TryRecv() (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Signal{}, false
	}
	sig := m.queue[0]
	m.queue = m.queue[1:]
	return sig, true
}

// Close unblocks any pending Recv and marks the mailbox closed; further
// Sends are silently dropped since a closed mailbox belongs to a removed
// Engine.
func (m *SignalMailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

// Len reports the number of signals currently queued, used by metrics.
func (m *SignalMailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
