package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus for single-process deployments and
// tests. It fans out each publish to every currently-registered
// subscriber synchronously, on the publisher's goroutine.
type Memory struct {
	mu              sync.Mutex
	taskFinishedSub map[int]func(TaskFinished)
	nextID          int
	closed          bool
}

// NewMemory returns an empty in-process Bus.
func NewMemory() *Memory {
	return &Memory{taskFinishedSub: make(map[int]func(TaskFinished))}
}

func (m *Memory) PublishEngineEvent(ctx context.Context, ev EngineEventMsg) error {
	// No subscribers for EngineEvent in the in-process bus: the
	// Dispatcher already fans these out directly via emit.Emitter, so
	// the bus channel exists for out-of-process observability only.
	return nil
}

// PublishTaskReady is a no-op for Memory: same-process workers read off
// match.Memory's condition-variable rendezvous directly and have no
// need for a TaskReady notification.
func (m *Memory) PublishTaskReady(ctx context.Context, queue string, taskID string) error {
	return nil
}

func (m *Memory) PublishTaskFinished(ctx context.Context, msg TaskFinished) error {
	m.mu.Lock()
	handlers := make([]func(TaskFinished), 0, len(m.taskFinishedSub))
	for _, h := range m.taskFinishedSub {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

type memSubscription struct {
	bus *Memory
	id  int
}

func (s *memSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.taskFinishedSub, s.id)
	return nil
}

func (m *Memory) SubscribeTaskFinished(ctx context.Context, handler func(TaskFinished)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.taskFinishedSub[id] = handler
	return &memSubscription{bus: m, id: id}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.taskFinishedSub = nil
	return nil
}
