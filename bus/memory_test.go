package bus

import (
	"context"
	"testing"
)

func TestMemoryPublishTaskFinishedFansOut(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got []TaskFinished
	sub, err := m.SubscribeTaskFinished(ctx, func(msg TaskFinished) {
		got = append(got, msg)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := TaskFinished{RunID: "r1", StateName: "T1", Status: "SUCCEEDED", Result: "ok"}
	if err := m.PublishTaskFinished(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "r1" || got[0].Status != "SUCCEEDED" {
		t.Fatalf("got = %v", got)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := m.PublishTaskFinished(ctx, msg); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unsubscribed handler still invoked: %d", len(got))
	}
}

func TestMemoryMultipleSubscribers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	count := 0
	for i := 0; i < 3; i++ {
		if _, err := m.SubscribeTaskFinished(ctx, func(TaskFinished) { count++ }); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if err := m.PublishTaskFinished(ctx, TaskFinished{RunID: "r"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want every subscriber invoked", count)
	}
}

func TestMemoryNoOpChannels(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.PublishEngineEvent(ctx, EngineEventMsg{RunID: "r", Kind: "NodeEnter"}); err != nil {
		t.Fatalf("engine event publish: %v", err)
	}
	if err := m.PublishTaskReady(ctx, "q", "t1"); err != nil {
		t.Fatalf("task ready publish: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
