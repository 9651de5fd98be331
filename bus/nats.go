package bus

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// subjectPrefix namespaces every subject this package publishes/
// subscribes under, so one NATS cluster can host multiple orchestrator
// deployments without subject collisions.
const subjectPrefix = "orchestrator."

var propagator = propagation.TraceContext{}

// NATS is the distributed Bus implementation, adapted
// from the pack's natsctx.Publish/Subscribe helpers: the same
// traceparent-injection-on-publish, span-per-consume shape, generalized
// from one bare subject/handler pair to the three subjects this bus
// contract needs.
type NATS struct {
	conn *nats.Conn
}

// NewNATS wires a Bus on top of an already-connected *nats.Conn. The
// caller owns the connection's lifecycle beyond Close.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

func (b *NATS) publish(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", subject, err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return b.conn.PublishMsg(msg)
}

func (b *NATS) PublishEngineEvent(ctx context.Context, ev EngineEventMsg) error {
	return b.publish(ctx, subjectPrefix+"events."+ev.RunID, ev)
}

func (b *NATS) PublishTaskReady(ctx context.Context, queue string, taskID string) error {
	return b.publish(ctx, subjectPrefix+"task_ready."+queue, map[string]string{"task_id": taskID, "queue": queue})
}

func (b *NATS) PublishTaskFinished(ctx context.Context, msg TaskFinished) error {
	return b.publish(ctx, subjectPrefix+"task_finished", msg)
}

type natsSubscription struct{ sub *nats.Subscription }

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

// SubscribeTaskFinished wraps nc.Subscribe the way natsctx.Subscribe
// does: extract the injected trace context per message and start a
// consumer span around the handler call.
func (b *NATS) SubscribeTaskFinished(ctx context.Context, handler func(TaskFinished)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectPrefix+"task_finished", func(m *nats.Msg) {
		spanCtx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("orchestrator-bus")
		_, span := tr.Start(spanCtx, "nats.consume.task_finished", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var msg TaskFinished
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			span.RecordError(err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe task_finished: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATS) Close() error {
	b.conn.Close()
	return nil
}
