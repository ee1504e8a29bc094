package distributed

import (
	"context"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NatsPubSub implements the PubSub leg of Adapter over NATS subjects,
// grounded directly on libs/go/core/natsctx/natsctx.go: traceparent is
// injected into message headers on publish and extracted into a
// consumer span on delivery.
type NatsPubSub struct {
	conn       *nats.Conn
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

// NewNatsPubSub wraps an already-connected *nats.Conn.
func NewNatsPubSub(conn *nats.Conn) *NatsPubSub {
	return &NatsPubSub{
		conn:       conn,
		propagator: propagation.TraceContext{},
		tracer:     otel.Tracer("orchestrator-distributed"),
	}
}

// Publish injects the caller's trace context into NATS message headers
// before publishing, exactly as natsctx.Publish does. DeliveryMode is
// accepted for interface symmetry — NATS core pub/sub is at-most-once;
// AtLeastOnce/ExactlyOnce callers should route through JetStream instead,
// which this adapter does not wrap.
func (p *NatsPubSub) Publish(ctx context.Context, subject string, data []byte, mode DeliveryMode) error {
	hdr := nats.Header{}
	p.propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

func (p *NatsPubSub) Subscribe(ctx context.Context, subject string, mode DeliveryMode, handler Handler) (Subscription, error) {
	sub, err := p.conn.Subscribe(subject, func(m *nats.Msg) {
		msgCtx := p.propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		msgCtx, span := p.tracer.Start(msgCtx, "distributed.nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		if err := handler(msgCtx, Message{Subject: m.Subject, Data: m.Data}); err != nil {
			span.RecordError(err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("distributed: nats subscribe: %w", err)
	}
	return natsSubscription{sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
