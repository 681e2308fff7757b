// Package bus implements the two logical channels of spec.md section 4.2
// over NATS: a durable, at-least-once JetStream work queue for StepExec/
// StepResult traffic, and a best-effort plain NATS pub/sub topic for
// lifecycle events. Trace context propagation follows the teacher's
// libs/go/core/natsctx package (header-carried span context).
package bus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Bus owns one NATS connection plus its derived JetStream context.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials NATS and obtains a JetStream context.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url, nats.Name("swarm-workflow-engine"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Bus{conn: conn, js: js}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	_ = b.conn.Drain()
}

// EnsureWorkStream creates (or confirms) the JetStream stream backing a
// node-type class's work queue: subjects step.exec.<class> and
// step.result.<class>, explicit-ack, file storage for durability across
// restarts.
func (b *Bus) EnsureWorkStream(class string) error {
	name := "STEP_" + class
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{"step.exec." + class, "step.result." + class},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	return err
}

// headerCarrier adapts nats.Header to otel's propagation.TextMapCarrier,
// mirroring the teacher's natsctx header-carrier shape.
type headerCarrier nats.Header

func (h headerCarrier) Get(key string) string   { return nats.Header(h).Get(key) }
func (h headerCarrier) Set(key, value string)    { nats.Header(h).Set(key, value) }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// PublishWork publishes a StepExec or StepResult payload to the durable
// work queue subject, propagating the caller's trace context in headers.
func (b *Bus) PublishWork(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	_, err := b.js.PublishMsg(msg)
	return err
}

// WorkHandler processes one durably-delivered message; returning an error
// leaves it unacked for redelivery, matching the at-least-once guarantee
// of spec.md section 4.2.
type WorkHandler func(ctx context.Context, data []byte) error

// SubscribeWork creates a durable pull consumer honoring the given
// prefetch (max ack-pending), and dispatches messages to handler,
// explicit-acking only on success.
func (b *Bus) SubscribeWork(subject, durable string, prefetch int, handler WorkHandler) (*nats.Subscription, error) {
	sub, err := b.js.PullSubscribe(subject, durable,
		nats.AckExplicit(),
		nats.MaxAckPending(prefetch),
	)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
			if err != nil {
				if err == nats.ErrTimeout || err == nats.ErrConnectionClosed {
					continue
				}
				return
			}
			for _, msg := range msgs {
				ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(msg.Header))
				if err := handler(ctx, msg.Data); err != nil {
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}
	}()
	return sub, nil
}

// PublishEvent publishes to the best-effort event topic (no durability:
// a subscriber that is down misses the message, and the Store remains
// the source of truth per spec.md section 4.2).
func (b *Bus) PublishEvent(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// SubscribeEvent subscribes to the best-effort event topic.
func (b *Bus) SubscribeEvent(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}
