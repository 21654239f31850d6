// Package events publishes DAG-completion notifications over NATS for
// external subscribers (dashboards, audit sinks), grounded on
// libs/go/core/natsctx: trace context is injected into message headers on
// publish exactly as natsctx.Publish does, so a subscriber can continue the
// originating run's trace.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// DagCompleted is the payload published when a RunInfo finishes, whether
// cleanly, with an error, or via timeout.
type DagCompleted struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"` // ok, error, timed_out
	DurationMs int64  `json:"duration_ms"`
	OpCount    int    `json:"op_count"`
}

// Publisher publishes DagCompleted events to a fixed subject. A Publisher
// with a nil connection is a no-op, so wiring it is optional per §1/§2: a
// deployment without NATS configured simply never calls into this package
// with a live connection.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher wraps an already-connected NATS client. Pass a nil nc to get
// a Publisher whose Publish calls are no-ops (events are best-effort and
// never block DAG completion).
func NewPublisher(nc *nats.Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject}
}

// Publish injects ctx's trace context into the message headers and
// publishes ev. Errors are returned for the caller to log, never to block
// on or retry inline, since event delivery is not part of the DAG's
// correctness contract.
func (p *Publisher) Publish(ctx context.Context, ev DagCompleted) error {
	if p == nil || p.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: p.subject, Data: data, Header: hdr}
	return p.nc.PublishMsg(msg)
}

// Connect dials url with a bounded timeout. An empty url returns a nil
// connection (and thus a no-op Publisher) rather than an error.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	return nats.Connect(url, nats.Timeout(5*time.Second), nats.MaxReconnects(5))
}
