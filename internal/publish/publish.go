// Package publish drains the change-event outbox to the aggregator service.
// Delivery is at-least-once: an event is marked downloaded only after the
// remote acknowledges it, so consumers must deduplicate.
package publish

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/proxyfeed/internal/event"
	"github.com/louisbranch/proxyfeed/internal/platform/errors"
	"github.com/louisbranch/proxyfeed/internal/platform/rpc"
	"github.com/louisbranch/proxyfeed/internal/storage"
)

const tracerName = "proxyfeed/publish"

// EventPayload is the wire form of a published change event.
type EventPayload struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	SourceDocID    string         `json:"sourceDocId"`
	PreviousValues map[string]any `json:"previousValues,omitempty"`
	CurrentValues  map[string]any `json:"currentValues,omitempty"`
	TenantID       string         `json:"tenantId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ToPayload converts a journaled event to its wire form.
func ToPayload(evt event.ChangeEvent) EventPayload {
	return EventPayload{
		ID:             evt.ID,
		Source:         evt.Source,
		SourceDocID:    evt.SourceDocID,
		PreviousValues: evt.PreviousValues,
		CurrentValues:  evt.CurrentValues,
		TenantID:       evt.TenantID,
		Metadata:       evt.Metadata,
		CreatedAt:      evt.CreatedAt,
	}
}

// ToEvent converts a received wire payload back to a change event.
func (p EventPayload) ToEvent() event.ChangeEvent {
	return event.ChangeEvent{
		ID:             p.ID,
		Source:         p.Source,
		SourceDocID:    p.SourceDocID,
		PreviousValues: p.PreviousValues,
		CurrentValues:  p.CurrentValues,
		TenantID:       p.TenantID,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
	}
}

// Caller posts envelopes to the aggregator.
type Caller interface {
	Call(ctx context.Context, role, cmd string, payload, out any) error
}

// Publisher drains ready events in insertion order.
type Publisher struct {
	events   storage.EventStore
	client   Caller
	log      *logrus.Logger
	sink     errors.RemoteLogger
	interval time.Duration
	batch    int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithInterval sets the idle poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchSize bounds how many events one drain pass delivers.
func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithRemoteLogger sets the sink fatal errors are recorded on before Run
// returns them.
func WithRemoteLogger(sink errors.RemoteLogger) Option {
	return func(p *Publisher) { p.sink = sink }
}

// New returns a Publisher.
func New(events storage.EventStore, client Caller, log *logrus.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		events:   events,
		client:   client,
		log:      log,
		interval: 2 * time.Second,
		batch:    100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls and drains the outbox until the context is canceled. Transport
// exhaustion is fatal; the process restarts rather than silently stalling.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.DrainOnce(ctx); err != nil {
			if errors.CodeOf(err) == errors.CodeTransportExhausted {
				return errors.Fatal(ctx, p.sink, "publisher", err)
			}
			p.log.WithError(err).Warn("outbox drain failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce delivers one batch of ready events. Each event is acknowledged
// individually; a failure stops the pass so ordering is preserved.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	if p == nil || p.events == nil || p.client == nil {
		return errors.New(errors.CodeUnknown, "publisher is not configured")
	}

	pending, err := p.events.ListUndownloaded(ctx, p.batch)
	if err != nil {
		return errors.Wrap(errors.CodeStoreFailed, "list outbox", err)
	}

	for _, evt := range pending {
		if err := p.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// deliver publishes one event and records the acknowledgment.
func (p *Publisher) deliver(ctx context.Context, evt event.ChangeEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publish.deliver",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.name", evt.Name()),
		))
	defer span.End()

	if err := p.client.Call(ctx, "localEvents", "publish", ToPayload(evt), nil); err != nil {
		return err
	}
	// Mark after the ack: a crash between the two redelivers, which the
	// consumer's inbox checkpoint absorbs.
	if err := p.events.MarkDownloaded(ctx, []string{evt.ID}); err != nil {
		return errors.Wrap(errors.CodeStoreFailed, "mark event downloaded", err)
	}
	p.log.WithFields(logrus.Fields{
		"event_id": evt.ID,
		"event":    evt.Name(),
		"tenant":   evt.TenantID,
	}).Debug("event published")
	return nil
}

var _ Caller = (*rpc.Client)(nil)
