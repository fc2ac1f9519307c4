// Package notify consumes asynchronous notification events and folds them
// into the active run.
//
// Delivery from the broker is at-least-once and may arrive out of order
// relative to direct interactions. The correlator deduplicates by delivery
// sequence token over a bounded window, so redelivery is a no-op, and
// applies the same step-matching algorithm as synchronous interactions by
// handing events to the run machine (which serializes them through the run
// lock).
package notify

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/gridverify/certus/internal/run"
)

// DefaultBuffer is the default bound on in-flight events. Publishers block
// once the buffer fills: backpressure instead of dropped events.
const DefaultBuffer = 256

// DefaultDedupWindow is how many delivery tokens the correlator remembers.
// Redelivery within the window is a no-op; the broker's own redelivery
// horizon is expected to be far smaller than this.
const DefaultDedupWindow = 4096

// Event is one asynchronous notification as delivered by the broker
// subscription.
type Event struct {
	// Token is the delivery sequence token used for deduplication.
	Token string `json:"token"`
	// Type is the notification resource type, e.g. "DERControl".
	Type string `json:"type"`
	// Fields holds the parsed payload fields matchers may constrain.
	Fields map[string]string `json:"fields,omitempty"`
	// ReceivedAt is the receipt timestamp; zero means "stamp on record".
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Sink is the part of the run machine the correlator feeds.
// Implemented by *run.Machine.
type Sink interface {
	RecordNotification(ctx context.Context, in run.Interaction) run.Attribution
}

// Correlator pulls events off a bounded queue and applies them to the run.
//
// Thread-safety model:
//   - Publish: safe from any goroutine, blocks when the queue is full
//   - Run: must be called from exactly one goroutine
//   - dedup state is owned by the Run goroutine, no lock needed
type Correlator struct {
	sink   Sink
	queue  chan Event
	logger *slog.Logger

	window int
	seen   map[string]struct{}
	order  []string // FIFO eviction for the dedup window
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithBuffer bounds the number of in-flight events.
func WithBuffer(n int) Option {
	return func(c *Correlator) { c.queue = make(chan Event, n) }
}

// WithDedupWindow sets how many delivery tokens are remembered.
func WithDedupWindow(n int) Option {
	return func(c *Correlator) { c.window = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// New creates a correlator feeding the given sink.
func New(sink Sink, opts ...Option) *Correlator {
	c := &Correlator{
		sink:   sink,
		queue:  make(chan Event, DefaultBuffer),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		window: DefaultDedupWindow,
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish enqueues one event for correlation.
//
// Blocks while the queue is full - bounding in-flight events is how the
// correlator applies backpressure rather than dropping deliveries. Returns
// ctx.Err() if the caller gives up first.
func (c *Correlator) Publish(ctx context.Context, ev Event) error {
	select {
	case c.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes events until ctx is cancelled. It never blocks API request
// handling: consumption is independent of the HTTP path, and each event
// only briefly takes the run lock inside the sink.
func (c *Correlator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.queue:
			c.apply(ctx, ev)
		}
	}
}

// apply deduplicates and forwards one event.
func (c *Correlator) apply(ctx context.Context, ev Event) {
	if ev.Token != "" {
		if _, dup := c.seen[ev.Token]; dup {
			c.logger.Debug("duplicate notification ignored", "token", ev.Token)
			return
		}
		c.remember(ev.Token)
	}

	attr := c.sink.RecordNotification(ctx, run.Interaction{
		Type:      ev.Type,
		Token:     ev.Token,
		Fields:    ev.Fields,
		Timestamp: ev.ReceivedAt,
	})
	if attr.StepID != "" {
		c.logger.Info("notification matched step", "step", attr.StepID, "type", ev.Type)
	}
}

// remember records a token, evicting the oldest once the window is full.
func (c *Correlator) remember(token string) {
	if len(c.order) >= c.window {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[token] = struct{}{}
	c.order = append(c.order, token)
}

// Pending returns the number of queued, unprocessed events.
func (c *Correlator) Pending() int {
	return len(c.queue)
}
