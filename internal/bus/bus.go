// Package bus implements the bounded, typed, single-consumer event bus:
// one producer per publishing component, one consumer (the orchestrator's
// event processor), bounded-wait publish with
// a drop-and-count policy for non-critical events and a hard error for
// critical ones.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/sirupsen/logrus"
)

// Kind identifies the payload type carried by an Event, so the single
// consumer can type-switch without reflection.
type Kind string

// Event kinds.
const (
	KindBar         Kind = "bar"
	KindSignal      Kind = "signal"
	KindExitSignal  Kind = "exit_signal"
	KindOrderUpdate Kind = "order_update"
	KindOrderIntent Kind = "order_intent"
)

// Event is the envelope placed on the bus.
type Event struct {
	Kind       Kind
	Bar        *models.BarEvent
	Signal     *models.SignalEvent
	Exit       *models.ExitSignalEvent
	Update     *models.OrderUpdateEvent
	Intent     *models.OrderIntentEvent
	EnqueuedAt time.Time
}

// criticalKinds must never be silently dropped on overflow: a timed-out
// publish for one of these is raised to the caller instead.
var criticalKinds = map[Kind]bool{
	KindExitSignal: true,
}

// Bus is a bounded channel-backed pub/sub primitive with exactly one
// consumer. Size() and DroppedCount() are safe to call concurrently from any
// goroutine; Publish is safe for many concurrent producers; Subscribe must
// only be called by the single consumer goroutine.
type Bus struct {
	ch           chan Event
	capacity     int
	publishWait  time.Duration
	dropped      int64
	logger       *logrus.Entry
	mu           sync.Mutex
	started      bool
	stopped      bool
	drainTimeout time.Duration
}

// Config configures bus capacity and the bounded-publish wait.
type Config struct {
	Capacity     int
	PublishWait  time.Duration // default ~100ms
	DrainTimeout time.Duration
}

// DefaultConfig carries the stock capacity and timing defaults.
var DefaultConfig = Config{
	Capacity:     1024,
	PublishWait:  100 * time.Millisecond,
	DrainTimeout: 5 * time.Second,
}

// New constructs a Bus. A nil logger defaults to a discard logger.
func New(logger *logrus.Entry, cfg ...Config) *Bus {
	c := DefaultConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultConfig.Capacity
	}
	if c.PublishWait <= 0 {
		c.PublishWait = DefaultConfig.PublishWait
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultConfig.DrainTimeout
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(nopWriter{})
		logger = logrus.NewEntry(l)
	}
	return &Bus{
		ch:           make(chan Event, c.Capacity),
		capacity:     c.Capacity,
		publishWait:  c.PublishWait,
		logger:       logger.WithField("component", "bus"),
		drainTimeout: c.DrainTimeout,
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Start marks the bus as accepting traffic. It is idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.stopped = false
}

// Stop sets the stopped flag, then drains (discards) queued events until the
// channel is empty or DrainTimeout passes, logging what was drained or what
// is left. The channel stays open and Publish/PublishCtx do not consult the
// stopped flag, so an event published after Stop is still queued.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	deadline := time.After(b.drainTimeout)
	drained := 0
	for {
		select {
		case <-b.ch:
			drained++
		case <-deadline:
			if remaining := len(b.ch); remaining > 0 {
				b.logger.WithField("remaining", remaining).Warn("bus stop: drain timeout, events remain queued")
			}
			return
		default:
			if drained > 0 {
				b.logger.WithField("drained", drained).Info("bus stop: drained remaining events")
			}
			return
		}
	}
}

// Publish enqueues ev, waiting up to the configured PublishWait. On timeout,
// exit signals propagate an error to the caller; everything else is dropped
// and counted.
func (b *Bus) Publish(ev Event) error {
	ev.EnqueuedAt = time.Now().UTC()

	timer := time.NewTimer(b.publishWait)
	defer timer.Stop()

	select {
	case b.ch <- ev:
		return nil
	case <-timer.C:
		if criticalKinds[ev.Kind] {
			return fmt.Errorf("bus: publish timeout for critical event kind %q after %v", ev.Kind, b.publishWait)
		}
		atomic.AddInt64(&b.dropped, 1)
		b.logger.WithField("kind", ev.Kind).Error("bus: publish timeout, event dropped")
		return nil
	}
}

// PublishCtx is Publish with cancellation support, useful for long-running
// producers that want to honor shutdown instead of blocking on a full bus.
func (b *Bus) PublishCtx(ctx context.Context, ev Event) error {
	ev.EnqueuedAt = time.Now().UTC()

	timer := time.NewTimer(b.publishWait)
	defer timer.Stop()

	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if criticalKinds[ev.Kind] {
			return fmt.Errorf("bus: publish timeout for critical event kind %q after %v", ev.Kind, b.publishWait)
		}
		atomic.AddInt64(&b.dropped, 1)
		b.logger.WithField("kind", ev.Kind).Error("bus: publish timeout, event dropped")
		return nil
	}
}

// Subscribe returns the single-consumer receive channel.
func (b *Bus) Subscribe() <-chan Event {
	return b.ch
}

// Size returns the number of events currently queued.
func (b *Bus) Size() int {
	return len(b.ch)
}

// DroppedCount returns the cumulative number of non-critical events dropped
// due to publish timeouts.
func (b *Bus) DroppedCount() int64 {
	return atomic.LoadInt64(&b.dropped)
}
