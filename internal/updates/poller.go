// Package updates polls the broker's authoritative view of every working
// order, converts cumulative fill quantities into per-delta fill records,
// and publishes order-update events. The cumulative→delta conversion is the
// engine's only source of fill rows, so it is deliberately conservative: a
// regression is ignored, a repeat is coalesced, and only a strict increase
// produces a new row.
package updates

import (
	"context"
	"time"

	"github.com/eddiefleurent/tradecore/internal/broker"
	"github.com/eddiefleurent/tradecore/internal/metrics"
	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/eddiefleurent/tradecore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Handler receives each published order update.
type Handler func(models.OrderUpdateEvent)

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration
}

// DefaultConfig polls every two seconds.
var DefaultConfig = Config{Interval: 2 * time.Second}

// Poller watches working orders.
type Poller struct {
	cfg     Config
	broker  broker.Broker
	storage store.Interface
	metrics *metrics.Metrics
	logger  *logrus.Entry
	handler Handler
}

// NewPoller constructs a Poller.
func NewPoller(cfg Config, brk broker.Broker, storage store.Interface, m *metrics.Metrics,
	logger *logrus.Entry) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Poller{
		cfg:     cfg,
		broker:  brk,
		storage: storage,
		metrics: m,
		logger:  logger.WithField("component", "order_updates"),
	}
}

// OnUpdate registers the handler invoked for each published update. Must
// be called before Run.
func (p *Poller) OnUpdate(h Handler) { p.handler = h }

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce checks every active order intent against the broker.
func (p *Poller) PollOnce(ctx context.Context) {
	intents, err := p.storage.GetActiveOrderIntents(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("active order intents lookup failed")
		return
	}
	for _, intent := range intents {
		if err := p.checkOrder(ctx, intent); err != nil {
			p.logger.WithError(err).WithField("client_order_id", intent.ClientOrderID).
				Warn("order status check failed")
		}
	}
}

func (p *Poller) checkOrder(ctx context.Context, intent models.OrderIntent) error {
	brokerOrder, err := p.broker.GetOrder(ctx, *intent.BrokerOrderID)
	if err != nil {
		return err
	}

	prevCum := intent.FilledQty
	newCum := brokerOrder.FilledQty
	delta := newCum.Sub(prevCum)
	statusChanged := string(intent.Status) != brokerOrder.Status
	log := p.logger.WithFields(logrus.Fields{
		"client_order_id": intent.ClientOrderID,
		"broker_order_id": *intent.BrokerOrderID,
	})

	switch {
	case delta.IsNegative():
		// A stale snapshot from a retried poll; local state never
		// regresses.
		log.WithFields(logrus.Fields{
			"prev_cum": prevCum.String(), "new_cum": newCum.String(),
		}).Warn("cumulative fill regression ignored")
		return nil

	case delta.IsZero() && !statusChanged:
		return nil

	case delta.IsZero():
		status := models.OrderStatus(brokerOrder.Status)
		return p.storage.UpdateOrderIntent(ctx, intent.ClientOrderID, &status, nil, nil, nil)
	}

	now := time.Now().UTC()
	fill := models.Fill{
		BrokerOrderID:   *intent.BrokerOrderID,
		ClientOrderID:   intent.ClientOrderID,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		DeltaQty:        delta,
		CumQty:          newCum,
		CumAvgPrice:     brokerOrder.FilledAvgPrice,
		TimestampUTC:    now,
		FillDedupeKey:   models.DedupeKey(nil, newCum),
		PriceIsEstimate: brokerOrder.FilledAvgPrice != nil, // cumulative average, not the delta price
	}

	inserted, err := p.storage.InsertFillIdempotent(ctx, fill)
	if err != nil {
		return err
	}

	// The intent's cumulative advances either way: on a dedupe conflict the
	// fill row already exists (an earlier run crashed between insert and
	// update), and without this the same conflict would repeat every poll.
	if err := p.storage.UpdateOrderIntentCumulative(ctx, *intent.BrokerOrderID, brokerOrder.Status,
		newCum, brokerOrder.FilledAvgPrice, now); err != nil {
		return err
	}

	eventDelta := delta
	if inserted {
		p.metrics.FillsRecorded.Add(1)
	} else {
		// Publish a zero delta so downstream consumers converge without
		// double counting.
		eventDelta = decimal.Zero
	}

	if p.handler != nil {
		p.handler(models.OrderUpdateEvent{
			BrokerOrderID: *intent.BrokerOrderID,
			ClientOrderID: intent.ClientOrderID,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Status:        models.OrderStatus(brokerOrder.Status),
			CumFilledQty:  newCum,
			CumAvgPrice:   brokerOrder.FilledAvgPrice,
			DeltaQty:      eventDelta,
			Timestamp:     now,
		})
	}
	return nil
}
