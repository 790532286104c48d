package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/internal/monitor"
	"github.com/venued/venued/pkg/nats"
	"github.com/venued/venued/pkg/types"
)

// Intake consumes trade intents that strategy collaborators publish
// over NATS and drives them through the coordinator. Successful
// executions already go out as trade-executed events; the intake adds
// the failure side of that conversation, so a strategy hears back about
// every intent without this process ever calling the strategy.
type Intake struct {
	coord   *Coordinator
	events  *nats.Client
	metrics *monitor.Collector
	log     *logrus.Entry

	ctx context.Context
	sub *nats.Subscription
}

func NewIntake(coord *Coordinator, events *nats.Client, metrics *monitor.Collector, log *logrus.Entry) *Intake {
	return &Intake{
		coord:   coord,
		events:  events,
		metrics: metrics,
		log:     log.WithField("component", "intake"),
	}
}

// Start subscribes to the intent stream. ctx bounds the venue calls
// made on behalf of consumed intents.
func (i *Intake) Start(ctx context.Context) error {
	i.ctx = ctx
	sub, err := i.events.SubscribeTradeIntents(i.handle)
	if err != nil {
		return err
	}
	i.sub = sub
	return nil
}

// Stop drains the subscription; intents already handed to the handler
// finish executing.
func (i *Intake) Stop() {
	if i.sub == nil {
		return
	}
	if err := i.sub.Drain(); err != nil {
		i.log.WithError(err).Warn("drain intake")
	}
}

// handle executes one intent. Every failure is published back under the
// intent's venue and symbol with its classified kind; nothing here may
// panic or block the subscription beyond the execution itself.
func (i *Intake) handle(intent *nats.TradeIntentMessage) {
	i.metrics.IncrementCounter("intents_total", map[string]string{"venue": intent.Venue})

	req := &TradeRequest{
		Venue:  intent.Venue,
		Symbol: intent.Symbol,
		Side:   types.OrderSide(strings.ToUpper(intent.Side)),
		Type:   types.OrderType(strings.ToUpper(intent.Type)),
		Amount: intent.Quantity,
		Price:  intent.Price,
	}

	_, err := i.coord.ExecuteTrade(i.ctx, req)
	if err == nil {
		return
	}

	kind := types.KindOf(err)
	i.metrics.IncrementCounter("intents_failed_total", map[string]string{"venue": intent.Venue, "kind": string(kind)})
	i.log.WithFields(logrus.Fields{
		"venue":  intent.Venue,
		"symbol": intent.Symbol,
		"side":   intent.Side,
		"source": intent.Source,
		"kind":   kind,
	}).WithError(err).Warn("intent failed")

	if i.events == nil {
		return
	}
	msg := &nats.TradeFailedMessage{
		Venue:     intent.Venue,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Source:    intent.Source,
		Kind:      string(kind),
		Reason:    err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if perr := i.events.PublishTradeFailed(msg); perr != nil {
		i.log.WithError(perr).Warn("publish trade failure")
	}
}
