package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Client publishes coordinator events over JetStream. Publishing is
// best effort from the caller's point of view: a failed publish is
// logged and never fails the trading operation that triggered it.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *logrus.Entry
}

// NewClient connects, builds the JetStream context and makes sure the
// event streams exist.
func NewClient(cfg Config, log *logrus.Entry) (*Client, error) {
	entry := log.WithField("component", "nats-client")

	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			entry.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			entry.Info("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	c := &Client{conn: conn, js: js, log: entry}
	if err := c.initStreams(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize streams: %w", err)
	}
	return c, nil
}

func (c *Client) initStreams() error {
	for _, stream := range []*nats.StreamConfig{
		{
			Name:      StreamTrades,
			Subjects:  tradesSubjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      StreamSystem,
			Subjects:  systemSubjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	} {
		if _, err := c.js.StreamInfo(stream.Name); err == nil {
			if _, err := c.js.UpdateStream(stream); err != nil {
				return fmt.Errorf("update stream %s: %w", stream.Name, err)
			}
			c.log.WithField("stream", stream.Name).Debug("stream updated")
			continue
		}
		if _, err := c.js.AddStream(stream); err != nil {
			return fmt.Errorf("create stream %s: %w", stream.Name, err)
		}
		c.log.WithField("stream", stream.Name).Info("stream created")
	}
	return nil
}

// Close drains nothing and simply closes the connection; callers stop
// producing events before shutting the client down.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// PublishTradeIntent submits an order intent for the coordinator's
// intake. Strategy collaborators are the usual callers.
func (c *Client) PublishTradeIntent(msg *TradeIntentMessage) error {
	return c.publish(fmt.Sprintf(subjectTradesRequested, msg.Venue, msg.Symbol), msg)
}

// PublishTradeExecuted reports one acknowledged order.
func (c *Client) PublishTradeExecuted(msg *TradeExecutedMessage) error {
	return c.publish(fmt.Sprintf(subjectTradesExecuted, msg.Venue, msg.Symbol), msg)
}

// PublishTradeFailed reports an intent the coordinator rejected or the
// venue refused.
func (c *Client) PublishTradeFailed(msg *TradeFailedMessage) error {
	return c.publish(fmt.Sprintf(subjectTradesFailed, msg.Venue, msg.Symbol), msg)
}

// PublishHealthChange reports a venue health transition.
func (c *Client) PublishHealthChange(msg *HealthChangeMessage) error {
	return c.publish(fmt.Sprintf(subjectSystemHealth, msg.Venue), msg)
}

// PublishDegradation reports a window whose success rate fell below the
// configured floor.
func (c *Client) PublishDegradation(msg *DegradationMessage) error {
	return c.publish(subjectSystemDegradation, msg)
}

func (c *Client) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	c.log.WithField("subject", subject).Debug("published")
	return nil
}

// SubscribeTradeIntents delivers every published intent to handler on
// the shared intake queue. Messages are acked before the handler runs:
// an order must never be replayed because a consumer crashed mid
// execution, so intents are at-most-once by design. Malformed payloads
// are logged and dropped.
func (c *Client) SubscribeTradeIntents(handler func(*TradeIntentMessage)) (*Subscription, error) {
	sub, err := c.js.QueueSubscribe(subjectTradesRequestedAll, intakeQueue, func(msg *nats.Msg) {
		if err := msg.Ack(); err != nil {
			c.log.WithError(err).Warn("ack trade intent")
		}
		var intent TradeIntentMessage
		if err := json.Unmarshal(msg.Data, &intent); err != nil {
			c.log.WithError(err).WithField("subject", msg.Subject).Warn("drop malformed trade intent")
			return
		}
		handler(&intent)
	}, nats.Durable(intakeDurable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subjectTradesRequestedAll, err)
	}
	c.log.WithField("subject", subjectTradesRequestedAll).Info("intake subscribed")
	return &Subscription{sub: sub, log: c.log}, nil
}

// Subscription wraps one live JetStream subscription.
type Subscription struct {
	sub *nats.Subscription
	log *logrus.Entry
}

// Drain stops delivery after in-flight messages finish, keeping the
// durable consumer's position for the next start.
func (s *Subscription) Drain() error {
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	s.log.Info("intake drained")
	return nil
}
