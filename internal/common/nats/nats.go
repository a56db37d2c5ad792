package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"flowerfund/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"flowerfund"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`

	Stream string        `envconfig:"NATS_STREAM" default:"EVENTS"`
	MaxAge time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	// DuplicateWindow is how long JetStream remembers message IDs. An outbox
	// entry republished within it is dropped by the server.
	DuplicateWindow time.Duration `envconfig:"NATS_DUPLICATE_WINDOW" default:"2h"`

	MaxDeliver int           `envconfig:"NATS_MAX_DELIVER" default:"5"`
	AckWait    time.Duration `envconfig:"NATS_ACK_WAIT" default:"30s"`
	// RedeliveryDelay is applied when a handler fails with a retryable error.
	RedeliveryDelay time.Duration `envconfig:"NATS_REDELIVERY_DELAY" default:"1s"`
}

// Enabled reports whether a broker URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Client is a JetStream connection scoped to the ledger event stream.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New connects to the broker described by cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "error", err, "subject", subject)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return &Client{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Close drains in-flight publishes before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// HealthCheck fails while the connection is down or reconnecting.
func (c *Client) HealthCheck(context.Context) error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// EnsureEventStream creates or updates the stream that carries every
// "events.>" subject written by the outbox.
func (c *Client) EnsureEventStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "ledger domain events",
		Subjects:    []string{events.SubjectPrefix + ">"},
		MaxAge:      c.cfg.MaxAge,
		Duplicates:  c.cfg.DuplicateWindow,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("event stream ready", "stream", c.cfg.Stream, "duplicate_window", c.cfg.DuplicateWindow)
	return nil
}

// DurableConsumer creates or updates an explicit-ack consumer named durable
// that reads eventType from the event stream.
func (c *Client) DurableConsumer(ctx context.Context, durable, eventType string) (*Subscriber, error) {
	subject := (&events.Event{Type: eventType}).Subject()
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s: %w", durable, err)
	}
	c.logger.Info("consumer ready", "durable", durable, "subject", subject)
	return &Subscriber{
		consumer: consumer,
		delay:    c.cfg.RedeliveryDelay,
		logger:   c.logger.With("consumer", durable),
	}, nil
}

// Publisher publishes outbox events to JetStream.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{js: client.js, logger: logger}
}

// Publish publishes an event. The event ID doubles as the JetStream message
// ID so a republish from the outbox inside the duplicate window is dropped.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	ack, err := p.js.Publish(ctx, event.Subject(), data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// MessageHandler handles one decoded event. A returned error asks for
// redelivery; return nil for anything a retry cannot fix.
type MessageHandler func(ctx context.Context, event *events.Event) error

// Subscriber feeds a durable consumer's messages to a MessageHandler.
type Subscriber struct {
	consumer jetstream.Consumer
	delay    time.Duration
	logger   *slog.Logger
}

// Start blocks until ctx is done.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("opening message iterator: %w", err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			s.logger.Error("reading next message", "error", err)
			continue
		}

		var event events.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil || event.Type == "" {
			s.logger.Error("terminating undecodable message", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			continue
		}

		if err := handler(ctx, &event); err != nil {
			s.logger.Warn("event handling failed, redelivering",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			_ = msg.NakWithDelay(s.delay)
			continue
		}

		if err := msg.Ack(); err != nil {
			s.logger.Error("acknowledging message", "event_id", event.ID, "error", err)
		}
	}
}
