// Package events publishes order and payment domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/soda-storefront/internal/domain/order"
)

// DefaultTopic receives every storefront order event.
const DefaultTopic = "storefront.orders"

// EnvelopeVersion is bumped on incompatible envelope changes.
const EnvelopeVersion = 1

// Envelope wraps every published payload.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     order.EventType `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Config holds the Kafka connection settings.
type Config struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `default:"storefront.orders" yaml:"topic"`
	Timeout time.Duration `default:"5s" yaml:"timeout"`
}

// messageWriter is the subset of *kafka.Writer used by Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ order.Publisher = (*Producer)(nil)

// Producer implements order.Publisher on a Kafka topic. Messages are keyed by
// order id so that events of one order stay ordered within a partition.
type Producer struct {
	w       messageWriter
	brokers []string
	topic   string
	service string
	timeout time.Duration
	tracer  trace.Tracer
	now     func() time.Time
}

// NewProducer creates a Producer writing to cfg.Topic.
func NewProducer(cfg Config, service string) *Producer {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newProducer(w, cfg, service)
}

func newProducer(w messageWriter, cfg Config, service string) *Producer {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Producer{
		w:       w,
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		service: service,
		timeout: cfg.Timeout,
		tracer:  otel.Tracer("github.com/xenking/soda-storefront/internal/events"),
		now:     time.Now,
	}
}

// Publish writes e wrapped in an Envelope and injects the trace context into
// the message headers.
func (p *Producer) Publish(ctx context.Context, e order.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = p.now().UTC()
	}
	value, err := json.Marshal(Envelope{
		EventID:       uuid.NewString(),
		EventType:     e.Type,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    occurred,
		Producer:      p.service,
		CorrelationID: e.OrderID,
		Payload:       payload,
	})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	msg := kafka.Message{
		Key:   []byte(e.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(e.Type)},
			{Key: "x-event-version", Value: []byte(strconv.Itoa(EnvelopeVersion))},
		},
	}

	ctx, span := p.tracer.Start(ctx, "send "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingKafkaMessageKey(e.OrderID),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: &msg})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrapf(err, "write %s", e.Type)
	}
	return nil
}

// Ping dials the first reachable broker.
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return errors.New("no brokers configured")
	}
	return errors.Wrap(lastErr, "dial broker")
}

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	return p.w.Close()
}
