package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/codeshop/fulfillment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Producer is the subset of *kafka.Writer the publisher needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer for topic on broker.
func NewWriter(broker, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Event is the published payload. Codes are omitted: the topic is for
// bookkeeping consumers, not for delivery.
type Event struct {
	ID           string            `json:"id"`
	Event        fulfillment.Event `json:"event"`
	TargetUserID int64             `json:"targetUserId"`
	ToAdmin      bool              `json:"toAdmin"`
	Text         string            `json:"text"`
	CodeCount    int               `json:"codeCount,omitempty"`
	RequestIDs   []string          `json:"requestIds,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Publisher writes notifications to a Kafka topic, keyed by target user
// so one user's events stay ordered on a partition.
type Publisher struct {
	producer Producer
	logger   *zap.Logger
}

func NewPublisher(producer Producer, logger *zap.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger.Named("kafka")}
}

// Notify implements fulfillment.Notifier.
func (p *Publisher) Notify(ctx context.Context, n fulfillment.Notification) error {
	ev := Event{
		ID:           n.ID,
		Event:        n.Event,
		TargetUserID: int64(n.TargetUserID),
		ToAdmin:      n.ToAdmin,
		Text:         n.Text,
		CodeCount:    len(n.Codes),
		CreatedAt:    n.CreatedAt,
	}
	for _, a := range n.Actions {
		if len(ev.RequestIDs) == 0 || ev.RequestIDs[len(ev.RequestIDs)-1] != a.RequestID {
			ev.RequestIDs = append(ev.RequestIDs, a.RequestID)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(n.TargetUserID.String()),
		Value:   payload,
		Headers: traceHeaders(ctx),
	}
	if err := p.producer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish notification", zap.String("event", string(n.Event)), zap.Error(err))
		return fmt.Errorf("publish %s: %w", n.Event, err)
	}
	p.logger.Debug("published notification", zap.String("event", string(n.Event)), zap.String("id", n.ID))
	return nil
}

// Close closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

// traceHeaders injects the current trace context into message headers.
func traceHeaders(ctx context.Context) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier))
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	return headers
}
