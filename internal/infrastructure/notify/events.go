package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"storefront-checkout/internal/domain"
)

// OrderEvent is the message published when an order settles.
type OrderEvent struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	Status         string    `json:"status"`
	TotalAmount    string    `json:"total_amount"`
	Currency       string    `json:"currency"`
	ResellerID     string    `json:"reseller_id,omitempty"`
	RefundRequired bool      `json:"refund_required,omitempty"`
	CancelReason   string    `json:"cancel_reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func NewOrderEvent(o *domain.Order) OrderEvent {
	evt := OrderEvent{
		Type:           "order." + strings.ToLower(string(o.Status)),
		OrderID:        o.ID.String(),
		OrderNumber:    o.OrderNumber,
		Status:         string(o.Status),
		TotalAmount:    o.TotalAmount.StringFixed(2),
		Currency:       o.Currency,
		RefundRequired: o.RefundRequired,
		CancelReason:   o.CancelReason,
		OccurredAt:     time.Now().UTC(),
	}
	if o.ResellerID != nil {
		evt.ResellerID = o.ResellerID.String()
	}
	return evt
}

type EventPublisher interface {
	Publish(ctx context.Context, evt OrderEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher publishes to topic on the comma separated brokers.
// It returns a no-op publisher when brokersCSV is empty.
func NewKafkaPublisher(brokersCSV, topic string) EventPublisher {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return NopPublisher{}
	}
	return &kafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

// Publish keys messages by order number so one order's events stay ordered.
func (p *kafkaPublisher) Publish(ctx context.Context, evt OrderEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.OrderNumber),
		Value:   data,
		Time:    evt.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}},
	})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, OrderEvent) error { return nil }
func (NopPublisher) Close() error                              { return nil }
