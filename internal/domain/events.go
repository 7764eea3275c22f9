package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderCreated       EventType = "order.created"
	EventOrderStatusChanged EventType = "order.status_changed"
)

type OrderEvent struct {
	EventID   uuid.UUID   `json:"event_id"`
	Type      EventType   `json:"type"`
	OrderID   int64       `json:"order_id"`
	PaymentID string      `json:"payment_id,omitempty"`
	From      OrderStatus `json:"from,omitempty"`
	To        OrderStatus `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewOrderCreatedEvent(order *Order) OrderEvent {
	event := OrderEvent{
		EventID:   uuid.New(),
		Type:      EventOrderCreated,
		OrderID:   order.ID,
		To:        order.Status,
		Timestamp: time.Now().UTC(),
	}
	if order.PaymentID != nil {
		event.PaymentID = *order.PaymentID
	}
	return event
}

func NewStatusChangedEvent(orderID int64, from, to OrderStatus) OrderEvent {
	return OrderEvent{
		EventID:   uuid.New(),
		Type:      EventOrderStatusChanged,
		OrderID:   orderID,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
}

// StatusChange is one projected row of an order's status history.
type StatusChange struct {
	EventID   uuid.UUID   `json:"event_id"`
	OrderID   int64       `json:"order_id"`
	Type      EventType   `json:"type"`
	From      OrderStatus `json:"from,omitempty"`
	To        OrderStatus `json:"to"`
	ChangedAt time.Time   `json:"changed_at"`
}
