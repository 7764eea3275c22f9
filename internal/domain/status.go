package domain

import (
	"errors"
	"fmt"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusApproved  OrderStatus = "approved"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

var (
	ErrInvalidStatus  = errors.New("invalid order status")
	ErrOrderCancelled = errors.New("order is cancelled")
)

// Statuses lists every status an order can hold, in display order.
var Statuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusApproved,
	OrderStatusPaid,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRejected,
}

func ParseStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

func (s OrderStatus) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsFailed reports whether the order ended without a completed sale.
func (s OrderStatus) IsFailed() bool {
	return s == OrderStatusRejected || s == OrderStatusCancelled
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled
}

// CanTransition applies the administrator transition policy. Any status may be
// reached from any other, except that a cancelled order stays cancelled.
func CanTransition(from, to OrderStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if from.IsTerminal() && to != from {
		return ErrOrderCancelled
	}
	return nil
}
