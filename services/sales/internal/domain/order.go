package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFulfilled OrderStatus = "fulfilled"
)

// CanTransitionTo allows Pending -> Confirmed | Cancelled and Confirmed -> Fulfilled.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusConfirmed || next == OrderStatusCancelled
	case OrderStatusConfirmed:
		return next == OrderStatusFulfilled
	default:
		return false
	}
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	switch s := OrderStatus(v); s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusCancelled, OrderStatusFulfilled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown order status %q", v)
	}
}

type Order struct {
	ID            uuid.UUID   `json:"order_id"`
	CustomerID    int64       `json:"customer_id"`
	Status        OrderStatus `json:"status"`
	Items         []OrderItem `json:"items"`
	Total         int64       `json:"total"`
	CorrelationID string      `json:"correlation_id"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// OrderItem carries the name and unit price as they were when the order was confirmed.
type OrderItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func (o *Order) CalculateTotal() {
	var total int64
	for _, item := range o.Items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	o.Total = total
}

// Transition moves the order to next or reports why it cannot.
func (o *Order) Transition(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("order %s cannot move from %s to %s", o.ID, o.Status, next)
	}
	o.Status = next
	return nil
}

type OrderLine struct {
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Quantity  int32 `json:"quantity" validate:"gte=1"`
}

type PlaceOrder struct {
	CustomerID    int64       `json:"customer_id" validate:"required,gt=0"`
	Items         []OrderLine `json:"items" validate:"required,min=1,dive"`
	CorrelationID string      `json:"-"`
}
