package events

import (
	"time"

	"github.com/google/uuid"
)

type OrderItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type OrderConfirmed struct {
	OrderID       uuid.UUID   `json:"order_id"`
	CustomerID    int64       `json:"customer_id"`
	Total         int64       `json:"total"`
	Items         []OrderItem `json:"items"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	CorrelationID string      `json:"correlation_id"`
}

type OrderCancelled struct {
	OrderID       uuid.UUID   `json:"order_id"`
	CustomerID    int64       `json:"customer_id"`
	Total         int64       `json:"total"`
	Items         []OrderItem `json:"items"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	CorrelationID string      `json:"correlation_id"`
	Reason        string      `json:"reason"`
	CancelledAt   time.Time   `json:"cancelled_at"`
}

type StockDebitedItem struct {
	ProductID       int64  `json:"product_id"`
	Name            string `json:"name"`
	QuantityDebited int32  `json:"quantity_debited"`
	PreviousStock   int64  `json:"previous_stock"`
	NewStock        int64  `json:"new_stock"`
}

type StockDebited struct {
	OrderID       uuid.UUID          `json:"order_id"`
	Items         []StockDebitedItem `json:"items"`
	Success       bool               `json:"success"`
	Error         string             `json:"error,omitempty"`
	CorrelationID string             `json:"correlation_id"`
	DebitedAt     time.Time          `json:"debited_at"`
}

type StockReleasedItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

type StockReleased struct {
	OrderID       uuid.UUID           `json:"order_id"`
	Items         []StockReleasedItem `json:"items"`
	CorrelationID string              `json:"correlation_id"`
	ReleasedAt    time.Time           `json:"released_at"`
}
