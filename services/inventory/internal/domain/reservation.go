package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReservationStatus uint8

const (
	StatusReserved ReservationStatus = iota + 1
	StatusDebited
	StatusReleased
)

func (s ReservationStatus) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusDebited:
		return "debited"
	case StatusReleased:
		return "released"
	default:
		return fmt.Sprintf("ReservationStatus(%d)", uint8(s))
	}
}

func (s ReservationStatus) IsTerminal() bool {
	return s == StatusDebited || s == StatusReleased
}

// CanTransitionTo allows only Reserved -> Debited and Reserved -> Released.
func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	return s == StatusReserved && next.IsTerminal()
}

func ParseReservationStatus(v string) (ReservationStatus, error) {
	switch v {
	case "reserved":
		return StatusReserved, nil
	case "debited":
		return StatusDebited, nil
	case "released":
		return StatusReleased, nil
	default:
		return 0, fmt.Errorf("unknown reservation status %q", v)
	}
}

func (s ReservationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Reservation struct {
	ID            uuid.UUID         `json:"id"`
	OrderID       uuid.UUID         `json:"order_id"`
	ProductID     int64             `json:"product_id"`
	Quantity      int32             `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	CorrelationID string            `json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
}

type ReserveItem struct {
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Quantity  int32 `json:"quantity" validate:"gte=1"`
}

type ReserveCommand struct {
	OrderID       uuid.UUID     `validate:"required"`
	CorrelationID string
	Items         []ReserveItem `validate:"required,min=1,dive"`
}

type ItemStatus string

const (
	ItemReserved          ItemStatus = "reserved"
	ItemInsufficientStock ItemStatus = "insufficient_stock"
	ItemProductNotFound   ItemStatus = "product_not_found"
	ItemRolledBack        ItemStatus = "rolled_back"
)

type ItemResult struct {
	ProductID int64
	Requested int32
	Available int64
	Status    ItemStatus
	Reason    string
}

type ReservationResult struct {
	Success bool
	Items   []ItemResult
}

// FailureReason returns the first item failure in human readable form.
func (r ReservationResult) FailureReason() string {
	for _, item := range r.Items {
		if item.Status != ItemReserved && item.Status != ItemRolledBack {
			return item.Reason
		}
	}
	return "reservation rejected"
}

type DebitItem struct {
	ProductID       int64
	Name            string
	QuantityDebited int32
	PreviousStock   int64
	NewStock        int64
	Success         bool
	Error           string
}

type DebitResult struct {
	Items         []DebitItem
	AllSuccessful bool
	Error         string
}

type ReleaseResult struct {
	Items []Reservation
}
