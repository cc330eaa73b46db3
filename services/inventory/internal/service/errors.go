package service

import "errors"

var (
	ErrInvalidReservation   = errors.New("invalid reservation request")
	ErrOrderAlreadyResolved = errors.New("order reservations already resolved")
	ErrConcurrencyConflict  = errors.New("stock changed concurrently, retry budget exhausted")
	ErrInvalidProduct       = errors.New("invalid product")

	errReservationRejected = errors.New("reservation rejected")
)
