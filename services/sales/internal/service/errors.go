package service

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrUnprocessable          = errors.New("unprocessable")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrProductNotFound        = errors.New("product not found")

	// errCommitUnknown means the order may or may not be stored.
	errCommitUnknown = errors.New("order commit outcome unknown")
)

// ValidationError is returned before any side effect took place.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return "validation failed: " + strings.Join(keys, ", ")
}

// BusinessError carries a reason that is safe to show to the client.
type BusinessError struct {
	Reason string
}

func (e *BusinessError) Error() string {
	return e.Reason
}

func (e *BusinessError) Unwrap() error {
	return ErrUnprocessable
}
