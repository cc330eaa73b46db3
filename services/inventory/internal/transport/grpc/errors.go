package grpc

import (
	"context"
	"errors"

	"github.com/wleicht/salesapi/services/inventory/internal/repository"
	"github.com/wleicht/salesapi/services/inventory/internal/service"
	"google.golang.org/grpc/codes"
)

func mapErrorCode(err error) codes.Code {
	switch {
	case errors.Is(err, service.ErrInvalidReservation):
		return codes.InvalidArgument
	case errors.Is(err, repository.ErrProductNotFound):
		return codes.NotFound
	case errors.Is(err, service.ErrOrderAlreadyResolved):
		return codes.FailedPrecondition
	case errors.Is(err, service.ErrConcurrencyConflict):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
