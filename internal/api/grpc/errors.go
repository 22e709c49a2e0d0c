package grpc

import (
	"errors"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, middleware.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrUnsupportedAsset):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrNotCancellable):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrBalanceNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrNotOwner):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrTransient):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
