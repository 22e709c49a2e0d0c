package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"go.uber.org/zap"
)

// statusFor maps an error to its HTTP status and a stable kind string.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, middleware.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, domain.ErrUnsupportedAsset):
		return http.StatusBadRequest, "unsupported_asset"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrBalanceNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden, "not_owner"
	case errors.Is(err, domain.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, "transient"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	code, kind := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, dto.Error{Error: msg, Kind: kind})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.Error{Error: err.Error(), Kind: "invalid"})
}
