package server

import (
	"net/http"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/pulse/budget"
)

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, budget.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
