package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Upstream creates an error for a failure reported by a remote service,
// preserving the service's error code so retry policies can match on it.
// The sentinel is chosen from the HTTP status the service answered with.
func Upstream(op, code, message string, status int) error {
	if message == "" {
		message = code
	}
	return &Error{
		Sentinel: sentinelForStatus(status),
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
		Code:     code,
	}
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusBadRequest:
		return ErrValidation
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ErrUnavailable
	default:
		return ErrInternal
	}
}
