package httpx

import (
	"net/http"

	"github.com/linkpulse/linkpulse/internal/errx"
)

// ErrorKindToStatus maps errx.Kind to HTTP status codes.
func ErrorKindToStatus(kind errx.Kind) int {
	switch kind {
	case errx.NotFound:
		return http.StatusNotFound
	case errx.Conflict:
		return http.StatusConflict
	case errx.Invalid:
		return http.StatusBadRequest
	case errx.Unavailable:
		return http.StatusServiceUnavailable
	case errx.Deadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKindToCode maps errx.Kind to stable error codes for JSON responses.
func ErrorKindToCode(kind errx.Kind) string {
	switch kind {
	case errx.NotFound:
		return "not_found"
	case errx.Conflict:
		return "conflict"
	case errx.Invalid:
		return "invalid_input"
	case errx.Unavailable:
		return "unavailable"
	case errx.Deadline:
		return "deadline_exceeded"
	default:
		return "internal_error"
	}
}
