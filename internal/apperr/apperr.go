// Package apperr defines the error categories shared across the service.
//
// Domain packages wrap these sentinels with fmt.Errorf("...: %w", ...) and
// callers classify with errors.Is. The HTTP layer maps each category to a
// status code in one place instead of switching on error strings.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks input the caller can fix: malformed ids, empty
	// carts, unavailable products, impossible quantities.
	ErrValidation = errors.New("invalid request")

	// ErrAuthentication marks requests whose identity or signature could
	// not be verified.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization marks requests by a verified caller who does not
	// own the resource and is not an admin.
	ErrAuthorization = errors.New("forbidden")

	// ErrNotFound marks lookups of resources that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks state-machine races: the row was not in the
	// expected status when a compare-and-set ran.
	ErrConflict = errors.New("conflict")

	// ErrGateway marks failures of the external payment processor:
	// unreachable, timed out, or replying with garbage.
	ErrGateway = errors.New("payment gateway error")
)

// Kind returns a stable label for logs and API bodies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGateway):
		return "gateway"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to the response code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
