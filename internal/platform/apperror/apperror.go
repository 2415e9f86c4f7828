// Package apperror defines the error kinds shared by the case workflow
// packages and their mapping onto HTTP responses.
package apperror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotEligible       = errors.New("user is not eligible")
	ErrValidationFailed  = errors.New("validation failed")
	ErrPersistenceFailed = errors.New("persistence failed")
)

// HTTPStatus returns the response code for err, 500 for unknown errors.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotEligible):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts err into an echo.HTTPError. Persistence errors are not
// echoed to the client.
func ToHTTP(err error) *echo.HTTPError {
	code := HTTPStatus(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, "internal server error")
	}
	return echo.NewHTTPError(code, err.Error())
}
