// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers wrap domain failures with.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("cannot process request")
)

// Mapping pairs domain sentinels with the transport sentinel they surface as.
type Mapping map[error]error

// Translate returns the transport sentinel for err, joined with err so the detail survives.
func (m Mapping) Translate(err error) error {
	for domain, transport := range m {
		if errors.Is(err, domain) {
			return errors.Join(transport, err)
		}
	}
	return err
}

// Known reports whether err matches a mapped domain sentinel.
func (m Mapping) Known(err error) bool {
	for domain := range m {
		if errors.Is(err, domain) {
			return true
		}
	}
	return false
}

// RespondError maps errors to HTTP responses using RFC7807. Unknown errors never leak detail.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", detail(err))
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", detail(err))
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", detail(err))
	case errors.Is(err, ErrUnprocessable):
		Problem(w, http.StatusUnprocessableEntity, "Unprocessable", detail(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// detail drops the transport sentinel line added by Translate.
func detail(err error) string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 2 {
			return errs[1].Error()
		}
	}
	return err.Error()
}
