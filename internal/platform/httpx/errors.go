// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for handlers that do not return classified errors.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ClassifiedError is implemented by domain errors that carry a kind and a
// stable code.
type ClassifiedError interface {
	error
	ErrorKind() string
	ErrorCode() string
}

var kindStatus = map[string]struct {
	status int
	title  string
}{
	"validation":     {http.StatusBadRequest, "Validation Failed"},
	"state":          {http.StatusConflict, "Conflict"},
	"not_found":      {http.StatusNotFound, "Not Found"},
	"forbidden":      {http.StatusForbidden, "Forbidden"},
	"infrastructure": {http.StatusServiceUnavailable, "Service Unavailable"},
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var classified ClassifiedError
	if errors.As(err, &classified) {
		if m, ok := kindStatus[classified.ErrorKind()]; ok {
			detail := err.Error()
			if classified.ErrorKind() == "infrastructure" {
				detail = "temporary failure, retry the request"
			}
			ProblemWithCode(w, m.status, m.title, detail, classified.ErrorKind(), classified.ErrorCode())
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
