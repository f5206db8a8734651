package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// statusTable is checked in order with errors.Is, so the first matching
// sentinel anywhere in the chain decides, including inside joined errors.
var statusTable = []struct {
	target error
	status int
}{
	{ErrReportNotFound, http.StatusNotFound},
	{ErrInvalidUtterance, http.StatusBadRequest},
	{ErrUnsupportedFormat, http.StatusUnprocessableEntity},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrRateLimited, http.StatusTooManyRequests},
	{ErrFailedPrecondition, http.StatusPreconditionFailed},
	{ErrCanceled, http.StatusRequestTimeout},
	{ErrPublishFailed, http.StatusBadGateway},
	{ErrStorageUnavailable, http.StatusServiceUnavailable},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrRuleSource, http.StatusInternalServerError},
}

// HTTPStatusFromError maps err to a status code, 500 when nothing matches.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	for _, entry := range statusTable {
		if errors.Is(err, entry.target) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// WriteError writes err as a JSON body with its mapped status. Structured
// errors expose their code, location and context fields.
func WriteError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{}
	var e *Error
	switch {
	case err == nil:
		body["error"] = "Unknown error"
	case errors.As(err, &e):
		body["message"] = err.Error()
		body["location"] = e.Location()
		if e.Code != "" {
			body["code"] = e.Code
		}
		if len(e.fields) > 0 {
			body["context"] = e.fields
		}
	default:
		body["error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusFromError(err))

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(body)
}
