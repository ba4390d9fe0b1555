package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"whatsauto/internal/constants"
	"whatsauto/internal/errors"
	"whatsauto/internal/tracing"

	"github.com/sirupsen/logrus"
)

// WriteJSON writes v with the given status. Encoding errors are logged
// because the status line is already sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode JSON response")
	}
}

// WriteError maps err to its HTTP status and writes the standard error body
// carrying the request id from r.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusCode(err)
	WriteJSON(w, status, errors.ToHTTPResponse(err, tracing.RequestID(r.Context())))
}

// DecodeJSON reads at most MaxRequestBodyBytes from r into v. Unknown fields
// are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("invalid request body: %v", err)).
			WithUserMessage("Invalid request body")
	}
	return nil
}
