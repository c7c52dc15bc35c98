// Package httputil provides JSON response helpers shared by every handler.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ErrorResponse is the body written for every non-2xx response.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
	Message    string `json:"message"`
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes the standard error body.
func WriteError(w http.ResponseWriter, r *http.Request, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       r.URL.Path,
		Message:    message,
	})
}

// WriteInternalError hides the cause from the client.
func WriteInternalError(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusInternalServerError, "Internal server error")
}

// WriteNoContent writes 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

var errTrailingData = errors.New("request body must contain a single JSON object")

// DecodeJSON decodes the request body into dst, rejecting unknown fields
// and trailing data.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}
