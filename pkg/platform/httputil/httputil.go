// Package httputil holds small JSON response helpers shared by handlers and middleware.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the envelope for every error body the gateway writes.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": message}. Internal errors never echo details.
func WriteError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	WriteJSON(w, status, ErrorResponse{Error: message})
}
