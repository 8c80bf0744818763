// Package controlapi is the Control Surface's HTTP transport (spec §4.7):
// a thin command layer the embedded UI shell invokes over local loopback
// HTTP instead of a native IPC bridge. Adapted from the teacher's api
// package — same envelope shape and chi router composition — trimmed down
// to the handful of commands this system actually exposes (no auth, no
// resource CRUD: every registered agent can receive any task, per spec §1's
// non-goals).
package controlapi

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper: successful responses
// wrap the payload under "data"; errors use an "error" object.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

// ErrBadRequest writes a 400 response — used for invalid_command (spec §7).
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "invalid_command")
}

// ErrInternal writes a 500 response for anything unexpected.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst, writing a bad-request
// response and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
