// Package httpx provides small JSON response helpers for the few
// machine-facing endpoints (health and readiness probes).
package httpx

import (
	"encoding/json"
	"net/http"
)

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Status reports a probe outcome as {"status": ...}.
func Status(w http.ResponseWriter, code int, status string) {
	JSON(w, code, map[string]string{"status": status})
}
