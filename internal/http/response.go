package httpapi

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondErrorCode attaches a machine-readable code so callers can
// branch on expected conditions (e.g. the paywall) without string
// matching.
func respondErrorCode(w http.ResponseWriter, status int, err error, code string) {
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
