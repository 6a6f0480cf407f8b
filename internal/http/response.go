package http

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error   string         `json:"error"`
	Details string         `json:"details,omitempty"`
	Order   *orderResponse `json:"order,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
