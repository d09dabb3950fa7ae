package server

import (
	"encoding/json"
	"net/http"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError writes a JSON error response with a consistent shape:
// {"error": {"code":"...","message":"..."}}
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errorPayload{Code: code, Message: message}})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
