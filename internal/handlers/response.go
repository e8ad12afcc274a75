package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"crm_wa/internal/services"
	"crm_wa/internal/whatsapp"

	"github.com/pkg/errors"
)

// writeJSON writes payload inside the response envelope shared by every
// endpoint.
func writeJSON(w http.ResponseWriter, code int, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if _, ok := payload["success"]; !ok {
		payload["success"] = code < http.StatusBadRequest
	}
	status, _ := payload["status"].(map[string]interface{})
	if status == nil {
		status = map[string]interface{}{}
		payload["status"] = status
	}
	status["timestamp"] = time.Now().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, whatsapp.ErrInvalidDestination):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnknownTenant):
		return http.StatusForbidden
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, whatsapp.ErrSendFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
