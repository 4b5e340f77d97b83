package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
)

// writeOK marshals payload merged with {"ok":true} and writes it with the
// status code, content-length, and content-type the spec requires.
func writeOK(w http.ResponseWriter, status int, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["ok"] = true
	writeJSON(w, status, payload)
}

// writeErr writes the {"ok":false,"error_code","message"} envelope for apiErr.
func writeErr(w http.ResponseWriter, apiErr *apierr.Error) {
	writeJSON(w, apiErr.Status, map[string]interface{}{
		"ok":         false,
		"error_code": apiErr.Code,
		"message":    apiErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(`{"ok":false,"error_code":"INTERNAL_ERROR","message":"failed to encode response"}`)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
