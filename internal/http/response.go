package httpserver

import (
	"encoding/json"
	"net/http"

	"deskrelay/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

type errorResponse struct {
	OK      bool          `json:"ok"`
	Error   protocol.Code `json:"error"`
	Message string        `json:"message"`
}

// writeError maps a relay error onto its HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	writeJSON(w, protocol.HTTPStatus(code), errorResponse{Error: code, Message: err.Error()})
}
