package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/yubico/u2fval/internal/engine"
)

// errorEnvelope is the wire shape of every non-2xx response (spec §6).
type errorEnvelope struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	ErrorData    any    `json:"errorData,omitempty"`
}

// httpStatusForCode maps an engine error code to its HTTP status (spec §7).
func httpStatusForCode(code int) int {
	switch code {
	case engine.CodeBadInput, engine.CodeNoEligibleDevices, engine.CodeDeviceCompromised:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the sole translator from *engine.Error to the wire envelope
// (spec §7, §9's "framework exception-as-control-flow" split).
func writeError(w http.ResponseWriter, err error) {
	engErr, ok := err.(*engine.Error)
	if !ok {
		engErr = &engine.Error{Code: engine.CodeInternal, Message: err.Error()}
	}
	if engErr.Code == engine.CodeInternal {
		log.Printf("internal error: %v", err)
	}
	writeJSON(w, httpStatusForCode(engErr.Code), errorEnvelope{
		ErrorCode:    engErr.Code,
		ErrorMessage: engErr.Message,
		ErrorData:    engErr.Data,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response body: %v", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
