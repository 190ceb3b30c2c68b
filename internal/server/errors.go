package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/fcr/internal/protocol"
)

// apiError is the JSON error body.
type apiError struct {
	Error string             `json:"error"`
	Code  protocol.ErrorCode `json:"code,omitempty"`
}

// writeError maps a failure to an HTTP status and JSON body. Overload
// rejections become 503 so peers know to retry elsewhere; everything else
// follows the error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	if protocol.IsOverloaded(err) {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
		return
	}

	var serr *protocol.SessionError
	if !errors.As(err, &serr) {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch serr.Code {
	case protocol.CodeValidation, protocol.CodeValue, protocol.CodeType,
		protocol.CodeUnsupportedDevice, protocol.CodeUnsupportedCommand:
		status = http.StatusBadRequest
	case protocol.CodeLookup:
		status = http.StatusNotFound
	case protocol.CodePermission:
		status = http.StatusForbidden
	case protocol.CodeConnectionTimeout, protocol.CodeCommandExecutionTimeout,
		protocol.CodeTimeout:
		status = http.StatusGatewayTimeout
	case protocol.CodeConnectionError, protocol.CodeDeviceError,
		protocol.CodeStreamReader, protocol.CodeCommandExecutionError:
		status = http.StatusBadGateway
	}

	writeJSON(w, status, apiError{Error: serr.Error(), Code: serr.Code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
