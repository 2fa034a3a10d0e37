// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	gwerrors "github.com/MediQ-Compfest-17-SEA/MediQ-Backend-API-Gateway/pkg/errors"
)

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteJSON writes a success payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes a structured error response based on the gateway error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *gwerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code gwerrors.Code, message string) {
	WriteError(w, r, gwerrors.New(code, message))
}

// WriteAnyError maps an arbitrary error to a structured response. Gateway
// errors keep their code; everything else becomes INTERNAL.
func WriteAnyError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if typed, ok := err.(*gwerrors.Error); ok {
		WriteError(w, r, typed)
		return
	}
	WriteErrorCode(w, r, gwerrors.CodeInternal, err.Error())
}
