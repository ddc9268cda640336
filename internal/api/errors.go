package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Error kinds carried in the envelope.
const (
	kindValidation = "validation"
	kindAuth       = "auth"
	kindNotFound   = "not_found"
	kindInternal   = "internal"
)

// errorResponse is the single error envelope used by every route.
type errorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Index     *int   `json:"index,omitempty"`
}

// writeError writes the envelope. index < 0 omits the field.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string, index int) {
	resp := errorResponse{
		Kind:      kind,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if index >= 0 {
		resp.Index = &index
	}
	writeJSON(w, status, resp)
}
