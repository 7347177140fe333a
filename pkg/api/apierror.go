// Package api — HTTP surface of the signing engine: RFC 7807 error
// responses, the capabilities document and the signer heartbeat.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/signoff/pkg/signer"
	"github.com/Mindburn-Labs/signoff/pkg/updater"
	"github.com/Mindburn-Labs/signoff/pkg/workflow"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://github.com/Mindburn-Labs/signoff/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteWorkflowError maps an engine error onto the HTTP response: workflow
// rejections keep their code and message, an unavailable signer becomes 503,
// anything else a 500 (logged, never exposed).
func WriteWorkflowError(w http.ResponseWriter, err error) {
	var rej *workflow.Rejection
	switch {
	case errors.As(err, &rej):
		title := "Bad Request"
		if rej.Code == http.StatusForbidden {
			title = "Forbidden"
		}
		WriteError(w, rej.Code, title, rej.Message)
	case errors.Is(err, signer.ErrUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "Signing service is unavailable. Please retry later.")
	case errors.Is(err, updater.ErrBackendSkew):
		WriteError(w, http.StatusBadRequest, "Bad Request", "Destination timestamp is ahead of the source; records cannot be mirrored.")
	default:
		slog.Error("internal server error", "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}
