// Package api holds the RFC 7807 problem responses and HTTP plumbing shared by creditlock handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

const problemTypeBase = "https://creditlock.mindburn.dev/errors/"

// ProblemDetail implements RFC 7807. Details is an extension member carrying
// machine-readable context such as the current status or the allowed transitions.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

var kindStatus = map[fault.Kind]int{
	fault.KindValidation:        http.StatusBadRequest,
	fault.KindUnauthorized:      http.StatusUnauthorized,
	fault.KindForbidden:         http.StatusForbidden,
	fault.KindInvalidTransition: http.StatusConflict,
	fault.KindConflict:          http.StatusConflict,
	fault.KindNotFound:          http.StatusNotFound,
	fault.KindCollision:         http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind fault.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteFault maps a classified error to a problem response. Unclassified errors become a 500.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	p := &ProblemDetail{
		Type:    problemTypeBase + strings.ToLower(strings.ReplaceAll(string(kind), "_", "-")),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  faultMessage(err),
		Kind:    string(kind),
		Details: fault.DetailsOf(err),
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	writeProblem(w, p)
}

func faultMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
