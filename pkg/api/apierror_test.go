package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func TestWriteFault_InvalidTransition(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	r := httptest.NewRequest("POST", "/api/v1/reviews/E1/action", nil)

	err := fault.InvalidTransition("APPROVED", "APPROVED", []string{"REJECTED"}, "cannot move APPROVED to APPROVED")
	api.WriteFault(w, r, fmt.Errorf("submit: %w", err))

	require.Equal(t, http.StatusConflict, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, "INVALID_TRANSITION", p.Kind)
	assert.Equal(t, "cannot move APPROVED to APPROVED", p.Detail)
	assert.Equal(t, "/api/v1/reviews/E1/action", p.Instance)
	assert.Equal(t, "req-1", p.TraceID)
	assert.Equal(t, []any{"REJECTED"}, p.Details["allowed"])
}

func TestWriteFault_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fault.Validation("bad"), http.StatusBadRequest},
		{fault.Unauthorized("who"), http.StatusUnauthorized},
		{fault.Forbidden("no"), http.StatusForbidden},
		{fault.Conflict("dup"), http.StatusConflict},
		{fault.NotFound("gone"), http.StatusNotFound},
		{fault.Collision(10, errors.New("exists")), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		api.WriteFault(w, nil, tc.err)
		assert.Equal(t, tc.want, w.Code, tc.err.Error())
	}
}

func TestWriteFault_UnclassifiedIsSanitized(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteFault(w, nil, errors.New("pq: password authentication failed"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	p := decodeProblem(t, w)
	assert.NotContains(t, p.Detail, "password")
	assert.Empty(t, p.Kind)
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 3)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
}
