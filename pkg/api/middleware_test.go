package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

func TestGlobalRateLimiter_PerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := api.NewGlobalRateLimiter(ctx, 0.001, 2)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	do := func(addr string) int {
		req := httptest.NewRequest("GET", "/api/v1/reviews/queue", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3333"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", api.ClientIP(req))
	req.RemoteAddr = "192.0.2.4"
	assert.Equal(t, "192.0.2.4", api.ClientIP(req))
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Status string `json:"status"`
	}

	var b body
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"status":"APPROVED"}`))
	require.NoError(t, api.DecodeJSON(httptest.NewRecorder(), r, &b))
	assert.Equal(t, "APPROVED", b.Status)

	for name, raw := range map[string]string{
		"unknown field": `{"status":"APPROVED","extra":1}`,
		"trailing":      `{"status":"APPROVED"}{}`,
		"malformed":     `{"status":`,
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", strings.NewReader(raw))
			err := api.DecodeJSON(httptest.NewRecorder(), r, &b)
			assert.True(t, fault.Is(err, fault.KindValidation), "got %v", err)
		})
	}
}
