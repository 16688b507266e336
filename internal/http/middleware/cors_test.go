package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveCORS(allowed []string, method, origin string) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/availability?date=2026-03-11", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", "POST")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, called
}

func TestCORS(t *testing.T) {
	allowed := []string{"https://citas.example.com/", " "}

	rec, called := serveCORS(allowed, http.MethodGet, "https://citas.example.com")
	assert.True(t, called)
	assert.Equal(t, "https://citas.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))

	rec, called = serveCORS(allowed, http.MethodGet, "https://evil.example")
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec, called = serveCORS(allowed, http.MethodOptions, "https://citas.example.com")
	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = serveCORS([]string{"*"}, http.MethodGet, "https://random.example")
	assert.Equal(t, "https://random.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, called = serveCORS(allowed, http.MethodGet, "")
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("Vary"))
}
