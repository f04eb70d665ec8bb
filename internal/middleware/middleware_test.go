package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainhub-realtime/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.revoked, s.err
}

func newAuthRouter(v *jwt.Verifier, rc RevocationChecker) *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthMiddleware(v, rc), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":      c.GetString(ContextUserID),
			"display_name": c.GetString(ContextDisplayName),
		})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	v := jwt.NewVerifier("test-secret", "trainhub-auth")
	token, err := v.Issue("op-1", "Operator", "operator", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name       string
		rc         RevocationChecker
		header     string
		query      string
		wantStatus int
	}{
		{"header", nil, "Bearer " + token, "", http.StatusOK},
		{"query parameter", nil, "", "?token=" + token, http.StatusOK},
		{"missing", nil, "", "", http.StatusUnauthorized},
		{"bad scheme", nil, "Basic " + token, "", http.StatusUnauthorized},
		{"bad token", nil, "Bearer nope", "", http.StatusUnauthorized},
		{"revoked", stubRevocation{revoked: true}, "Bearer " + token, "", http.StatusUnauthorized},
		{"revocation store down", stubRevocation{err: errors.New("down")}, "Bearer " + token, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newAuthRouter(v, tt.rc).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"user_id":"op-1","display_name":"Operator"}`, w.Body.String())
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(), Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	r.Use(HealthCheck("realtime-gateway"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "realtime-gateway")
}
