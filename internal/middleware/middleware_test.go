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

	"github.com/abcotronics/docreply/internal/auth"
)

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtManager := auth.NewJWTManager("test-secret", "docreply", time.Hour)
	mw := NewAuthMiddleware(jwtManager)

	router := gin.New()
	router.Use(mw.RequireAuth())
	router.GET("/protected", func(c *gin.Context) {
		u, ok := CurrentUser(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(ContextUserID), "name": u.Name})
	})

	t.Run("missing token", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/protected", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Missing authorization token")
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := jwtManager.GenerateToken(auth.User{ID: "usr_42", Email: "a@b.example", Name: "Ada"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := serve(router, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"user_id":"usr_42","name":"Ada"}`, w.Body.String())
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := serve(router, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired token")
	})

	t.Run("not configured", func(t *testing.T) {
		r := gin.New()
		r.Use(NewAuthMiddleware(nil).RequireAuth())
		r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer x")
		assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
	})
}

func TestSharedSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/op", SharedSecret("cron-secret", "", "whsec_other"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(router, httptest.NewRequest(http.MethodGet, "/op?secret=cron-secret", nil)).Code)
	assert.Equal(t, http.StatusNoContent, serve(router, httptest.NewRequest(http.MethodGet, "/op?secret=whsec_other", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/op", nil)
	req.Header.Set("X-Cron-Secret", "cron-secret")
	assert.Equal(t, http.StatusNoContent, serve(router, req).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(router, httptest.NewRequest(http.MethodGet, "/op?secret=wrong", nil)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, httptest.NewRequest(http.MethodGet, "/op", nil)).Code)

	closed := gin.New()
	closed.GET("/op", SharedSecret(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusUnauthorized, serve(closed, httptest.NewRequest(http.MethodGet, "/op?secret=", nil)).Code)
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	assert.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = serve(router, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestDatabaseHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	build := func(p Pinger) *gin.Engine {
		r := gin.New()
		r.Use(DatabaseHealthCheck(p, time.Second))
		r.POST("/hook", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	w := serve(build(fakePinger{}), httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(build(nil), httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(build(fakePinger{err: errors.New("connection refused")}), httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestSharedSecretLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := auth.NewFailureLimiter(2, time.Minute, time.Minute, time.Hour)
	router := gin.New()
	router.Use(SharedSecretLimited(limiter, "s3cret-value"))
	router.GET("/op", func(c *gin.Context) { c.Status(http.StatusOK) })

	bad := httptest.NewRequest(http.MethodGet, "/op?secret=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(router, bad).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, bad).Code)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/op?secret=s3cret-value", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "blocked even with the right secret")
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/op?secret=s3cret-value", nil)
	other.RemoteAddr = "198.51.100.7:4321"
	assert.Equal(t, http.StatusOK, serve(router, other).Code)
}
