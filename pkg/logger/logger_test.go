package logger

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNew_LevelOverride(t *testing.T) {
	l := New("production", "debug")
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug enabled by override")
	}
	l = New("production", "")
	if l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug disabled in production")
	}
}

func TestMiddleware_SetsRequestIDAndContextLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware(slog.Default()))
	var fromCtx *slog.Logger
	r.GET("/x", func(c *gin.Context) {
		fromCtx = From(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "rid-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	if fromCtx == nil || fromCtx == slog.Default() {
		t.Fatalf("expected request-scoped logger in context")
	}
}

func TestMiddleware_ReplacesOversizedRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware(slog.Default()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("a", 500))
	r.ServeHTTP(w, req)

	got := w.Header().Get("X-Request-Id")
	if got == "" || len(got) > maxRequestIDLen {
		t.Fatalf("expected a generated request id, got %q", got)
	}
}
