package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"chorus/pkg/utils"
)

func TestLoggerAndRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	router := gin.New()
	router.Use(RequestID(), Logger(utils.NewLoggerWithWriter(&buf, "test", "info")))
	router.GET("/presence/online", func(c *gin.Context) {
		c.Status(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/presence/online", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	require.Contains(t, buf.String(), `"path":"/presence/online"`)
	require.Contains(t, buf.String(), `"status":418`)
	require.Contains(t, buf.String(), `"request_id":"req-1"`)
}

func TestRequestIDGenerated(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Len(t, rec.Header().Get(RequestIDHeader), 36)
}
