package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func getFrom(router http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	limiter1 := rl.getLimiter("192.168.1.1")
	require.NotNil(t, limiter1)
	assert.Same(t, limiter1, rl.getLimiter("192.168.1.1"), "same IP, same limiter")
	assert.NotSame(t, limiter1, rl.getLimiter("192.168.1.2"))
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))

			var last *httptest.ResponseRecorder
			for range tt.requestCount {
				last = getFrom(router, "192.168.1.100")
			}
			assert.Equal(t, tt.expectedStatus, last.Code)
		})
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	assert.Equal(t, http.StatusOK, getFrom(router, "192.168.1.100").Code)
	w := getFrom(router, "192.168.1.100")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")

	assert.Equal(t, http.StatusOK, getFrom(router, "192.168.1.2").Code, "other clients keep their budget")
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("192.168.1.1")
	now = now.Add(limiterIdle / 2)
	rl.getLimiter("192.168.1.2")

	now = now.Add(limiterIdle/2 + time.Second)
	assert.Equal(t, 1, rl.sweep())

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "192.168.1.2")
}

func TestMaxBytesMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		maxBytes       int64
		bodySize       int
		hideLength     bool
		expectedStatus int
	}{
		{"under limit", 1024, 512, false, http.StatusOK},
		{"at limit", 1024, 1024, false, http.StatusOK},
		{"over limit by content-length", 1024, 2048, false, http.StatusRequestEntityTooLarge},
		{"over limit while reading", 1024, 2048, true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(tt.maxBytes))
			router.POST("/test", func(c *gin.Context) {
				_, tooLarge, err := readBody(c)
				if tooLarge {
					c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
					return
				}
				require.NoError(t, err)
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			if tt.hideLength {
				req.ContentLength = -1
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusRequestEntityTooLarge {
				assert.Contains(t, w.Body.String(), "Request body too large")
			}
		})
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := gin.New()
	router.Use(ZapLogger(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/bad", "/boom"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
	assert.Equal(t, "/boom", entries[2].ContextMap()["path"])
	assert.EqualValues(t, http.StatusInternalServerError, entries[2].ContextMap()["status"])
}
