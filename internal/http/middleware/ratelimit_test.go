package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if email := c.GetHeader("X-Test-Email"); email != "" {
			ctx := ctxutil.WithRequestData(c.Request.Context(), &ctxutil.RequestData{Email: email, Role: "user"})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	})
	r.Use(rl.Middleware())
	r.POST("/api/inference", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func post(r *gin.Engine, email string) *httptest.ResponseRecorder {
	req := httptest.NewRequestWithContext(context.Background(), http.MethodPost, "/api/inference", nil)
	req.Header.Set("X-Test-Email", email)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterRejectsAfterBurstPerCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(60, 2, nil)
	rl.now = func() time.Time { return now }
	r := limitedRouter(rl)

	for i := 0; i < 2; i++ {
		if rec := post(r, "alice@example.com"); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: got=%d want=%d", i, rec.Code, http.StatusAccepted)
		}
	}
	rec := post(r, "alice@example.com")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: got=%d want=%d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After: got=%q want=1", rec.Header().Get("Retry-After"))
	}
	if rec := post(r, "bob@example.com"); rec.Code != http.StatusAccepted {
		t.Fatalf("other caller limited: got=%d", rec.Code)
	}

	now = now.Add(time.Second)
	if rec := post(r, "alice@example.com"); rec.Code != http.StatusAccepted {
		t.Fatalf("after refill: got=%d want=%d", rec.Code, http.StatusAccepted)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := limitedRouter(NewRateLimiter(0, 1, nil))
	for i := 0; i < 10; i++ {
		if rec := post(r, "alice@example.com"); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: got=%d", i, rec.Code)
		}
	}
}

func TestRateLimiterSweepsIdleCallers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(60, 1, nil)
	rl.now = func() time.Time { return now }
	rl.reserve("alice@example.com")
	now = now.Add(2 * limiterIdleTTL)
	rl.reserve("bob@example.com")
	if _, ok := rl.callers["alice@example.com"]; ok {
		t.Fatalf("idle caller was not swept")
	}
	if len(rl.callers) != 1 {
		t.Fatalf("callers: got=%d want=1", len(rl.callers))
	}
}
