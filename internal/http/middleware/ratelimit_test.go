package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(100, 5, KeyByUserOrIP())
	r := newTestRouter(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
}

func TestRateLimiter_RejectsBeyondBurst(t *testing.T) {
	rl := NewRateLimiter(0.0001, 1, KeyByUserOrIP())
	r := newTestRouter(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(0.0001, 1, func(c *gin.Context) string {
		return c.GetHeader("X-User-ID")
	})
	r := newTestRouter(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if do("alice") != http.StatusOK {
		t.Fatal("alice first request limited")
	}
	if do("alice") != http.StatusTooManyRequests {
		t.Fatal("alice second request not limited")
	}
	if do("bob") != http.StatusOK {
		t.Fatal("bob limited by alice's bucket")
	}
}

func TestRateLimiter_ReplayBypass(t *testing.T) {
	rl := NewRateLimiter(0.0001, 1, KeyByUserOrIP())
	r := newTestRouter(
		func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() },
		rl.Handler(),
	)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Bypass means even a drained bucket serves the request.
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("bypassed request %d: status = %d", i, w.Code)
		}
	}
}

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	keyFn := KeyByUserOrIP()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if key := keyFn(c); key[:3] != "ip:" {
		t.Fatalf("anonymous key = %q, want ip: prefix", key)
	}

	c.Set("userID", "alice")
	if key := keyFn(c); key != "user:alice" {
		t.Fatalf("user key = %q", key)
	}
}
