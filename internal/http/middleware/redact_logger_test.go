package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf) // plain JSON lines
	return &buf
}

func TestRedactingLogger_MasksAndRedacts(t *testing.T) {
	buf := withCapturedLogger(t)

	r := newTestRouter(RequestID(), RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/conversations/:id/messages", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	q := "email=a.b+tag@example.com&phone=+1-555-123-4567&id=123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodGet, "/conversations/alice%7Cbob/messages?"+q, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set(HeaderIdempotencyKey, "retry-1")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Custom", "email a@b.com id=123e4567-e89b-12d3-a456-426614174000")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"level":"info"`) {
		t.Fatalf("expected info log, got: %s", logs)
	}
	// Matched route logs the pattern, not the participant pair.
	if !strings.Contains(logs, `"path":"/conversations/:id/messages"`) {
		t.Fatalf("expected route pattern path, got: %s", logs)
	}
	if strings.Contains(logs, "alice|bob") {
		t.Fatalf("participant pair leaked: %s", logs)
	}
	if !strings.Contains(logs, `[REDACTED:email]`) || !strings.Contains(logs, `[REDACTED:phone]`) || !strings.Contains(logs, `[REDACTED:id]`) {
		t.Fatalf("expected query redactions, got: %s", logs)
	}
	for _, h := range []string{"Authorization", "X-User-Id", "Idempotency-Key", "X-Api-Key"} {
		if !strings.Contains(logs, `"`+h+`":"[REDACTED]"`) {
			t.Fatalf("%s must be masked: %s", h, logs)
		}
	}
	if !strings.Contains(logs, `"X-Custom":"email [REDACTED:email] id=[REDACTED:id]"`) {
		t.Fatalf("expected redacted X-Custom header, got: %s", logs)
	}
}

func TestRedactingLogger_UnmatchedRouteHidesConversation(t *testing.T) {
	buf := withCapturedLogger(t)

	r := newTestRouter(RedactingLogger(RedactOptions{}))
	// no routes registered: 404 path falls back to the raw URL path

	req := httptest.NewRequest(http.MethodGet, "/conversations/alice%7Cbob/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	logs := buf.String()
	if !strings.Contains(logs, `"level":"warn"`) {
		t.Fatalf("expected warn level for 404, got: %s", logs)
	}
	if !strings.Contains(logs, `"path":"/conversations/[REDACTED:conversation]/nope"`) {
		t.Fatalf("expected hidden conversation segment, got: %s", logs)
	}
}

func TestRedactingLogger_AttachesRequestScopedLogger(t *testing.T) {
	withCapturedLogger(t)

	r := newTestRouter(RedactingLogger(RedactOptions{}))
	var got bool
	r.GET("/probe", func(c *gin.Context) {
		got = LoggerFrom(c) != nil
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	if !got {
		t.Fatal("request-scoped logger not attached")
	}
}

func TestRedactingLogger_ErrorLevel(t *testing.T) {
	buf := withCapturedLogger(t)

	r := newTestRouter(RedactingLogger(RedactOptions{}))
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}
