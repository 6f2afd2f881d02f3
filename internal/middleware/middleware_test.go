package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/polyglot-runner/internal/auth"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantLevel string
	}{
		{"ok", 0, "hello", "level=INFO"},
		{"client error", http.StatusBadRequest, "bad", "level=WARN"},
		{"server error", http.StatusInternalServerError, "boom", "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			h := chimw.RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte(tt.body))
			})))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", nil))

			line := buf.String()
			assert.Contains(t, line, tt.wantLevel)
			assert.Contains(t, line, "method=POST")
			assert.Contains(t, line, "path=/api/run")
			assert.Contains(t, line, "bytes="+strconv.Itoa(len(tt.body)))
			assert.Contains(t, line, "request_id=")
			wantStatus := tt.status
			if wantStatus == 0 {
				wantStatus = http.StatusOK
			}
			assert.Contains(t, line, "status="+strconv.Itoa(wantStatus))
		})
	}
}

func newTestLimiter(rps float64, burst int) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(rps, burst, discard())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func serve(ctx context.Context, h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/run", nil).WithContext(ctx)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	l, clock := newTestLimiter(1, 2)
	h := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()

	assert.Equal(t, http.StatusNoContent, serve(ctx, h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusNoContent, serve(ctx, h, "10.0.0.1:1234").Code)

	rec := serve(ctx, h, "10.0.0.1:9999")
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "same IP shares a bucket across ports")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"success":false`)

	// Another IP has its own bucket.
	assert.Equal(t, http.StatusNoContent, serve(ctx, h, "10.0.0.2:1234").Code)

	// Tokens refill with time.
	*clock = clock.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, serve(ctx, h, "10.0.0.1:1234").Code)
}

func TestRateLimiter_KeysByClientID(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	h := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	alice := auth.WithClientID(context.Background(), "alice")
	bob := auth.WithClientID(context.Background(), "bob")

	assert.Equal(t, http.StatusNoContent, serve(alice, h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(alice, h, "10.0.0.2:1").Code, "client id wins over IP")
	assert.Equal(t, http.StatusNoContent, serve(bob, h, "10.0.0.1:1").Code, "same IP, different client")
}

func TestRateLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(5, 5)
	h := l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve(context.Background(), h, "10.0.0.1:1")
	*clock = clock.Add(2 * time.Minute)
	serve(context.Background(), h, "10.0.0.2:1")

	assert.Equal(t, 2, l.Sweep())
	*clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, l.Sweep(), "first visitor idle for 4m is dropped")
}
