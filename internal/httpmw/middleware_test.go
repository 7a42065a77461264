package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestWithRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "has space")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "has space", seen)
	assert.Len(t, seen, 36)
}

func TestWithRecover_APIPanicReturnsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		WithRequestID, WithRecover(logger))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error","code":"internal"}`, rec.Body.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "panic_recovered", entry["msg"])
	assert.Equal(t, "boom", entry["panic"])
}

func TestWithAccessLog_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}), WithRequestID, WithAccessLog(logger))

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http_request", entry["msg"])
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, float64(201), entry["status"])
	assert.Equal(t, float64(5), entry["bytes"])
	assert.Equal(t, "10.0.0.1", entry["remote_ip"])
	assert.NotEmpty(t, entry["request_id"])
}

func TestWithAccessLog_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	for _, status := range []int{http.StatusOK, http.StatusNotFound, http.StatusServiceUnavailable} {
		buf.Reset()
		h := WithAccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		want := map[int]string{200: "INFO", 404: "WARN", 503: "ERROR"}[status]
		assert.Equal(t, want, entry["level"], status)
	}
}

func TestWithTracing_RecordsServerSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), WithRequestID, WithTracing(tp.Tracer("test")), WithAccessLog(logger))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/api/tasks/7f3a/reorder", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "PATCH /api/tasks/{id}/reorder", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), entry["trace_id"])
}

func TestRouteOf(t *testing.T) {
	for in, want := range map[string]string{
		"/api/tasks":                  "/api/tasks",
		"/api/tasks/":                 "/api/tasks/",
		"/api/tasks/rollover":         "/api/tasks/rollover",
		"/api/tasks/import":           "/api/tasks/import",
		"/api/tasks/abc":              "/api/tasks/{id}",
		"/api/tasks/abc/calendar.ics": "/api/tasks/{id}/calendar.ics",
		"/healthz":                    "/healthz",
	} {
		assert.Equal(t, want, routeOf(in), in)
	}
}

func TestRateLimiter_PerKey(t *testing.T) {
	rejected := 0
	rl := NewRateLimiter(RateLimitOptions{
		RPS:      0.001,
		Burst:    2,
		Key:      func(r *http.Request) string { return r.Header.Get("X-User-Id") },
		OnReject: func(context.Context) { rejected++ },
	})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(owner string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("X-User-Id", owner)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
	assert.Equal(t, 1, rejected)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{RPS: 10, Idle: time.Minute})
	base := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }
	rl.limiter("a")
	rl.now = func() time.Time { return base.Add(2 * time.Minute) }
	rl.limiter("b")
	assert.Equal(t, 1, rl.Sweep())
	assert.Len(t, rl.visitors, 1)
}
