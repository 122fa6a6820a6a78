package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := recordSpans(t)

	router := gin.New()
	router.Use(TracingMiddleware("/health"))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.DELETE("/api/v1/inputs/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.PATCH("/api/v1/outputs/:id/options", func(c *gin.Context) {
		_ = c.Error(errors.New("encoder gone"))
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sr.Ended(), "skipped paths are not traced")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/inputs/cam1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/api/v1/outputs/out1/options", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	del := spans[0]
	assert.Equal(t, "DELETE /api/v1/inputs/:id", del.Name())
	v, ok := spanAttr(del, "mixer.input.id")
	require.True(t, ok)
	assert.Equal(t, "cam1", v.AsString())
	v, ok = spanAttr(del, "http.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusNoContent), v.AsInt64())
	assert.NotEqual(t, codes.Error, del.Status().Code)

	patch := spans[1]
	assert.Equal(t, "PATCH /api/v1/outputs/:id/options", patch.Name())
	v, ok = spanAttr(patch, "mixer.output.id")
	require.True(t, ok)
	assert.Equal(t, "out1", v.AsString())
	assert.Equal(t, codes.Error, patch.Status().Code)
	require.Len(t, patch.Events(), 1)
	assert.Equal(t, "exception", patch.Events()[0].Name)
}

func TestTracingMiddleware_UnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := recordSpans(t)

	router := gin.New()
	router.Use(TracingMiddleware())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET unmatched", spans[0].Name())
}
