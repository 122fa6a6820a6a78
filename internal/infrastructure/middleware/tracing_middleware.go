package middleware

import (
	"net/http"
	"strings"

	"rillmix/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// TracingMiddleware opens a server span per request, named after the
// matched route. Requests whose path starts with one of skip are not
// traced. Input and output routes carry the addressed id on the span.
func TracingMiddleware(skip ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range skip {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.client_ip", c.ClientIP()))
		if id := c.Param("id"); id != "" {
			switch {
			case strings.Contains(route, "/inputs/"):
				span.SetAttributes(tracing.InputIDKey.String(id))
			case strings.Contains(route, "/outputs/"):
				span.SetAttributes(tracing.OutputIDKey.String(id))
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		for _, e := range c.Errors {
			span.RecordError(e.Err)
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
