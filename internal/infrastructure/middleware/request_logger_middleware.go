package middleware

import (
	"time"

	"rillmix/pkg/logger"
	"rillmix/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

// RequestLoggerMiddleware tags each request with an id, echoed in the
// X-Request-ID response header, and logs one line per request. A client
// supplied id is kept after sanitizing.
func RequestLoggerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log)
	return func(c *gin.Context) {
		id := utils.TruncateString(utils.SanitizeString(c.GetHeader(RequestIDHeader)), maxRequestIDLength)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if operator := c.GetString("operator"); operator != "" {
			ctx = logger.WithSubject(ctx, operator)
		}
		if c.Writer.Status() >= 500 && len(c.Errors) > 0 {
			cl.LogError(ctx, c.Errors.Last().Err, "request error", "path", c.Request.URL.Path)
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
