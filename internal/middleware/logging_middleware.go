package middleware

import (
	"time"

	"github.com/annel0/mineworlds/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var log = logging.GetComponentLogger("http")

// TraceIDKey ключ trace-ID в gin.Context и заголовок ответа
const TraceIDKey = "trace_id"

// RequestLogger снабжает каждый HTTP-запрос trace-ID и пишет краткие логи.
type RequestLogger struct {
	skip map[string]struct{}
}

// NewRequestLogger пути из skip логируются только на уровне TRACE (health, metrics)
func NewRequestLogger(skip ...string) *RequestLogger {
	rl := &RequestLogger{skip: make(map[string]struct{}, len(skip))}
	for _, p := range skip {
		rl.skip[p] = struct{}{}
	}
	return rl
}

func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// trace-id из OpenTelemetry, если otelgin уже создал span
		span := trace.SpanFromContext(c.Request.Context())
		var traceID string
		if span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		} else {
			traceID = uuid.NewString()
		}
		c.Set(TraceIDKey, traceID)
		c.Header("X-Trace-Id", traceID)

		start := time.Now()
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		if _, quiet := rl.skip[path]; quiet {
			log.Trace("[HTTP] %s %s %d %s", method, path, status, latency)
			return
		}
		if status >= 500 {
			log.Warn("[HTTP] ◀ %s %s %d %s ip=%s trace=%s", method, path, status, latency, c.ClientIP(), traceID)
			return
		}
		log.Info("[HTTP] ◀ %s %s %d %s ip=%s trace=%s", method, path, status, latency, c.ClientIP(), traceID)
	}
}
