package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// RecommendationContext creates a logger context for a single recommendation.
func RecommendationContext(id, symbol, direction string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"recommendation_id": id,
		"symbol":            symbol,
		"direction":         direction,
	}).WithComponent("recommendation")
}

// ChainContext creates a logger context for decision-chain operations.
func ChainContext(chainID, symbol string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"chain_id": chainID,
		"symbol":   symbol,
	}).WithComponent("chain")
}

// GateContext creates a logger context for gate pipeline evaluation.
func GateContext(stage, symbol, direction string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"stage":     stage,
		"symbol":    symbol,
		"direction": direction,
	}).WithComponent("gate")
}

// LifecycleContext creates a logger context for tick evaluation of one row.
func LifecycleContext(id, symbol string, currentPrice float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"recommendation_id": id,
		"symbol":            symbol,
		"current_price":     currentPrice,
	}).WithComponent("lifecycle")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// WebSocketContext creates a logger context for WebSocket operations
func WebSocketContext(channel string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"channel": channel,
	}).WithComponent("websocket")
}

// HTTPMiddleware is a middleware that adds logging to HTTP requests
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := Default().WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		}).WithComponent("http")

		ctx := NewContext(r.Context(), l)
		r = r.WithContext(ctx)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		l.WithDuration(duration).WithField("status_code", wrapped.statusCode).Info("Request completed")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// StoreContext creates a logger context for store operations
func StoreContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("store")
}
