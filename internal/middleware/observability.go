package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"flack/internal/httputil"
	"flack/internal/metrics"
	"flack/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Shared field names for request logs.
const (
	logFieldRequestID  = "request_id"
	logFieldTraceID    = "trace_id"
	logFieldMethod     = "method"
	logFieldURL        = "url"
	logFieldStatusCode = "status_code"
	logFieldDuration   = "duration_ms"
	logFieldRemoteIP   = "remote_ip"
	logFieldUserAgent  = "user_agent"
	logFieldSize       = "response_size"
)

// ObservabilityMiddleware adds tracing, metrics, and request logging to HTTP
// requests.
func ObservabilityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.WithOtelTracing(r.Context(), "http_request")
			defer span.End()

			requestID := tracing.GenerateRequestID()
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())

			r = r.WithContext(ctx)

			// Metric labels use the route template, not the raw path, so
			// per-entry URLs do not explode the label space.
			endpoint := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					endpoint = tmpl
				}
			}

			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", endpoint),
				attribute.String("http.host", r.Host),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", httputil.GetClientIP(r)),
			)

			requestInfo := tracing.GetRequestInfo(ctx)

			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.WithFields(logrus.Fields{
				logFieldRequestID: requestInfo.RequestID,
				logFieldTraceID:   requestInfo.TraceID,
				logFieldMethod:    r.Method,
				logFieldURL:       r.URL.Path,
				logFieldRemoteIP:  httputil.GetClientIP(r),
				logFieldUserAgent: r.Header.Get("User-Agent"),
			}).Debug("HTTP request started")

			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
			}, "Total HTTP requests")

			metrics.IncrementCounter("http_requests_active", nil, "Currently active HTTP requests")
			defer func() {
				metrics.AddToCounter("http_requests_active", -1, nil, "Currently active HTTP requests")
			}()

			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
				attribute.Int64("http.request.duration_ms", duration.Milliseconds()),
			)

			if wrapper.statusCode >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			metrics.RecordTimer("http_request_duration", duration, map[string]string{
				"method":      r.Method,
				"endpoint":    endpoint,
				"status_code": strconv.Itoa(wrapper.statusCode),
			}, "HTTP request duration")

			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    endpoint,
				"status_code": strconv.Itoa(wrapper.statusCode),
			}, "HTTP responses by status code")

			if wrapper.responseSize > 0 {
				metrics.AddToCounter("http_response_bytes_total", float64(wrapper.responseSize), map[string]string{
					"endpoint": endpoint,
				}, "Total HTTP response bytes")
			}

			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			logger.WithFields(logrus.Fields{
				logFieldRequestID:  requestInfo.RequestID,
				logFieldTraceID:    requestInfo.TraceID,
				logFieldMethod:     r.Method,
				logFieldURL:        r.URL.Path,
				logFieldStatusCode: wrapper.statusCode,
				logFieldDuration:   duration.Milliseconds(),
				logFieldRemoteIP:   httputil.GetClientIP(r),
				logFieldSize:       wrapper.responseSize,
			}).Log(logLevel, "HTTP request completed")
		})
	}
}

// responseWrapper captures status and size for logs and metrics. Hijack and
// Flush forward to the underlying writer so the websocket upgrade on /ws
// still works behind the middleware.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWrapper) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
