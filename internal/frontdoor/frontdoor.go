// Package frontdoor is the HTTP entry point: request receipt, body cap,
// dispatch to the router and forwarder, record assembly, and error
// responses, per spec.md §4.6.
package frontdoor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpay/croxy/internal/forwarder"
	"github.com/rpay/croxy/internal/metricslog"
	"github.com/rpay/croxy/internal/metricsstore"
	"github.com/rpay/croxy/internal/router"
)

// requestsTotal is the Prometheus counterpart to the metrics store: the same
// completed-request event, broken out by status class and routing method
// instead of kept as individual records. Registered on the default
// registerer so the /metrics handler (promhttp.Handler()) exposes it
// without any registry threading, matching the teacher's
// internal/metrics/metrics.go counters.
var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "croxy_requests_total",
	Help: "Total number of proxied requests, by response status class and routing method.",
}, []string{"status_class", "routing_method"})

// statusClass buckets an HTTP status code into "Nxx", and "0xx" for
// requests that never received an upstream response (e.g. client_cancelled).
func statusClass(code int) string {
	switch {
	case code <= 0:
		return "0xx"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Server is the request handler mounted on the server.host:server.port
// listener (bound in internal/cli). It accepts any path a client would send
// to api.anthropic.com; the router inspects the model field, not the path.
type Server struct {
	router      *router.Router
	forwarder   *forwarder.Forwarder
	store       *metricsstore.Store
	log         *metricslog.Writer // nil when logging.metrics.enabled=false
	maxBodySize int64
	logger      *slog.Logger
}

// New builds a Server. logWriter may be nil if metrics logging is disabled.
func New(rt *router.Router, fw *forwarder.Forwarder, store *metricsstore.Store, logWriter *metricslog.Writer, maxBodySize int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{router: rt, forwarder: fw, store: store, log: logWriter, maxBodySize: maxBodySize, logger: logger}
}

// Handler returns the top-level http.Handler, wrapping the request path
// with panic recovery so a handler panic never crashes the process
// (spec.md §4.6, §7).
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(http.HandlerFunc(s.handle))
}

// recoverMiddleware returns 500 and records an error RequestRecord on
// panic, generalizing the teacher's "never crash the process" posture
// (internal/middleware/logging.go's status-capturing wrapper) into an
// explicit recovered response.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("frontdoor: panic in handler", "panic", rec, "path", r.URL.Path)
				rr := metricsstore.RequestRecord{
					Timestamp:  start,
					DurationMs: time.Since(start).Milliseconds(),
					StatusCode: http.StatusInternalServerError,
					ErrorKind:  "handler_panic",
				}
				s.finish(rr)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handle implements the per-request lifecycle from spec.md §5: read body ->
// resolve route -> forward -> insert record -> append log.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limited := http.MaxBytesReader(w, r.Body, s.maxBodySize)
	body, err := io.ReadAll(limited)
	if err != nil {
		s.respondTooLarge(w, start)
		return
	}

	var parsed struct {
		Model    string                   `json:"model"`
		Messages []map[string]interface{} `json:"messages"`
	}
	if len(body) > 0 {
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
			s.respondBadRequest(w, start)
			return
		}
	}

	route := s.router.Resolve(parsed.Model, parsed.Messages)

	result := s.forwarder.Forward(w, r, body, parsed.Model, route)

	effectiveModel := result.EffectiveModel
	if effectiveModel == "" {
		effectiveModel = parsed.Model
	}
	rr := metricsstore.RequestRecord{
		Timestamp:      start,
		Model:          parsed.Model,
		EffectiveModel: effectiveModel,
		ProviderName:   route.ProviderName,
		RoutingMethod:  route.RoutingMethod,
		StatusCode:     result.StatusCode,
		DurationMs:     time.Since(start).Milliseconds(),
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		ErrorKind:      result.ErrorKind,
	}
	s.finish(rr)
}

func (s *Server) respondTooLarge(w http.ResponseWriter, start time.Time) {
	http.Error(w, `{"error":{"type":"invalid_request_error","message":"Request body too large"}}`, http.StatusRequestEntityTooLarge)
	s.finish(metricsstore.RequestRecord{
		Timestamp:  start,
		StatusCode: http.StatusRequestEntityTooLarge,
		DurationMs: time.Since(start).Milliseconds(),
		ErrorKind:  "request_too_large",
	})
}

func (s *Server) respondBadRequest(w http.ResponseWriter, start time.Time) {
	http.Error(w, `{"error":{"type":"invalid_request_error","message":"Invalid JSON in request body"}}`, http.StatusBadRequest)
	s.finish(metricsstore.RequestRecord{
		Timestamp:  start,
		StatusCode: http.StatusBadRequest,
		DurationMs: time.Since(start).Milliseconds(),
		ErrorKind:  "bad_request_body",
	})
}

// finish inserts the record into the store, increments the Prometheus
// counter, and, if enabled, appends the record to the metrics log. Exactly
// one record is produced per returned HTTP response or recorded
// client-cancellation (spec.md §8).
func (s *Server) finish(rr metricsstore.RequestRecord) {
	s.store.Insert(rr)
	requestsTotal.WithLabelValues(statusClass(rr.StatusCode), string(rr.RoutingMethod)).Inc()
	if s.log != nil {
		s.log.Append(rr)
	}
}
