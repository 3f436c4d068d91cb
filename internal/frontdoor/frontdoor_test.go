package frontdoor

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rpay/croxy/internal/autorouter"
	"github.com/rpay/croxy/internal/config"
	"github.com/rpay/croxy/internal/forwarder"
	"github.com/rpay/croxy/internal/metricsstore"
	"github.com/rpay/croxy/internal/router"
)

type noopClassifier struct{}

func (noopClassifier) Classify(_ []autorouter.Candidate, _ []map[string]interface{}) (string, bool) {
	return "", false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.Provider{
			"main": {Name: "main", URL: "https://api.anthropic.com"},
		},
		Default: config.Default{Provider: "main"},
	}
}

func newTestServer(t *testing.T, maxBodySize int64) (*Server, *metricsstore.Store) {
	t.Helper()
	rt, err := router.New(testConfig(), noopClassifier{})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	store := metricsstore.New()
	srv := New(rt, forwarder.New(), store, nil, maxBodySize, discardLogger())
	return srv, store
}

func TestHandleRejectsOversizeBody(t *testing.T) {
	srv, store := newTestServer(t, 10)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(bytes.Repeat([]byte("a"), 1000)))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	snap := store.Snapshot()
	if len(snap) != 1 || snap[0].ErrorKind != "request_too_large" {
		t.Fatalf("expected one request_too_large record, got %+v", snap)
	}
}

func TestFinishIncrementsRequestsTotalCounter(t *testing.T) {
	srv, _ := newTestServer(t, 1<<20)

	before := testutil.ToFloat64(requestsTotal.WithLabelValues("4xx", ""))
	srv.finish(metricsstore.RequestRecord{StatusCode: http.StatusBadRequest, ErrorKind: "bad_request_body"})
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("4xx", ""))

	if after != before+1 {
		t.Fatalf("expected croxy_requests_total{status_class=\"4xx\"} to increment by 1, went from %v to %v", before, after)
	}
}

func TestHandleRejectsInvalidJSON(t *testing.T) {
	srv, store := newTestServer(t, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`not json`)))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	snap := store.Snapshot()
	if len(snap) != 1 || snap[0].ErrorKind != "bad_request_body" {
		t.Fatalf("expected one bad_request_body record, got %+v", snap)
	}
}

func TestRecoverMiddlewareReturns500OnPanic(t *testing.T) {
	store := metricsstore.New()
	srv := &Server{store: store, maxBodySize: 1 << 20, logger: discardLogger()}

	panicking := srv.recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()

	panicking.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after recovered panic, got %d", w.Code)
	}
	snap := store.Snapshot()
	if len(snap) != 1 || snap[0].ErrorKind != "handler_panic" {
		t.Fatalf("expected one handler_panic record, got %+v", snap)
	}
}
