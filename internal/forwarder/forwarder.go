// Package forwarder builds the upstream request, streams the response back
// to the client, and extracts usage, per spec.md §4.3.
package forwarder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rpay/croxy/internal/router"
)

// hopByHopHeaders are dropped before forwarding, per spec.md §4.3.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "TE", "Trailer",
}

const countTokensSuffix = "/v1/messages/count_tokens"

// Forwarder holds the shared, connection-pooled HTTP client used for all
// upstream calls (spec.md §5 — shared resources, safe for concurrent use).
type Forwarder struct {
	client *http.Client
}

// New builds a Forwarder. maxIdleConnsPerHost mirrors the teacher's
// upstream transport tuning (internal/upstream/anthropiccompat.transport).
// Redirects are not followed: a 3xx reply is relayed to the client as is.
func New() *Forwarder {
	return &Forwarder{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     120 * time.Second,
			},
		},
	}
}

// Result is what Forward returns in addition to having already written the
// client response: the pieces needed to finish assembling a RequestRecord.
type Result struct {
	EffectiveModel string
	StatusCode     int
	InputTokens    int
	OutputTokens   int
	ErrorKind      string
}

// Forward builds the upstream request from route, relays the response back
// to w (streaming or buffered as the content type dictates), and returns
// the fields needed to finish a RequestRecord. body is the already-read,
// already-size-checked inbound request body.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, body []byte, model string, route router.ResolvedRoute) Result {
	if route.StubCountTokens && strings.HasSuffix(r.URL.Path, countTokensSuffix) {
		return f.stubCountTokens(w)
	}

	outBody := body
	effectiveModel := model
	if route.ModelRewrite != "" {
		rewritten, err := rewriteModel(body, route.ModelRewrite)
		if err != nil {
			http.Error(w, `{"error":{"type":"invalid_request_error","message":"Invalid JSON in request body"}}`, http.StatusBadRequest)
			return Result{ErrorKind: "bad_request_body", StatusCode: http.StatusBadRequest}
		}
		outBody = rewritten
		effectiveModel = route.ModelRewrite
	}

	upstreamURL, err := buildUpstreamURL(route.ProviderURL, r.URL)
	if err != nil {
		http.Error(w, `{"error":{"type":"api_error","message":"Invalid upstream URL"}}`, http.StatusBadGateway)
		return Result{EffectiveModel: effectiveModel, ErrorKind: "upstream_unreachable", StatusCode: http.StatusBadGateway}
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(outBody))
	if err != nil {
		http.Error(w, `{"error":{"type":"api_error","message":"Failed to build upstream request"}}`, http.StatusBadGateway)
		return Result{EffectiveModel: effectiveModel, ErrorKind: "upstream_unreachable", StatusCode: http.StatusBadGateway}
	}
	copyRequestHeaders(outReq, r.Header, route)
	if route.ModelRewrite != "" {
		outReq.Header.Set("Content-Length", strconv.Itoa(len(outBody)))
		outReq.ContentLength = int64(len(outBody))
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		if r.Context().Err() != nil {
			return Result{EffectiveModel: effectiveModel, ErrorKind: "client_cancelled"}
		}
		http.Error(w, `{"error":{"type":"api_error","message":"Upstream request failed"}}`, http.StatusBadGateway)
		return Result{EffectiveModel: effectiveModel, ErrorKind: "upstream_unreachable", StatusCode: http.StatusBadGateway}
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp.Header)

	if resp.StatusCode >= 300 || resp.StatusCode < 200 {
		w.WriteHeader(resp.StatusCode)
		_, copyErr := io.Copy(w, resp.Body)
		errKind := "upstream_status"
		if copyErr != nil && r.Context().Err() != nil {
			errKind = "client_cancelled"
		}
		return Result{EffectiveModel: effectiveModel, StatusCode: resp.StatusCode, ErrorKind: errKind}
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		w.WriteHeader(resp.StatusCode)
		inTok, outTok, err := relayStream(w, resp.Body)
		errKind := ""
		if err != nil && r.Context().Err() != nil {
			errKind = "client_cancelled"
		}
		return Result{
			EffectiveModel: effectiveModel,
			StatusCode:     resp.StatusCode,
			InputTokens:    inTok,
			OutputTokens:   outTok,
			ErrorKind:      errKind,
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if r.Context().Err() != nil {
			return Result{EffectiveModel: effectiveModel, StatusCode: resp.StatusCode, ErrorKind: "client_cancelled"}
		}
		w.WriteHeader(http.StatusBadGateway)
		return Result{EffectiveModel: effectiveModel, ErrorKind: "upstream_decode", StatusCode: http.StatusBadGateway}
	}

	inTok, outTok, usageErr := extractUsage(respBody)
	if usageErr != nil {
		http.Error(w, `{"error":{"type":"api_error","message":"Failed to decode upstream response"}}`, http.StatusBadGateway)
		return Result{
			EffectiveModel: effectiveModel,
			StatusCode:     http.StatusBadGateway,
			ErrorKind:      "upstream_decode",
		}
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
	return Result{
		EffectiveModel: effectiveModel,
		StatusCode:     resp.StatusCode,
		InputTokens:    inTok,
		OutputTokens:   outTok,
	}
}

// stubCountTokens short-circuits /v1/messages/count_tokens when the
// provider is configured with stub_count_tokens=true (spec.md §4.3).
func (f *Forwarder) stubCountTokens(w http.ResponseWriter) Result {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"input_tokens": 0}`))
	return Result{StatusCode: http.StatusOK}
}

// rewriteModel parses the body, replaces the model field, and re-serializes.
func rewriteModel(body []byte, newModel string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(newModel)
	if err != nil {
		return nil, err
	}
	doc["model"] = encoded
	return json.Marshal(doc)
}

// buildUpstreamURL joins the provider base URL with the inbound path and
// preserves the inbound query string.
func buildUpstreamURL(base string, inbound *url.URL) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	b.Path = strings.TrimRight(b.Path, "/") + inbound.Path
	b.RawQuery = inbound.RawQuery
	return b.String(), nil
}

// copyRequestHeaders copies inbound headers to the outbound request, drops
// hop-by-hop headers and Host, and applies the route's auth policy.
func copyRequestHeaders(outReq *http.Request, in http.Header, route router.ResolvedRoute) {
	for k, vv := range in {
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	for h := range outReq.Header {
		if strings.HasPrefix(strings.ToLower(h), "proxy-") {
			outReq.Header.Del(h)
		}
	}
	outReq.Header.Del("Host")

	if route.StripAuth {
		outReq.Header.Del("Authorization")
		outReq.Header.Del("x-api-key")
	}
	if route.APIKey != "" {
		outReq.Header.Set("x-api-key", route.APIKey)
	}
}

// copyResponseHeaders copies upstream response headers to the client,
// dropping hop-by-hop headers.
func copyResponseHeaders(w http.ResponseWriter, h http.Header) {
	for k, vv := range h {
		skip := false
		for _, hop := range hopByHopHeaders {
			if strings.EqualFold(k, hop) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// extractUsage parses a non-streaming Anthropic Messages response body and
// pulls usage.input_tokens/output_tokens, per spec.md §4.3.
func extractUsage(body []byte) (int, int, error) {
	var resp struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, fmt.Errorf("forwarder: decode usage: %w", err)
	}
	return resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

// relayStream streams body to w chunk-for-chunk without buffering the full
// response, while an inline SSE event assembler watches only for
// message_start and message_delta events to capture usage. Anything else is
// discarded unparsed (spec.md §9 Design Notes).
func relayStream(w http.ResponseWriter, body io.Reader) (inputTokens, outputTokens int, err error) {
	flusher, _ := w.(http.Flusher)
	fw := flushWriter{w: w, flusher: flusher}
	tee := io.TeeReader(body, fw)

	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			currentEvent = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch currentEvent {
			case "message_start":
				var ev struct {
					Message struct {
						Usage struct {
							InputTokens int `json:"input_tokens"`
						} `json:"usage"`
					} `json:"message"`
				}
				if json.Unmarshal([]byte(data), &ev) == nil {
					inputTokens = ev.Message.Usage.InputTokens
				}
			case "message_delta":
				var ev struct {
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if json.Unmarshal([]byte(data), &ev) == nil {
					outputTokens = ev.Usage.OutputTokens
				}
			}
		}
	}

	// Every byte the scanner read from tee was already forwarded to the
	// client, so a parse failure (e.g. a frame past the 1MB token cap)
	// only stops tokenization, not delivery. Drain whatever the scanner
	// never got to directly, so the client's stream is never truncated by
	// a parse hiccup.
	if scanErr := scanner.Err(); scanErr != nil {
		if _, copyErr := io.Copy(fw, body); copyErr != nil {
			return inputTokens, outputTokens, copyErr
		}
	}
	return inputTokens, outputTokens, scanner.Err()
}

// flushWriter writes to an http.ResponseWriter and flushes after every
// write, so streamed chunks reach the client promptly.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, err
}
