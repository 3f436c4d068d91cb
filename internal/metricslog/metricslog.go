// Package metricslog appends completed request records to a rotating,
// append-only JSONL file, per spec.md §4.5. Writer failures are logged and
// swallowed — they are never propagated back to the request pipeline.
package metricslog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rpay/croxy/internal/metricsstore"
	"github.com/rpay/croxy/internal/router"
)

// logLine is the current on-disk schema. Older logs used a "routed" bool
// instead of routing_method; Entry's UnmarshalJSON accepts both.
type logLine struct {
	Timestamp      string               `json:"timestamp"`
	Model          string               `json:"model"`
	EffectiveModel string               `json:"effective_model"`
	Provider       string               `json:"provider"`
	RoutingMethod  router.RoutingMethod `json:"routing_method"`
	StatusCode     int                  `json:"status_code"`
	DurationMs     int64                `json:"duration_ms"`
	InputTokens    int                  `json:"input_tokens"`
	OutputTokens   int                  `json:"output_tokens"`
	ErrorKind      string               `json:"error_kind,omitempty"`
}

// Entry is the schema-agnostic decoded form returned to log readers
// (e.g. the TUI), normalizing the legacy "routed" boolean and the absent
// field to the current RoutingMethod enum per spec.md §9.
type Entry struct {
	Timestamp      time.Time
	Model          string
	EffectiveModel string
	Provider       string
	RoutingMethod  router.RoutingMethod
	StatusCode     int
	DurationMs     int64
	InputTokens    int
	OutputTokens   int
	ErrorKind      string
}

// UnmarshalJSON accepts both the current schema (routing_method) and the
// pre-routing_method schema (a "routed" bool, or the field entirely absent).
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp      string  `json:"timestamp"`
		Model          string  `json:"model"`
		EffectiveModel string  `json:"effective_model"`
		Provider       string  `json:"provider"`
		RoutingMethod  *string `json:"routing_method"`
		Routed         *bool   `json:"routed"`
		StatusCode     int     `json:"status_code"`
		DurationMs     int64   `json:"duration_ms"`
		InputTokens    int     `json:"input_tokens"`
		OutputTokens   int     `json:"output_tokens"`
		ErrorKind      string  `json:"error_kind"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts, _ := time.Parse(time.RFC3339Nano, raw.Timestamp)
	e.Timestamp = ts
	e.Model = raw.Model
	e.EffectiveModel = raw.EffectiveModel
	e.Provider = raw.Provider
	e.StatusCode = raw.StatusCode
	e.DurationMs = raw.DurationMs
	e.InputTokens = raw.InputTokens
	e.OutputTokens = raw.OutputTokens
	e.ErrorKind = raw.ErrorKind

	switch {
	case raw.RoutingMethod != nil:
		e.RoutingMethod = router.RoutingMethod(*raw.RoutingMethod)
	case raw.Routed != nil && *raw.Routed:
		e.RoutingMethod = router.MethodPattern
	default:
		e.RoutingMethod = router.MethodDefault
	}
	return nil
}

// Writer appends RequestRecords as JSONL, rotating the active file when it
// would exceed MaxSizeMB. Rotation is serialized with appends under the
// same leaf lock — appends never interleave partial lines across files.
type Writer struct {
	mu          sync.Mutex
	path        string
	maxSize     int64
	maxFiles    int
	file        *os.File
	writtenSize int64
	logger      *slog.Logger
}

// NewWriter opens (creating if needed) the active log file at path.
func NewWriter(path string, maxSizeMB, maxFiles int, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("metricslog: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metricslog: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("metricslog: stat: %w", err)
	}
	return &Writer{
		path:        path,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxFiles:    maxFiles,
		file:        f,
		writtenSize: info.Size(),
		logger:      logger,
	}, nil
}

// Append serializes r as one JSON line and writes it, rotating first if the
// line would push the active file over MaxSizeMB. Failures are logged and
// swallowed (spec.md §4.5, §7).
func (w *Writer) Append(r metricsstore.RequestRecord) {
	line := logLine{
		Timestamp:      r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Model:          r.Model,
		EffectiveModel: r.EffectiveModel,
		Provider:       r.ProviderName,
		RoutingMethod:  r.RoutingMethod,
		StatusCode:     r.StatusCode,
		DurationMs:     r.DurationMs,
		InputTokens:    r.InputTokens,
		OutputTokens:   r.OutputTokens,
		ErrorKind:      r.ErrorKind,
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		w.logger.Warn("metricslog: marshal failed", "err", err)
		return
	}
	encoded = append(encoded, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writtenSize+int64(len(encoded)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			w.logger.Warn("metricslog: rotate failed", "err", err)
		}
	}

	n, err := w.file.Write(encoded)
	if err != nil {
		w.logger.Warn("metricslog: write failed", "err", err)
		return
	}
	w.writtenSize += int64(n)
}

// rotateLocked closes the active file, shifts file.N -> file.(N+1) up to
// MaxFiles, drops the oldest, and opens a fresh file. Caller must hold mu.
func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	oldest := fmt.Sprintf("%s.%d", w.path, w.maxFiles-1)
	os.Remove(oldest)

	for n := w.maxFiles - 2; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", w.path, n)
		dst := fmt.Sprintf("%s.%d", w.path, n+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if w.maxFiles >= 1 {
		os.Rename(w.path, fmt.Sprintf("%s.1", w.path))
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.writtenSize = 0
	return nil
}

// Close closes the active file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll reads and decodes every entry in the active log file, accepting
// both the current and pre-routing_method schemas. Intended for the TUI
// and other external log consumers, not the request pipeline.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var e Entry
				if err := json.Unmarshal(data[start:i], &e); err == nil {
					entries = append(entries, e)
				}
			}
			start = i + 1
		}
	}
	return entries, nil
}
