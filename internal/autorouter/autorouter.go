// Package autorouter implements the Arch-Router-style classifier used to
// pick a named route from free-text descriptions, per spec.md §4.2.
//
// Any failure — transport, timeout, non-2xx, decode failure, unknown name —
// is non-fatal: Classify logs at warn and returns ok=false so the caller
// falls through to pattern/default routing. Classification must never fail
// the client request.
package autorouter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Candidate is a route eligible for classification.
type Candidate struct {
	Name        string
	Description string
}

// Classifier calls a configured OpenAI-style chat completions endpoint to
// pick a route name out of a set of candidates.
type Classifier struct {
	url     string
	model   string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// New builds a Classifier. url and model come from [auto_router] config;
// timeout is the hard per-call budget (spec.md §4.2, default 2000ms — see
// DESIGN.md's Open Question decision).
func New(url, model string, timeout time.Duration, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		url:     url,
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// promptTemplate is an Arch-Router-style task template: it lists the
// candidate routes and the conversation and asks for {"route": "<name>"},
// or {"route": "other"} when nothing fits. Its wording is not a verbatim
// copy of the Arch-Router model's published prompt. It is a fixed constant,
// not re-derived per request, since it never varies at runtime.
const promptTemplate = `You are a routing assistant. Given a conversation and a list of ` +
	`candidate routes, choose the single best route for the conversation.

Routes:
%s

Conversation:
%s

Respond with ONLY a JSON object of the form {"route": "<name>"}, using the ` +
	`exact route name from the list above. If none of the routes fit, respond ` +
	`with {"route": "other"}. Do not include any other text.`

var routeFieldRe = regexp.MustCompile(`\{"route"\s*:\s*"([^"]+)"\}`)

// Classify builds the prompt, calls the classifier endpoint, and returns the
// chosen route name. ok is false on any failure path (spec.md §4.2).
func (c *Classifier) Classify(candidates []Candidate, messages []map[string]interface{}) (string, bool) {
	prompt := buildPrompt(candidates, messages)

	reqBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  64,
		"temperature": 0,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		c.logger.Warn("autorouter: marshal request failed", "err", err)
		return "", false
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		c.logger.Warn("autorouter: build request failed", "err", err)
		return "", false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("autorouter: classifier request failed", "err", err)
		return "", false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("autorouter: read classifier response failed", "err", err)
		return "", false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("autorouter: classifier returned non-2xx", "status", resp.StatusCode)
		return "", false
	}

	text, err := extractChatText(body)
	if err != nil {
		c.logger.Warn("autorouter: decode classifier response failed", "err", err)
		return "", false
	}

	name, ok := parseRoute(text)
	if !ok {
		c.logger.Warn("autorouter: classifier response had no parseable route", "raw", text)
		return "", false
	}
	if name == "other" {
		return "", false
	}
	for _, cand := range candidates {
		if cand.Name == name {
			return name, true
		}
	}
	c.logger.Warn("autorouter: classifier returned unknown route", "route", name)
	return "", false
}

// buildPrompt renders the candidate list and the conversation (minus system
// messages) into the fixed task template.
func buildPrompt(candidates []Candidate, messages []map[string]interface{}) string {
	type candJSON struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	cands := make([]candJSON, 0, len(candidates))
	for _, c := range candidates {
		cands = append(cands, candJSON{Name: c.Name, Description: c.Description})
	}
	candBytes, _ := json.Marshal(cands)

	var filtered []map[string]interface{}
	for _, m := range messages {
		if role, _ := m["role"].(string); role == "system" {
			continue
		}
		filtered = append(filtered, m)
	}
	convBytes, _ := json.Marshal(filtered)

	return fmt.Sprintf(promptTemplate, string(candBytes), string(convBytes))
}

// extractChatText pulls the assistant's reply text out of an OpenAI-style
// chat completions response body.
func extractChatText(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("autorouter: no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// parseRoute implements the two-layer response parsing from spec.md §4.2:
// strict JSON decode first, then a regex capture against the raw text.
func parseRoute(text string) (string, bool) {
	var parsed struct {
		Route string `json:"route"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.Route != "" {
		return parsed.Route, true
	}
	if m := routeFieldRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}
