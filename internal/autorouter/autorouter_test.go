package autorouter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func candidates() []Candidate {
	return []Candidate{
		{Name: "coding", Description: "programming questions"},
		{Name: "chat", Description: "general conversation"},
	}
}

func chatCompletionResponse(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func TestClassifyParsesStrictJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatCompletionResponse(`{"route": "coding"}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", time.Second, nil)
	name, ok := c.Classify(candidates(), []map[string]interface{}{{"role": "user", "content": "fix my code"}})
	if !ok || name != "coding" {
		t.Fatalf("expected coding/true, got %q/%v", name, ok)
	}
}

func TestClassifyFallsBackToRegexOnProseWrappedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatCompletionResponse(`Sure thing, here you go: {"route": "chat"} — hope that helps!`)))
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", time.Second, nil)
	name, ok := c.Classify(candidates(), []map[string]interface{}{{"role": "user", "content": "how are you"}})
	if !ok || name != "chat" {
		t.Fatalf("expected chat/true, got %q/%v", name, ok)
	}
}

func TestClassifyRejectsOtherRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatCompletionResponse(`{"route": "other"}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", time.Second, nil)
	_, ok := c.Classify(candidates(), []map[string]interface{}{{"role": "user", "content": "???"}})
	if ok {
		t.Fatal("expected other route to be rejected")
	}
}

func TestClassifyRejectsUnknownRouteName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatCompletionResponse(`{"route": "not-a-real-route"}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", time.Second, nil)
	_, ok := c.Classify(candidates(), []map[string]interface{}{{"role": "user", "content": "hi"}})
	if ok {
		t.Fatal("expected unknown route name to be rejected")
	}
}

func TestClassifyReturnsFalseOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", time.Second, nil)
	_, ok := c.Classify(candidates(), []map[string]interface{}{{"role": "user", "content": "hi"}})
	if ok {
		t.Fatal("expected non-2xx response to be rejected")
	}
}

func TestClassifyReturnsFalseOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(chatCompletionResponse(`{"route": "coding"}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, "router-model", 5*time.Millisecond, nil)
	_, ok := c.Classify(candidates(), []map[string]interface{}{{"role": "user", "content": "hi"}})
	if ok {
		t.Fatal("expected timeout to be rejected")
	}
}

func TestBuildPromptExcludesSystemMessages(t *testing.T) {
	prompt := buildPrompt(candidates(), []map[string]interface{}{
		{"role": "system", "content": "secret instructions"},
		{"role": "user", "content": "hello"},
	})
	if contains(prompt, "secret instructions") {
		t.Fatal("expected system message to be filtered out of the prompt")
	}
	if !contains(prompt, "hello") {
		t.Fatal("expected user message to be present in the prompt")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
