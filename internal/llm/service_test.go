package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"codescout/internal/config"
)

func testClient(url string) *Client {
	return NewClient(config.LLMConfig{
		BaseURL: url,
		Model:   "test-model",
		APIKey:  "key",
		Timeout: "5s",
	})
}

func TestChatReturnsAssistantText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "hello there"}}]}`))
	}))
	defer srv.Close()

	text, err := testClient(srv.URL).Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestChatRetriesTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	text, err := testClient(srv.URL).Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if text != "ok" || calls != 3 {
		t.Fatalf("expected success on 3rd call, got text=%q calls=%d", text, calls)
	}
}

func TestChatStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"thinking\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	chunks, errs := testClient(srv.URL).ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})

	var text, reasoning string
	for c := range chunks {
		text += c.Text
		reasoning += c.Reasoning
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if reasoning != "thinking" {
		t.Fatalf("unexpected reasoning %q", reasoning)
	}
}

func TestChatStreamPartialDropSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"))
		// Connection closes without [DONE].
	}))
	defer srv.Close()

	chunks, errs := testClient(srv.URL).ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})

	var text string
	for c := range chunks {
		text += c.Text
	}
	if err := <-errs; err == nil {
		t.Fatal("expected error for partial stream")
	}
	if text != "partial" {
		t.Fatalf("chunks before the drop should still arrive, got %q", text)
	}
}

func TestCompleteJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": [{"message": {"content": "Sure:\n` + "```json\\n{\\\"answer\\\": 42}\\n```" + `"}}]}`))
	}))
	defer srv.Close()

	var out struct {
		Answer int `json:"answer"`
	}
	if err := testClient(srv.URL).CompleteJSON(context.Background(), "q", &out); err != nil {
		t.Fatalf("CompleteJSON failed: %v", err)
	}
	if out.Answer != 42 {
		t.Fatalf("unexpected answer %d", out.Answer)
	}
}
