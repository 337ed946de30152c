package llm

import (
	"testing"
)

func TestExtractJSONDirect(t *testing.T) {
	var out map[string]string
	if err := ExtractJSON(`{"summary": "done"}`, &out); err != nil {
		t.Fatalf("direct parse failed: %v", err)
	}
	if out["summary"] != "done" {
		t.Fatalf("unexpected value: %v", out)
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is the result:\n```json\n{\"tool\": \"grep_file\", \"parameters\": {\"pattern\": \"foo\"}}\n```\nDone."
	var out ToolCall
	if err := ExtractJSON(text, &out); err != nil {
		t.Fatalf("fenced parse failed: %v", err)
	}
	if out.Tool != "grep_file" {
		t.Fatalf("unexpected tool: %q", out.Tool)
	}
}

func TestExtractJSONBalancedBraces(t *testing.T) {
	text := `I'll search for that now. {"tool": "semantic_search", "parameters": {"query": "payment {capture}"}} Let me know.`
	var out ToolCall
	if err := ExtractJSON(text, &out); err != nil {
		t.Fatalf("balanced-brace parse failed: %v", err)
	}
	if out.Parameters["query"] != "payment {capture}" {
		t.Fatalf("brace inside string mangled: %v", out.Parameters)
	}
}

func TestExtractJSONHandlesEscapedQuotes(t *testing.T) {
	text := `prefix {"tool": "read_file", "parameters": {"path": "a \"quoted\" name"}} suffix`
	var out ToolCall
	if err := ExtractJSON(text, &out); err != nil {
		t.Fatalf("escaped-quote parse failed: %v", err)
	}
	if out.Parameters["path"] != `a "quoted" name` {
		t.Fatalf("unexpected path: %v", out.Parameters["path"])
	}
}

func TestExtractToolCall(t *testing.T) {
	call, err := ExtractToolCall(`Running it: {"tool": "read_file", "parameters": {"path": "main.go"}, "extra": 1}`)
	if err != nil {
		t.Fatalf("ExtractToolCall failed: %v", err)
	}
	if call == nil || call.Tool != "read_file" || call.Parameters["path"] != "main.go" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestExtractToolCallAbsenceIsNotAnError(t *testing.T) {
	for _, text := range []string{
		"The PaymentService handles refunds.",
		`{"summary": "no tool here"}`,
		"",
	} {
		call, err := ExtractToolCall(text)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", text, err)
		}
		if call != nil {
			t.Fatalf("expected no tool call for %q, got %+v", text, call)
		}
	}
}
