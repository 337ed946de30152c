package compact

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"codescout/internal/llm"
	"codescout/internal/types"
)

// fakeLLM answers every request with a fixed string.
type fakeLLM struct {
	answer string
	err    error
	calls  int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.answer, f.err
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return llm.ExtractJSON(f.answer, out)
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	f.calls++
	return f.answer, f.err
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.ChatMessage) (<-chan llm.StreamChunk, <-chan error) {
	chunks := make(chan llm.StreamChunk, 1)
	errs := make(chan error, 1)
	if f.err != nil {
		errs <- f.err
	} else {
		chunks <- llm.StreamChunk{Text: f.answer}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestEstimateText(t *testing.T) {
	if got := EstimateText(strings.Repeat("a", 8)); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := EstimateText("abcde"); got != 2 {
		t.Fatalf("expected ceil(5/4)=2, got %d", got)
	}
}

func TestEstimateToolPartIncludesOverhead(t *testing.T) {
	part := types.NewToolPart("grep_file", nil)
	part.Result = &types.ToolResult{Success: true, Data: strings.Repeat("x", 400)}
	got := EstimatePart(part)
	if got <= EstimateText(strings.Repeat("x", 400)) {
		t.Fatalf("tool part estimate %d must exceed bare result estimate", got)
	}
}

func TestSummarizeVerbatimBucket(t *testing.T) {
	s := NewSummarizer(nil)
	result := &types.ToolResult{
		Success:          true,
		Data:             "short output",
		RelatedFilePaths: []string{"pkg/svc.go"},
	}
	got := s.SummarizeResult(context.Background(), "q", "read_file", result)
	if !strings.Contains(got, "short output") || !strings.Contains(got, "pkg/svc.go") {
		t.Fatalf("verbatim bucket mangled output: %q", got)
	}
}

func TestSummarizeMiddleBucketGrep(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString(fmt.Sprintf("src/file%d.go:%d: match line\n", i, i*3))
		b.WriteString("unrelated noise without separators\n")
	}
	raw := b.String()
	if len(raw) < 500 || len(raw) >= 5000 {
		t.Fatalf("test input out of middle bucket: %d", len(raw))
	}

	s := NewSummarizer(nil)
	got := s.SummarizeResult(context.Background(), "q", "grep_file", &types.ToolResult{Success: true, Data: raw})
	if strings.Contains(got, "unrelated noise") {
		t.Fatalf("grep compression kept noise: %q", got)
	}
	if !strings.Contains(got, "src/file0.go:0:") {
		t.Fatalf("grep compression dropped matches: %q", got)
	}
}

func TestSummarizeLargeBucketUsesLLMWithFallback(t *testing.T) {
	big := &types.ToolResult{Success: true, Data: strings.Repeat("line of output\n", 600)}

	ok := &fakeLLM{answer: "llm summary"}
	got := NewSummarizer(ok).SummarizeResult(context.Background(), "q", "read_file", big)
	if got != "llm summary" || ok.calls != 1 {
		t.Fatalf("expected LLM summary, got %q (calls=%d)", got, ok.calls)
	}

	broken := &fakeLLM{err: fmt.Errorf("boom")}
	got = NewSummarizer(broken).SummarizeResult(context.Background(), "q", "read_file", big)
	if got == "" || got == "llm summary" {
		t.Fatalf("expected mechanical fallback, got %q", got)
	}
}

func buildOverflowingSession(t *testing.T) (*types.Session, string) {
	t.Helper()
	session := types.NewSession("proj")
	session.Append(types.NewMessage(types.RoleSystem, &types.TextPart{Text: "persona"}))

	for i := 0; i < 10; i++ {
		session.Append(types.NewMessage(types.RoleUser, &types.TextPart{Text: fmt.Sprintf("question %d", i)}))
		tool := types.NewToolPart("grep_file", map[string]interface{}{"pattern": "x"})
		tool.Result = &types.ToolResult{Success: true, Data: strings.Repeat("result ", 400)}
		session.Append(types.NewMessage(types.RoleAssistant,
			&types.TextPart{Text: strings.Repeat("analysis ", 200)}, tool))
	}

	latest := "final question, byte for byte"
	session.Append(types.NewMessage(types.RoleUser, &types.TextPart{Text: latest}))
	return session, latest
}

func TestCompactPreservesLatestUserTurn(t *testing.T) {
	session, latest := buildOverflowingSession(t)
	c := NewCompactor(&fakeLLM{answer: "decisions: grep found results"}, 2000, 3000)

	if !c.NeedsCompaction(session) {
		t.Fatalf("session under threshold: %d tokens", EstimateMessages(session.Messages()))
	}
	if err := c.Compact(context.Background(), session); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	messages := session.Messages()
	if got := EstimateMessages(messages); got > 2000 {
		t.Fatalf("still over budget after compaction: %d tokens", got)
	}

	last := messages[len(messages)-1]
	if last.Role != types.RoleUser || last.Text() != latest {
		t.Fatalf("latest user turn not preserved verbatim: %q", last.Text())
	}

	// The folded region collapses to one synthesized assistant Text part.
	var toolParts, synthesized int
	for _, m := range messages[:len(messages)-1] {
		for _, p := range m.Parts {
			if p.Kind() == types.PartTool {
				toolParts++
			}
			if tp, ok := p.(*types.TextPart); ok && strings.Contains(tp.Text, "Summary of earlier conversation") {
				synthesized++
			}
		}
	}
	if toolParts != 0 {
		t.Fatalf("expected assistant+tool pairs to be folded, %d tool parts remain", toolParts)
	}
	if synthesized != 1 {
		t.Fatalf("expected exactly one synthesized summary part, got %d", synthesized)
	}

	if messages[0].Role != types.RoleSystem || messages[0].Text() != "persona" {
		t.Fatalf("system prompt not preserved")
	}
}

func TestCompactNoopUnderThreshold(t *testing.T) {
	session := types.NewSession("proj")
	session.Append(types.NewMessage(types.RoleUser, &types.TextPart{Text: "hi"}))

	c := NewCompactor(nil, 1000, 2000)
	if err := c.Compact(context.Background(), session); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if session.Len() != 1 {
		t.Fatalf("noop compaction mutated the session")
	}
}
