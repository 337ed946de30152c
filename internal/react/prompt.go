package react

import (
	"context"
	"fmt"
	"strings"

	"codescout/internal/logging"
)

const basePersona = `You are a code-analysis assistant. You answer questions about the
codebase by reasoning step by step and calling tools when you need facts.

To call a tool, emit exactly one JSON object of the form:
{"tool": "<name>", "parameters": {...}}

Available tools:
%s
When you have enough information, answer directly in markdown without a tool
call. Prefer citing file paths and symbol names over vague descriptions.`

// buildSystemPrompt assembles the persona, the tool catalog, and the
// per-project context summary retrieved from the vector store.
func (l *Loop) buildSystemPrompt(ctx context.Context, projectKey, userInput string) string {
	prompt := fmt.Sprintf(basePersona, l.deps.Tools.Describe())

	if summary := l.projectContext(ctx, projectKey, userInput); summary != "" {
		prompt += "\n\nProject context:\n" + summary
	}
	if len(l.skills) > 0 {
		prompt += "\n\nSkills:\n" + strings.Join(l.skills, "\n")
	}
	return prompt
}

// projectContext recalls the fragments nearest the user's question. Recall
// is best-effort: a cold store or failing embedder just yields no context.
func (l *Loop) projectContext(ctx context.Context, projectKey, userInput string) string {
	if l.deps.Store == nil || l.deps.Embedder == nil {
		return ""
	}

	vec, err := l.deps.Embedder.Embed(ctx, userInput)
	if err != nil {
		logging.ReactDebug("Context recall embed failed: %v", err)
		return ""
	}
	results, err := l.deps.Store.Search(ctx, projectKey, vec, 3, nil)
	if err != nil {
		logging.ReactDebug("Context recall search failed: %v", err)
		return ""
	}

	var b strings.Builder
	for _, r := range results {
		f := r.Fragment
		b.WriteString(fmt.Sprintf("- %s: %s\n", f.Title, firstLine(f.Content)))
	}
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
