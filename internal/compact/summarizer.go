package compact

import (
	"context"
	"fmt"
	"strings"

	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/types"
)

// Size buckets for tool-result summarization.
const (
	verbatimLimit = 500
	llmLimit      = 5000

	// callChainDepth caps how many arrow lines a call-chain compression keeps.
	callChainDepth = 10
)

// Summarizer compresses raw tool output so prior results stay compact in the
// session while the most recent call keeps its full result.
type Summarizer struct {
	llm llm.Service
}

// NewSummarizer creates a summarizer. llm may be nil; the LLM bucket then
// degrades to mechanical compression.
func NewSummarizer(service llm.Service) *Summarizer {
	return &Summarizer{llm: service}
}

// SummarizeResult applies the three-bucket policy to one tool result.
// question is the current user question, used to focus the LLM bucket.
func (s *Summarizer) SummarizeResult(ctx context.Context, question, toolName string, result *types.ToolResult) string {
	if result == nil {
		return ""
	}
	if !result.Success {
		return fmt.Sprintf("[%s failed: %s]", toolName, result.Error)
	}

	raw := result.Data
	if raw == "" {
		raw = result.DisplayContent
	}

	switch {
	case len(raw) < verbatimLimit:
		return prependPaths(raw, result.RelatedFilePaths)
	case len(raw) < llmLimit:
		return prependPaths(compressByTool(toolName, raw), result.RelatedFilePaths)
	default:
		summary, err := s.llmSummarize(ctx, question, toolName, raw)
		if err != nil {
			logging.CompactionDebug("LLM summary failed, using compression: %v", err)
			return prependPaths(compressByTool(toolName, Truncate(raw, llmLimit)), result.RelatedFilePaths)
		}
		return prependPaths(summary, result.RelatedFilePaths)
	}
}

func prependPaths(body string, paths []string) string {
	if len(paths) == 0 {
		return body
	}
	return "Files: " + strings.Join(paths, ", ") + "\n" + body
}

// Truncate hard-caps text at n chars.
func Truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

// compressByTool keeps only the interesting lines for the tool kind.
func compressByTool(toolName, raw string) string {
	lines := strings.Split(raw, "\n")
	var kept []string

	switch {
	case strings.Contains(toolName, "grep"):
		// Match lines look like path:line:text.
		for _, l := range lines {
			if strings.Count(l, ":") >= 2 && strings.TrimSpace(l) != "" {
				kept = append(kept, l)
			}
			if len(kept) >= 50 {
				break
			}
		}
	case strings.Contains(toolName, "semantic") || strings.Contains(toolName, "search"):
		for _, l := range lines {
			lower := strings.ToLower(l)
			if strings.Contains(lower, "filepath") || strings.Contains(lower, "score") || strings.Contains(lower, "title") {
				kept = append(kept, l)
			}
		}
	case strings.Contains(toolName, "call") || strings.Contains(toolName, "chain"):
		for _, l := range lines {
			if strings.Contains(l, "→") || strings.Contains(l, "->") {
				kept = append(kept, l)
			}
			if len(kept) >= callChainDepth {
				break
			}
		}
	}

	if len(kept) == 0 {
		// Generic fallback: head and tail of the output.
		if len(lines) <= 20 {
			return raw
		}
		kept = append(kept, lines[:10]...)
		kept = append(kept, fmt.Sprintf("... (%d lines elided) ...", len(lines)-20))
		kept = append(kept, lines[len(lines)-10:]...)
	}
	return strings.Join(kept, "\n")
}

func (s *Summarizer) llmSummarize(ctx context.Context, question, toolName, raw string) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("no LLM service configured")
	}
	prompt := fmt.Sprintf(`Summarize this %s tool output in a few sentences, keeping only what helps answer the question below. Preserve file paths, symbol names, and concrete findings.

Question: %s

Output:
%s`, toolName, question, Truncate(raw, 12000))

	summary, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
