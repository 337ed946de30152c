package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"codescout/internal/types"
)

// =============================================================================
// TIERED JSON EXTRACTION
// =============================================================================

// ExtractJSON parses model output into out using three tiers: direct parse,
// fenced-code-block extract, then first balanced object scan. Models wrap
// JSON in prose and markdown fences often enough that all three earn their
// keep.
func ExtractJSON(text string, out interface{}) error {
	trimmed := strings.TrimSpace(text)

	// Tier 1: the whole output is JSON.
	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	// Tier 2: a ```json fenced block.
	if block := extractFencedBlock(trimmed); block != "" {
		if err := json.Unmarshal([]byte(block), out); err == nil {
			return nil
		}
	}

	// Tier 3: first balanced {...} in the text.
	if obj := extractBalancedObject(trimmed); obj != "" {
		if err := json.Unmarshal([]byte(obj), out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: no JSON object found in output", types.ErrParse)
}

// extractFencedBlock returns the body of the first ```json (or bare ```)
// fence, or "".
func extractFencedBlock(text string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		body := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return body
		}
	}
	return ""
}

// extractBalancedObject scans for the first brace-balanced object, tracking
// string literals and escapes so braces inside strings don't confuse it.
func extractBalancedObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// =============================================================================
// TOOL-CALL EXTRACTION
// =============================================================================

// ToolCall is the tool-invocation object the loop looks for in assistant
// output: {"tool": ..., "parameters": {...}}. Extra fields are ignored.
type ToolCall struct {
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ExtractToolCall finds the first tool call embedded in assistant text.
// Absence of a valid object is not an error: it means "no tool call this
// step" and returns (nil, nil).
func ExtractToolCall(text string) (*ToolCall, error) {
	var call ToolCall
	if err := ExtractJSON(text, &call); err != nil {
		return nil, nil
	}
	if call.Tool == "" {
		return nil, nil
	}
	if call.Parameters == nil {
		call.Parameters = map[string]interface{}{}
	}
	return &call, nil
}
