// Package compact provides token estimation, tool-result summarization, and
// conversation compaction for bounded LLM context.
package compact

import (
	"encoding/json"

	"codescout/internal/types"
)

// toolPartOverheadTokens covers the JSON scaffolding around a tool call
// (state, timestamps, field names) beyond the name and result themselves.
const toolPartOverheadTokens = 20

// EstimateText approximates token count as ceil(chars/4).
func EstimateText(text string) int {
	return (len(text) + 3) / 4
}

// EstimatePart estimates one part's token contribution.
func EstimatePart(p types.Part) int {
	switch v := p.(type) {
	case *types.TextPart:
		return EstimateText(v.Text)
	case *types.ReasoningPart:
		return EstimateText(v.Text)
	case *types.GoalPart:
		return EstimateText(v.Goal)
	case *types.ProgressPart:
		return EstimateText(v.Note)
	case *types.TodoPart:
		return EstimateText(v.Item)
	case *types.ToolPart:
		n := EstimateText(v.ToolName) + toolPartOverheadTokens
		if v.Summary != "" {
			n += EstimateText(v.Summary)
		} else if v.Result != nil {
			serialized, _ := json.Marshal(v.Result)
			n += EstimateText(string(serialized))
		}
		return n
	default:
		return 0
	}
}

// EstimateMessage estimates one message's token contribution.
func EstimateMessage(m *types.Message) int {
	n := 0
	for _, p := range m.Parts {
		n += EstimatePart(p)
	}
	return n
}

// EstimateMessages estimates a whole history.
func EstimateMessages(messages []*types.Message) int {
	n := 0
	for _, m := range messages {
		n += EstimateMessage(m)
	}
	return n
}
