package compact

import (
	"context"
	"fmt"
	"strings"

	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/types"
)

// Compactor folds old conversation turns into a synthesized summary once the
// session's estimated tokens cross the threshold. The latest user turn is
// always preserved byte-identical.
type Compactor struct {
	llm       llm.Service
	maxTokens int
	threshold int
}

// NewCompactor creates a compactor. maxTokens is the post-rewrite target;
// threshold is the trigger.
func NewCompactor(service llm.Service, maxTokens, threshold int) *Compactor {
	if maxTokens <= 0 {
		maxTokens = 96000
	}
	if threshold <= maxTokens {
		threshold = maxTokens + maxTokens/8
	}
	return &Compactor{llm: service, maxTokens: maxTokens, threshold: threshold}
}

// NeedsCompaction reports whether the session is over the trigger threshold.
func (c *Compactor) NeedsCompaction(session *types.Session) bool {
	return EstimateMessages(session.Messages()) > c.threshold
}

// Compact rewrites the session history in place when over threshold. The
// rewrite keeps a leading system message and everything from the latest user
// message onward verbatim, and folds the turns between into one synthesized
// Text part.
func (c *Compactor) Compact(ctx context.Context, session *types.Session) error {
	messages := session.Messages()
	total := EstimateMessages(messages)
	if total <= c.threshold {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryCompaction, "Compact")
	defer timer.Stop()
	logging.Compaction("Compacting session %s: %d tokens over threshold %d", session.ID, total, c.threshold)

	// Locate the verbatim regions.
	head := 0
	if len(messages) > 0 && messages[0].Role == types.RoleSystem {
		head = 1
	}
	lastUser := -1
	for i := len(messages) - 1; i >= head; i-- {
		if messages[i].Role == types.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser <= head {
		// Nothing foldable before the latest user turn.
		return nil
	}

	foldable := messages[head:lastUser]
	summaryText, err := c.synthesize(ctx, foldable)
	if err != nil {
		logging.CompactionDebug("LLM fold failed, using digest: %v", err)
		summaryText = digest(foldable)
	}

	// Shrink the summary itself if the verbatim tail leaves little room.
	tail := messages[lastUser:]
	budget := c.maxTokens - EstimateMessages(tail)
	if head == 1 {
		budget -= EstimateMessage(messages[0])
	}
	if budget < 0 {
		budget = 0
	}
	if EstimateText(summaryText) > budget {
		summaryText = Truncate(summaryText, budget*4)
	}

	rewritten := make([]*types.Message, 0, len(tail)+2)
	if head == 1 {
		rewritten = append(rewritten, messages[0])
	}
	rewritten = append(rewritten, types.NewMessage(types.RoleAssistant,
		&types.TextPart{Text: "Summary of earlier conversation:\n" + summaryText}))
	rewritten = append(rewritten, tail...)

	session.Rewrite(rewritten)
	logging.Compaction("Session %s compacted: %d -> %d tokens (%d messages folded)",
		session.ID, total, EstimateMessages(rewritten), len(foldable))
	return nil
}

// synthesize asks the LLM to fold the messages, preserving decisions and
// learned facts.
func (c *Compactor) synthesize(ctx context.Context, messages []*types.Message) (string, error) {
	if c.llm == nil {
		return "", fmt.Errorf("no LLM service configured")
	}
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(renderMessage(m))
		b.WriteString("\n")
	}
	prompt := fmt.Sprintf(`Fold this conversation excerpt into a compact summary. Preserve key decisions, learned facts, file paths, and tool findings. Drop pleasantries and dead ends.

%s`, Truncate(b.String(), 24000))

	out, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// digest is the mechanical fallback: one line per message.
func digest(messages []*types.Message) string {
	var lines []string
	for _, m := range messages {
		line := renderMessage(m)
		if len(line) > 200 {
			line = line[:200]
		}
		if strings.TrimSpace(line) != "" {
			lines = append(lines, fmt.Sprintf("- [%s] %s", m.Role, line))
		}
	}
	return strings.Join(lines, "\n")
}

// renderMessage flattens a message to text: text and reasoning bodies plus
// tool call outcomes.
func renderMessage(m *types.Message) string {
	var parts []string
	for _, p := range m.Parts {
		switch v := p.(type) {
		case *types.TextPart:
			parts = append(parts, v.Text)
		case *types.ReasoningPart:
			// Chain-of-thought is dropped from summaries.
		case *types.ToolPart:
			desc := fmt.Sprintf("called %s", v.ToolName)
			if v.Summary != "" {
				desc += ": " + v.Summary
			} else if v.Result != nil && v.Result.Success {
				desc += ": " + Truncate(v.Result.Data, 200)
			} else if v.Result != nil {
				desc += " (failed: " + v.Result.Error + ")"
			}
			parts = append(parts, desc)
		case *types.GoalPart:
			parts = append(parts, "goal: "+v.Goal)
		case *types.ProgressPart:
			parts = append(parts, v.Note)
		case *types.TodoPart:
			parts = append(parts, "todo: "+v.Item)
		}
	}
	return strings.Join(parts, " | ")
}
