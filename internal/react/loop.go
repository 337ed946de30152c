// Package react implements the reasoning-acting conversational loop:
// prompt, LLM call, tool-call extraction, execution, summarization, iterate.
package react

import (
	"context"
	"fmt"
	"strings"

	"codescout/internal/compact"
	"codescout/internal/config"
	"codescout/internal/embedding"
	"codescout/internal/limiter"
	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/session"
	"codescout/internal/tool"
	"codescout/internal/types"
	"codescout/internal/vector"
)

// PartSink receives parts as they are produced, in causal order.
type PartSink func(part types.Part)

// Deps are the loop's injected collaborators.
type Deps struct {
	Sessions   *session.Manager
	Tools      *tool.Registry
	LLM        llm.Service
	Compactor  *compact.Compactor
	Summarizer *compact.Summarizer
	Limiters   *limiter.Set

	// Optional: project context recall for the system prompt.
	Store    *vector.Store
	Embedder embedding.Engine
}

// Loop drives conversations. The project scope comes from each session, so
// one loop serves every project sharing the same dependency set.
type Loop struct {
	deps               Deps
	maxSteps           int
	streaming          bool
	duplicateThreshold int
	acknowledge        bool
	skills             []string
}

// NewLoop creates a loop from configuration.
func NewLoop(deps Deps, cfg config.ReactConfig) *Loop {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 25
	}
	threshold := cfg.DuplicateThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Loop{
		deps:               deps,
		maxSteps:           maxSteps,
		streaming:          cfg.EnableStreaming,
		duplicateThreshold: threshold,
		acknowledge:        cfg.Acknowledge,
	}
}

// SetSkills attaches loaded skill snippets to future system prompts.
func (l *Loop) SetSkills(skills []string) {
	l.skills = skills
}

// Process runs one conversational turn. The returned assistant message is
// also appended to the session. A doom-loop halt returns the explanatory
// message together with ErrDuplicateStall.
func (l *Loop) Process(ctx context.Context, sessionID, userInput string, sink PartSink) (*types.Message, error) {
	timer := logging.StartTimer(logging.CategoryReact, "Process")
	defer timer.Stop()
	if sink == nil {
		sink = func(types.Part) {}
	}

	sess, err := l.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Seed an empty session with the system prompt before the first turn.
	if sess.Len() == 0 {
		sess.Append(types.NewMessage(types.RoleSystem,
			&types.TextPart{Text: l.buildSystemPrompt(ctx, sess.ProjectKey, userInput)}))
	}
	sess.Append(types.NewMessage(types.RoleUser, &types.TextPart{Text: userInput}))

	if l.acknowledge {
		l.acknowledgeTurn(ctx, sess, userInput, sink)
	}

	assistant := types.NewMessage(types.RoleAssistant)
	fingerprints := make(map[string]int)
	var lastToolPart *types.ToolPart

	for step := 1; step <= l.maxSteps; step++ {
		logging.ReactDebug("Session %s step %d/%d", sess.ID, step, l.maxSteps)

		if l.deps.Compactor != nil && l.deps.Compactor.NeedsCompaction(sess) {
			if err := l.deps.Compactor.Compact(ctx, sess); err != nil {
				logging.Get(logging.CategoryReact).Warn("Compaction failed: %v", err)
			}
		}

		text, reasoning, err := l.callLLM(ctx, sess, assistant, lastToolPart, sink)
		if err != nil {
			// Partial output terminates the turn with an Error part.
			errPart := &types.TextPart{Text: fmt.Sprintf("Error: the model response was interrupted (%v).", err)}
			assistant.AppendPart(errPart)
			sink(errPart)
			sess.Append(assistant)
			return assistant, err
		}
		if reasoning != "" {
			assistant.AppendPart(&types.ReasoningPart{Text: reasoning})
		}

		call, _ := llm.ExtractToolCall(text)
		if call == nil {
			// Final answer this turn.
			finalPart := &types.TextPart{Text: text}
			assistant.AppendPart(finalPart)
			if !l.streaming {
				sink(finalPart)
			}
			break
		}

		// Counting and execution share the canonical parameter form: a call
		// that counts toward the stall threshold is a call the registry runs.
		call.Parameters = CanonicalParams(call.Parameters)
		fp := Fingerprint(call.Tool, call.Parameters)
		fingerprints[fp]++
		if fingerprints[fp] > l.duplicateThreshold {
			diag := fmt.Sprintf("Stopping: the same %s call has now been requested %d times with identical parameters. "+
				"Continuing would loop without new information.", call.Tool, fingerprints[fp])
			logging.Get(logging.CategoryReact).Warn("Doom loop on session %s: %s", sess.ID, diag)
			diagPart := &types.TextPart{Text: diag}
			assistant.AppendPart(diagPart)
			sink(diagPart)
			sess.Append(assistant)
			return assistant, fmt.Errorf("%w: tool %s repeated %d times", types.ErrDuplicateStall, call.Tool, fingerprints[fp])
		}

		lastToolPart = l.runTool(ctx, sess, assistant, userInput, call, sink)
	}

	if len(assistant.Parts) == 0 || onlyToolParts(assistant) {
		l.appendFinalSummary(ctx, sess, assistant, sink)
	}

	sess.Append(assistant)
	return assistant, nil
}

// acknowledgeTurn runs the advisory pre-call classification. It never blocks
// the main iteration: failures are logged and ignored.
func (l *Loop) acknowledgeTurn(ctx context.Context, sess *types.Session, userInput string, sink PartSink) {
	var ack struct {
		Type      string `json:"type"`
		Reasoning string `json:"reasoning"`
	}
	prompt := fmt.Sprintf(`Classify this user turn as one of "chat", "needs-consult", or "has-clear-target".
Reply as JSON: {"type": ..., "reasoning": "<one sentence>"}

Turn: %s`, userInput)

	err := l.withLLMLimiter(ctx, func(c context.Context) error {
		return l.deps.LLM.CompleteJSON(c, prompt, &ack)
	})
	if err != nil {
		logging.ReactDebug("Acknowledgement pre-call failed: %v", err)
		return
	}
	if ack.Type != "" && ack.Type != "chat" && ack.Reasoning != "" {
		part := &types.ReasoningPart{Text: ack.Reasoning}
		sess.Append(types.NewMessage(types.RoleAssistant, part))
		sink(part)
	}
}

// callLLM runs one model call over the session plus the in-progress assistant
// message, streaming chunks to the sink when enabled. Returns the accumulated
// answer text and reasoning.
func (l *Loop) callLLM(ctx context.Context, sess *types.Session, assistant *types.Message, lastToolPart *types.ToolPart, sink PartSink) (string, string, error) {
	messages := renderForLLM(sess, assistant, lastToolPart)

	var text, reasoning strings.Builder
	err := l.withLLMLimiter(ctx, func(c context.Context) error {
		if !l.streaming {
			out, err := l.deps.LLM.Chat(c, messages)
			if err != nil {
				return err
			}
			text.WriteString(out)
			return nil
		}

		chunks, errs := l.deps.LLM.ChatStream(c, messages)
		for chunk := range chunks {
			if chunk.Reasoning != "" {
				reasoning.WriteString(chunk.Reasoning)
				sink(&types.ReasoningPart{Text: chunk.Reasoning})
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				sink(&types.TextPart{Text: chunk.Text})
			}
		}
		return <-errs
	})
	if err != nil {
		return text.String(), reasoning.String(), err
	}
	return text.String(), reasoning.String(), nil
}

// runTool executes one extracted tool call inside an isolated sub-session
// and appends the resulting Tool part to the assistant message.
func (l *Loop) runTool(ctx context.Context, sess *types.Session, assistant *types.Message, userInput string, call *llm.ToolCall, sink PartSink) *types.ToolPart {
	part := types.NewToolPart(call.Tool, call.Parameters)
	assistant.AppendPart(part)
	sink(part)

	// Sub-session isolation: tool-side conversation state never leaks into
	// the parent. It is discarded when this call returns.
	sub := sess.NewSubSession()
	logging.ReactDebug("Tool %s running in sub-session %s", call.Tool, sub.ID)

	if err := part.Transition(types.ToolRunning); err != nil {
		logging.Get(logging.CategoryReact).Error("Tool part transition failed: %v", err)
	}
	sink(part)

	var result *types.ToolResult
	if l.streaming {
		result = l.deps.Tools.ExecuteStreaming(ctx, sub.ProjectKey, call.Tool, call.Parameters, func(segment string) {
			sink(&types.ProgressPart{Note: segment})
		})
	} else {
		result = l.deps.Tools.Execute(ctx, sub.ProjectKey, call.Tool, call.Parameters)
	}

	part.Result = result
	part.RelatedFiles = result.RelatedFilePaths
	target := types.ToolCompleted
	if !result.Success {
		target = types.ToolError
	}
	if err := part.Transition(target); err != nil {
		logging.Get(logging.CategoryReact).Error("Tool part transition failed: %v", err)
	}

	// Summarize so earlier results stay compact; only the latest call keeps
	// its full result in the LLM-visible rendering.
	if l.deps.Summarizer != nil {
		part.Summary = l.deps.Summarizer.SummarizeResult(ctx, userInput, call.Tool, result)
	}
	sink(part)
	return part
}

// appendFinalSummary asks the model for a closing {"summary": ...} when the
// turn ended without any final text.
func (l *Loop) appendFinalSummary(ctx context.Context, sess *types.Session, assistant *types.Message, sink PartSink) {
	var out struct {
		Summary string `json:"summary"`
	}
	prompt := "Summarize the outcome of this turn for the user as JSON: {\"summary\": \"...\"}\n\n" +
		renderTranscript(sess, assistant)

	err := l.withLLMLimiter(ctx, func(c context.Context) error {
		return l.deps.LLM.CompleteJSON(c, prompt, &out)
	})
	if err != nil || out.Summary == "" {
		logging.ReactDebug("Final summary call failed: %v", err)
		return
	}
	part := &types.TextPart{Text: out.Summary}
	assistant.AppendPart(part)
	sink(part)
}

func (l *Loop) withLLMLimiter(ctx context.Context, fn func(context.Context) error) error {
	if l.deps.Limiters == nil || l.deps.Limiters.LLM == nil {
		return fn(ctx)
	}
	return l.deps.Limiters.LLM.Execute(ctx, fn)
}

func onlyToolParts(m *types.Message) bool {
	for _, p := range m.Parts {
		if p.Kind() == types.PartText {
			return false
		}
	}
	return true
}

// =============================================================================
// SESSION RENDERING
// =============================================================================

// renderForLLM flattens the session and the in-progress assistant message
// into chat messages. Tool parts render their summary, except the most
// recent call which keeps its full result.
func renderForLLM(sess *types.Session, assistant *types.Message, lastToolPart *types.ToolPart) []llm.ChatMessage {
	var out []llm.ChatMessage
	messages := sess.Messages()
	if assistant != nil && len(assistant.Parts) > 0 {
		messages = append(messages, assistant)
	}
	for _, m := range messages {
		content := renderMessageForLLM(m, lastToolPart)
		if strings.TrimSpace(content) == "" {
			continue
		}
		out = append(out, llm.ChatMessage{Role: string(m.Role), Content: content})
	}
	return out
}

func renderMessageForLLM(m *types.Message, lastToolPart *types.ToolPart) string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch v := p.(type) {
		case *types.TextPart:
			b.WriteString(v.Text)
			b.WriteString("\n")
		case *types.ToolPart:
			b.WriteString(renderToolPart(v, v == lastToolPart))
		case *types.GoalPart:
			b.WriteString("Goal: " + v.Goal + "\n")
		case *types.ProgressPart:
			b.WriteString(v.Note + "\n")
		case *types.TodoPart:
			b.WriteString("TODO: " + v.Item + "\n")
		case *types.ReasoningPart:
			// Hidden from the next prompt and from tool-call parsing.
		}
	}
	return b.String()
}

func renderToolPart(p *types.ToolPart, full bool) string {
	var body string
	switch {
	case p.Result == nil:
		body = "(pending)"
	case !p.Result.Success:
		body = "failed: " + p.Result.Error
	case full:
		body = p.Result.Data
	case p.Summary != "":
		body = p.Summary
	default:
		body = compact.Truncate(p.Result.Data, 500)
	}
	return fmt.Sprintf("[tool %s] %s\n", p.ToolName, body)
}

func renderTranscript(sess *types.Session, assistant *types.Message) string {
	var b strings.Builder
	for _, m := range sess.Messages() {
		b.WriteString(string(m.Role) + ": " + renderMessageForLLM(m, nil))
	}
	b.WriteString("assistant: " + renderMessageForLLM(assistant, nil))
	return b.String()
}
