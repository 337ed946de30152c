package evolution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codescout/internal/compact"
	"codescout/internal/config"
	"codescout/internal/embedding"
	"codescout/internal/guard"
	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/store"
	"codescout/internal/tool"
	"codescout/internal/types"
	"codescout/internal/vector"
)

// Deps are the loop's injected collaborators. Repo and Guard are required;
// Store and Embedder enable learning-record embedding and context recall.
type Deps struct {
	LLM        llm.Service
	Tools      *tool.Registry
	Summarizer *compact.Summarizer
	Generator  *Generator
	Guard      *guard.Guard
	Repo       *store.Repository
	Store      *vector.Store
	Embedder   embedding.Engine
}

// Status is a point-in-time snapshot of the loop.
type Status struct {
	ProjectKey           string               `json:"project_key"`
	Running              bool                 `json:"running"`
	Phase                types.EvolutionPhase `json:"phase"`
	TotalIterations      int64                `json:"total_iterations"`
	SuccessfulIterations int64                `json:"successful_iterations"`
	CurrentQuestion      string               `json:"current_question,omitempty"`
	StopReason           string               `json:"stop_reason,omitempty"`
	BackoffUntil         time.Time            `json:"backoff_until,omitempty"`
}

// Loop is the per-project self-evolution worker. One goroutine drives
// iterations: guard check, question generation, bounded exploration,
// summarization, persistence, sleep. Every phase transition is persisted
// before the phase body runs, so a crash resumes from the last boundary.
type Loop struct {
	projectKey string
	deps       Deps
	cfg        config.EvolutionConfig

	mu      sync.Mutex
	state   *types.EvolutionState
	running bool
	stop    chan struct{}
	done    chan struct{}

	// sleep is swappable for tests; it must honor the stop channel.
	sleep func(d time.Duration) bool
}

// NewLoop creates a loop for one project.
func NewLoop(projectKey string, deps Deps, cfg config.EvolutionConfig) *Loop {
	l := &Loop{
		projectKey: projectKey,
		deps:       deps,
		cfg:        cfg,
	}
	l.sleep = l.interruptibleSleep
	return l
}

// Start launches the worker. Restores guard and evolution state first; a
// stored in-flight phase is resumed rather than restarted.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("evolution loop already running for %s", l.projectKey)
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.mu.Unlock()

	if err := l.deps.Guard.Restore(ctx, l.projectKey); err != nil {
		l.finish()
		return err
	}
	state, err := l.deps.Repo.LoadEvolutionState(ctx, l.projectKey)
	if err != nil {
		l.finish()
		return err
	}
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	logging.Evolution("Starting evolution loop for %s (phase=%s, iterations=%d)",
		l.projectKey, state.Phase, state.TotalIterations)
	go l.run(ctx)
	return nil
}

// Stop requests a cooperative shutdown and blocks until the worker exits.
// No state is persisted after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	done := l.done
	l.mu.Unlock()
	<-done
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		ProjectKey: l.projectKey,
		Running:    l.running,
	}
	if l.state != nil {
		st.Phase = l.state.Phase
		st.TotalIterations = l.state.TotalIterations
		st.SuccessfulIterations = l.state.SuccessfulIterations
		st.CurrentQuestion = l.state.CurrentQuestion
		st.StopReason = l.state.StopReason
	}
	st.BackoffUntil = l.deps.Guard.BackoffUntil(l.projectKey)
	return st
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.running = false
	close(l.done)
	l.mu.Unlock()
}

func (l *Loop) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// interruptibleSleep waits for d or until stop. Returns false when stopped.
func (l *Loop) interruptibleSleep(d time.Duration) bool {
	if d <= 0 {
		return !l.stopping()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.stop:
		return false
	}
}

// =============================================================================
// WORKER
// =============================================================================

func (l *Loop) run(ctx context.Context) {
	defer l.finish()

	interval := time.Duration(l.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}

	// A stored in-flight phase means the previous process died mid
	// iteration: resume it before entering the steady loop.
	l.mu.Lock()
	resume := l.state.Phase.Resumable()
	l.mu.Unlock()

	for {
		if l.stopping() || types.IsCancelled(ctx, nil) {
			return
		}

		err := l.iterate(ctx, resume)
		resume = false

		switch {
		case err == nil:
		case types.IsCancelled(ctx, err):
			logging.Evolution("Evolution loop for %s cancelled", l.projectKey)
			return
		default:
			logging.EvolutionError("Iteration failed for %s: %v", l.projectKey, err)
			until := l.deps.Guard.RecordFailure(ctx, l.projectKey)
			l.logFailure(ctx, err)
			if !l.sleep(time.Until(until)) {
				return
			}
			continue
		}

		if !l.sleep(interval) {
			return
		}
	}
}

// logFailure records an iteration failure for diagnostics.
func (l *Loop) logFailure(ctx context.Context, cause error) {
	l.mu.Lock()
	phase := string(l.state.Phase)
	l.mu.Unlock()
	rec := &types.FailureRecord{
		ID:         uuid.NewString(),
		ProjectKey: l.projectKey,
		Phase:      phase,
		Message:    cause.Error(),
		OccurredAt: time.Now(),
	}
	if err := l.deps.Repo.RecordFailure(ctx, rec); err != nil {
		logging.EvolutionError("Record failure write failed: %v", err)
	}
}

// iterate runs one exploration unit. resume skips already-completed phases
// using the stored state. Panics are recovered into errors so a bad tool or
// model response never kills the worker.
func (l *Loop) iterate(ctx context.Context, resume bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()

	l.mu.Lock()
	state := l.state
	from := state.Phase
	l.mu.Unlock()
	if !resume {
		from = types.PhaseIdle
	}

	// CheckingBackoff.
	if !resume || !from.Resumable() {
		if err := l.setPhase(ctx, types.PhaseCheckingBackoff); err != nil {
			return err
		}
		d := l.deps.Guard.ShouldSkipQuestion(ctx, l.projectKey)
		if d.Skip {
			logging.EvolutionDebug("Skipping iteration for %s: %s", l.projectKey, d.Reason)
			l.setStopReason(ctx, d.Reason)
			if d.RemainingBackoffMs > 0 {
				l.sleep(time.Duration(d.RemainingBackoffMs) * time.Millisecond)
			}
			return nil
		}
		if err := l.deps.Guard.ReserveQuestion(ctx, l.projectKey); err != nil {
			return err
		}
	}

	// GeneratingQuestion.
	if !resume || phaseOrder(from) <= phaseOrder(types.PhaseGeneratingQuestion) {
		if l.stopping() {
			return nil
		}
		l.mu.Lock()
		state.TotalIterations++
		state.CurrentQuestion = ""
		state.CurrentQuestionHash = ""
		state.ExplorationProgress = 0
		state.PartialSteps = nil
		state.StartedAt = time.Now()
		state.StopReason = ""
		l.mu.Unlock()
		if err := l.setPhase(ctx, types.PhaseGeneratingQuestion); err != nil {
			return err
		}

		count := l.cfg.QuestionsPerIteration
		if count <= 0 {
			count = 3
		}
		candidates, err := l.deps.Generator.Generate(ctx, l.projectKey, count)
		if err != nil {
			l.deps.Guard.RefundQuestion(ctx, l.projectKey)
			return err
		}
		if len(candidates) == 0 {
			logging.EvolutionDebug("No viable questions for %s this round", l.projectKey)
			l.deps.Guard.RefundQuestion(ctx, l.projectKey)
			return l.setPhase(ctx, types.PhaseIdle)
		}

		picked := candidates[0]
		hash := QuestionHash(picked.Question)
		l.deps.Guard.NoteQuestion(l.projectKey, hash)
		l.mu.Lock()
		state.CurrentQuestion = picked.Question
		state.CurrentQuestionHash = hash
		l.mu.Unlock()
		logging.Evolution("Exploring question for %s: %s", l.projectKey, picked.Question)
	}

	// Exploring.
	if !resume || phaseOrder(from) <= phaseOrder(types.PhaseExploring) {
		if l.stopping() {
			return nil
		}
		if err := l.setPhase(ctx, types.PhaseExploring); err != nil {
			return err
		}
		if err := l.explore(ctx, state); err != nil {
			return err
		}
	}

	// Summarizing. The synthesized answer is not part of the durable state,
	// so this stage always reruns on resume.
	if l.stopping() {
		return nil
	}
	if err := l.setPhase(ctx, types.PhaseSummarizing); err != nil {
		return err
	}
	answer := l.summarize(ctx, state)

	// Persisting.
	if l.stopping() {
		return nil
	}
	if err := l.setPhase(ctx, types.PhasePersisting); err != nil {
		return err
	}
	if err := l.persist(ctx, state, answer); err != nil {
		return err
	}

	l.deps.Guard.RecordSuccess(ctx, l.projectKey)
	l.mu.Lock()
	state.SuccessfulIterations++
	state.CurrentQuestion = ""
	state.CurrentQuestionHash = ""
	state.ExplorationProgress = 0
	state.PartialSteps = nil
	l.mu.Unlock()
	return l.setPhase(ctx, types.PhaseIdle)
}

// =============================================================================
// EXPLORATION
// =============================================================================

// explore drives a bounded tool loop over the current question. Each
// completed step is appended to PartialSteps and persisted, so a crash
// resumes at ExplorationProgress without redoing earlier steps.
func (l *Loop) explore(ctx context.Context, state *types.EvolutionState) error {
	maxSteps := l.cfg.MaxExplorationSteps
	if maxSteps <= 0 {
		maxSteps = 5
	}

	l.mu.Lock()
	question := state.CurrentQuestion
	progress := state.ExplorationProgress
	l.mu.Unlock()

	for step := progress; step < maxSteps; step++ {
		if l.stopping() {
			return nil
		}

		prompt := l.explorationPrompt(question, state)
		reply, err := l.deps.LLM.Chat(ctx, []llm.ChatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: question},
		})
		if err != nil {
			return fmt.Errorf("exploration step %d: %w", step+1, err)
		}

		call, _ := llm.ExtractToolCall(reply)
		if call == nil {
			// The model considers the question answered.
			logging.EvolutionDebug("Exploration for %s settled after %d steps", l.projectKey, step)
			return nil
		}

		result := l.deps.Tools.Execute(ctx, l.projectKey, call.Tool, call.Parameters)
		summary := result.Data
		if l.deps.Summarizer != nil {
			summary = l.deps.Summarizer.SummarizeResult(ctx, question, call.Tool, result)
		}

		l.mu.Lock()
		state.PartialSteps = append(state.PartialSteps, types.ToolCallStep{
			ToolName:      call.Tool,
			Parameters:    call.Parameters,
			ResultSummary: summary,
			Timestamp:     time.Now(),
		})
		state.ExplorationProgress = step + 1
		l.mu.Unlock()
		if err := l.persistState(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) explorationPrompt(question string, state *types.EvolutionState) string {
	var b strings.Builder
	b.WriteString(`You are exploring a codebase to answer one question. Either call a tool as
{"tool": "<name>", "parameters": {...}} or, if the findings below suffice,
answer in plain text.

Available tools:
`)
	b.WriteString(l.deps.Tools.Describe())

	l.mu.Lock()
	steps := state.PartialSteps
	l.mu.Unlock()
	if len(steps) > 0 {
		b.WriteString("\nFindings so far:\n")
		for i, s := range steps {
			b.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, s.ToolName, s.ResultSummary))
		}
	}
	return b.String()
}

// =============================================================================
// SUMMARIZATION AND PERSISTENCE
// =============================================================================

type answerSynthesis struct {
	Answer      string   `json:"answer"`
	Confidence  float64  `json:"confidence"`
	SourceFiles []string `json:"source_files"`
	Tags        []string `json:"tags"`
}

// summarize synthesizes the answer from the exploration path. An LLM failure
// degrades to concatenated step summaries at reduced confidence.
func (l *Loop) summarize(ctx context.Context, state *types.EvolutionState) answerSynthesis {
	l.mu.Lock()
	question := state.CurrentQuestion
	steps := state.PartialSteps
	l.mu.Unlock()

	var findings strings.Builder
	for i, s := range steps {
		findings.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, s.ToolName, s.ResultSummary))
	}

	prompt := fmt.Sprintf(`Question: %s

Findings:
%s
Synthesize the answer. Reply as JSON:
{"answer": "...", "confidence": 0.0-1.0, "source_files": ["..."], "tags": ["..."]}`,
		question, findings.String())

	var out answerSynthesis
	if err := l.deps.LLM.CompleteJSON(ctx, prompt, &out); err == nil && out.Answer != "" {
		if out.Confidence < 0 {
			out.Confidence = 0
		}
		if out.Confidence > 1 {
			out.Confidence = 1
		}
		return out
	} else if err != nil {
		logging.EvolutionWarn("Answer synthesis failed for %s, using raw findings: %v", l.projectKey, err)
	}

	return answerSynthesis{
		Answer:     strings.TrimSpace(findings.String()),
		Confidence: 0.3,
	}
}

// persist writes the learning record and, when an embedder is wired, indexes
// it into the vector store under type=learning_record.
func (l *Loop) persist(ctx context.Context, state *types.EvolutionState, answer answerSynthesis) error {
	l.mu.Lock()
	rec := &types.LearningRecord{
		ID:              uuid.NewString(),
		ProjectKey:      l.projectKey,
		CreatedAt:       time.Now(),
		Question:        state.CurrentQuestion,
		Answer:          answer.Answer,
		ExplorationPath: state.PartialSteps,
		Confidence:      answer.Confidence,
		SourceFiles:     answer.SourceFiles,
		Tags:            answer.Tags,
	}
	l.mu.Unlock()

	if err := l.deps.Repo.SaveLearningRecord(ctx, rec); err != nil {
		return fmt.Errorf("save learning record: %w", err)
	}

	if l.deps.Store != nil && l.deps.Embedder != nil {
		vec, err := l.deps.Embedder.Embed(ctx, rec.Question+"\n"+rec.Answer)
		if err != nil {
			return fmt.Errorf("embed learning record: %w", err)
		}
		f := &vector.Fragment{
			ID:         "learning:" + rec.ID,
			ProjectKey: l.projectKey,
			Title:      rec.Question,
			Content:    rec.Answer,
			Vector:     vec,
			Metadata: map[string]string{
				vector.MetaType: vector.TypeLearningRecord,
			},
		}
		if err := l.deps.Store.Upsert(ctx, f); err != nil {
			return fmt.Errorf("index learning record: %w", err)
		}
	}

	logging.Evolution("Persisted learning record %s for %s (confidence=%.2f, steps=%d)",
		rec.ID, l.projectKey, rec.Confidence, len(rec.ExplorationPath))

	// Aging pass: stale knowledge loses confidence and eventually drops out.
	cutoff := time.Now().AddDate(0, 0, -7)
	if n, err := l.deps.Repo.DecayConfidence(ctx, l.projectKey, 0.9, cutoff); err != nil {
		logging.EvolutionWarn("Confidence decay failed for %s: %v", l.projectKey, err)
	} else if n > 0 {
		logging.Evolution("Decayed confidence on %d stale learning records for %s", n, l.projectKey)
	}
	return nil
}

// =============================================================================
// STATE PERSISTENCE
// =============================================================================

// setPhase persists the transition synchronously before the phase body runs.
func (l *Loop) setPhase(ctx context.Context, phase types.EvolutionPhase) error {
	l.mu.Lock()
	l.state.Phase = phase
	l.mu.Unlock()
	logging.EvolutionDebug("Project %s -> phase %s", l.projectKey, phase)
	return l.persistState(ctx)
}

func (l *Loop) setStopReason(ctx context.Context, reason string) {
	l.mu.Lock()
	l.state.StopReason = reason
	l.state.Phase = types.PhaseIdle
	l.mu.Unlock()
	if err := l.persistState(ctx); err != nil {
		logging.EvolutionError("Persist stop reason failed: %v", err)
	}
}

func (l *Loop) persistState(ctx context.Context) error {
	l.mu.Lock()
	snapshot := *l.state
	l.mu.Unlock()
	if err := l.deps.Repo.SaveEvolutionState(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist evolution state: %w", err)
	}
	return nil
}

func phaseOrder(p types.EvolutionPhase) int {
	switch p {
	case types.PhaseCheckingBackoff:
		return 1
	case types.PhaseGeneratingQuestion:
		return 2
	case types.PhaseExploring:
		return 3
	case types.PhaseSummarizing:
		return 4
	case types.PhasePersisting:
		return 5
	default:
		return 0
	}
}
