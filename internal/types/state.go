package types

import "time"

// =============================================================================
// EVOLUTION STATE
// =============================================================================

// EvolutionPhase is the current phase of a project's self-evolution loop.
type EvolutionPhase string

const (
	PhaseIdle               EvolutionPhase = "idle"
	PhaseCheckingBackoff    EvolutionPhase = "checking_backoff"
	PhaseGeneratingQuestion EvolutionPhase = "generating_question"
	PhaseExploring          EvolutionPhase = "exploring"
	PhaseSummarizing        EvolutionPhase = "summarizing"
	PhasePersisting         EvolutionPhase = "persisting"
)

// Resumable reports whether a stored phase indicates an in-flight
// exploration that must be resumed rather than restarted.
func (p EvolutionPhase) Resumable() bool {
	return p != PhaseIdle && p != PhaseCheckingBackoff && p != ""
}

// EvolutionState is the durable per-project state of the self-evolution loop.
// Every phase transition persists this synchronously before the phase body
// runs, so a crash can resume from the last boundary.
type EvolutionState struct {
	ProjectKey                string         `json:"project_key"`
	Phase                     EvolutionPhase `json:"phase"`
	TotalIterations           int64          `json:"total_iterations"`
	SuccessfulIterations      int64          `json:"successful_iterations"`
	ConsecutiveDuplicateCount int            `json:"consecutive_duplicate_count"`
	CurrentQuestion           string         `json:"current_question,omitempty"`
	CurrentQuestionHash       string         `json:"current_question_hash,omitempty"`
	ExplorationProgress       int            `json:"exploration_progress"`
	PartialSteps              []ToolCallStep `json:"partial_steps,omitempty"`
	StartedAt                 time.Time      `json:"started_at"`
	LastProjectHash           string         `json:"last_project_hash,omitempty"`
	StopReason                string         `json:"stop_reason,omitempty"`
	LastUpdatedAt             time.Time      `json:"last_updated_at"`
}

// =============================================================================
// BACKOFF AND QUOTA STATE
// =============================================================================

// BackoffState tracks consecutive failures and the exponential backoff
// window for one project. Invariant: BackoffUntil >= LastErrorTime.
type BackoffState struct {
	ProjectKey        string    `json:"project_key"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorTime     time.Time `json:"last_error_time"`
	BackoffUntil      time.Time `json:"backoff_until"`
}

// QuotaState tracks daily spend counters for one project. Counters reset
// when the calendar day (in the configured timezone) changes, before any
// consumption check.
type QuotaState struct {
	ProjectKey        string `json:"project_key"`
	QuestionsToday    int    `json:"questions_today"`
	ExplorationsToday int    `json:"explorations_today"`
	LastResetDate     string `json:"last_reset_date"` // YYYY-MM-DD
}

// FailureRecord is one logged iteration failure, kept for diagnostics.
type FailureRecord struct {
	ID         string    `json:"id"`
	ProjectKey string    `json:"project_key"`
	Phase      string    `json:"phase"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}
