package types

import "time"

// ToolCallStep is one recorded step of an exploration path.
type ToolCallStep struct {
	ToolName      string                 `json:"tool_name"`
	Parameters    map[string]interface{} `json:"parameters"`
	ResultSummary string                 `json:"result_summary"`
	Timestamp     time.Time              `json:"timestamp"`
}

// LearningRecord is one unit of mined knowledge: a question the evolution
// loop asked itself, the exploration that answered it, and the answer.
// ExplorationPath is non-empty on success; vectors, when present, match the
// project's embedding dimension.
type LearningRecord struct {
	ID              string         `json:"id"`
	ProjectKey      string         `json:"project_key"`
	CreatedAt       time.Time      `json:"created_at"`
	Question        string         `json:"question"`
	QuestionType    string         `json:"question_type"`
	Answer          string         `json:"answer"`
	ExplorationPath []ToolCallStep `json:"exploration_path"`
	Confidence      float64        `json:"confidence"`
	SourceFiles     []string       `json:"source_files,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Domain          string         `json:"domain,omitempty"`
	QuestionVector  []float32      `json:"question_vector,omitempty"`
	AnswerVector    []float32      `json:"answer_vector,omitempty"`
}

// CandidateQuestion is one ranked question produced by the generator.
type CandidateQuestion struct {
	Question        string   `json:"question"`
	Type            string   `json:"type"`
	Priority        int      `json:"priority"` // 1..10
	Reason          string   `json:"reason"`
	SuggestedTools  []string `json:"suggested_tools,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
}
