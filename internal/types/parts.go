// Package types provides shared type definitions used across codescout packages.
// This package exists to break import cycles between the react loop, the tool
// executor, and the evolution driver. Types here are foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// MESSAGE PARTS
// =============================================================================

// PartKind discriminates the Part variants.
type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartTool      PartKind = "tool"
	PartGoal      PartKind = "goal"
	PartProgress  PartKind = "progress"
	PartTodo      PartKind = "todo"
)

// Part is an addressable unit of a Message. The concrete variants form a
// sealed set; renderers switch over Kind() and must handle every case.
type Part interface {
	Kind() PartKind
}

// TextPart carries a markdown body.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) Kind() PartKind { return PartText }

// ReasoningPart carries the model's chain-of-thought text. It is rendered
// dimmed and is excluded from tool-call parsing.
type ReasoningPart struct {
	Text string `json:"text"`
}

func (ReasoningPart) Kind() PartKind { return PartReasoning }

// GoalPart states the turn's goal as understood by the model.
type GoalPart struct {
	Goal string `json:"goal"`
}

func (GoalPart) Kind() PartKind { return PartGoal }

// ProgressPart carries a progress note (step N of M style).
type ProgressPart struct {
	Note string `json:"note"`
}

func (ProgressPart) Kind() PartKind { return PartProgress }

// TodoPart carries a follow-up item surfaced by the model.
type TodoPart struct {
	Item string `json:"item"`
	Done bool   `json:"done"`
}

func (TodoPart) Kind() PartKind { return PartTodo }

// =============================================================================
// TOOL PART STATE MACHINE
// =============================================================================

// ToolState is the lifecycle state of a ToolPart.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// toolTransitions encodes the only legal forward edges.
var toolTransitions = map[ToolState][]ToolState{
	ToolPending: {ToolRunning},
	ToolRunning: {ToolCompleted, ToolError},
}

// ToolPart records one tool invocation inside an assistant message.
// State moves monotonically Pending -> Running -> {Completed, Error};
// once terminal, only Summary may still be set.
type ToolPart struct {
	ToolName     string                 `json:"tool_name"`
	Parameters   map[string]interface{} `json:"parameters"`
	State        ToolState              `json:"state"`
	Result       *ToolResult            `json:"result,omitempty"`
	Summary      string                 `json:"summary,omitempty"`
	RelatedFiles []string               `json:"related_files,omitempty"`
}

func (ToolPart) Kind() PartKind { return PartTool }

// NewToolPart creates a ToolPart in the Pending state.
func NewToolPart(toolName string, params map[string]interface{}) *ToolPart {
	return &ToolPart{
		ToolName:   toolName,
		Parameters: params,
		State:      ToolPending,
	}
}

// Transition moves the part to the given state, rejecting backward or
// skipped edges.
func (p *ToolPart) Transition(to ToolState) error {
	for _, legal := range toolTransitions[p.State] {
		if legal == to {
			p.State = to
			return nil
		}
	}
	return fmt.Errorf("illegal tool part transition %s -> %s", p.State, to)
}

// Terminal reports whether the part reached Completed or Error.
func (p *ToolPart) Terminal() bool {
	return p.State == ToolCompleted || p.State == ToolError
}

// =============================================================================
// TOOL RESULT
// =============================================================================

// ToolResult is the uniform outcome of a tool execution. Exactly one of
// Data or Error is meaningful, selected by Success.
type ToolResult struct {
	Success          bool                   `json:"success"`
	Data             string                 `json:"data,omitempty"`
	DisplayTitle     string                 `json:"display_title,omitempty"`
	DisplayContent   string                 `json:"display_content,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ExecutionTimeMs  int64                  `json:"execution_time_ms"`
	RelatedFilePaths []string               `json:"related_file_paths,omitempty"`
	RelativePath     string                 `json:"relative_path,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// FailedResult builds an error ToolResult with the elapsed duration recorded.
func FailedResult(err error, elapsed time.Duration) *ToolResult {
	return &ToolResult{
		Success:         false,
		Error:           err.Error(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}
