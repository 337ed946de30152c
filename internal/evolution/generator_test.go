package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"codescout/internal/config"
	"codescout/internal/llm"
	"codescout/internal/store"
	"codescout/internal/types"
)

// cannedLLM returns fixed JSON for CompleteJSON and fixed text for Chat.
type cannedLLM struct {
	jsonReplies []string
	jsonCalls   int
	chatReplies []string
	chatCalls   int
}

func (c *cannedLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return c.nextChat(), nil
}

func (c *cannedLLM) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	if len(c.jsonReplies) == 0 {
		return errors.New("no json replies canned")
	}
	idx := c.jsonCalls
	c.jsonCalls++
	if idx >= len(c.jsonReplies) {
		idx = len(c.jsonReplies) - 1
	}
	return json.Unmarshal([]byte(c.jsonReplies[idx]), out)
}

func (c *cannedLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	return c.nextChat(), nil
}

func (c *cannedLLM) ChatStream(ctx context.Context, messages []llm.ChatMessage) (<-chan llm.StreamChunk, <-chan error) {
	chunks := make(chan llm.StreamChunk, 1)
	errs := make(chan error, 1)
	chunks <- llm.StreamChunk{Text: c.nextChat()}
	close(chunks)
	errs <- nil
	close(errs)
	return chunks, errs
}

func (c *cannedLLM) nextChat() string {
	if len(c.chatReplies) == 0 {
		return ""
	}
	idx := c.chatCalls
	c.chatCalls++
	if idx >= len(c.chatReplies) {
		idx = len(c.chatReplies) - 1
	}
	return c.chatReplies[idx]
}

func testRepo(t *testing.T) *store.Repository {
	t.Helper()
	repo, err := store.NewRepository(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedQuestion(t *testing.T, repo *store.Repository, projectKey, question string) {
	t.Helper()
	err := repo.SaveLearningRecord(context.Background(), &types.LearningRecord{
		ID:         uuid.NewString(),
		ProjectKey: projectKey,
		CreatedAt:  time.Now(),
		Question:   question,
		Answer:     "answered earlier",
		ExplorationPath: []types.ToolCallStep{
			{ToolName: "grep", ResultSummary: "found it", Timestamp: time.Now()},
		},
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("seed learning record failed: %v", err)
	}
}

func TestGenerateFiltersRepeatedQuestions(t *testing.T) {
	repo := testRepo(t)
	seedQuestion(t, repo, "proj", "How does checkout validate stock?")

	model := &cannedLLM{jsonReplies: []string{`{"questions": [
		{"question": "How does checkout validate stock?", "type": "business", "priority": 9, "reason": "core flow"},
		{"question": "Where are refunds processed?", "type": "business", "priority": 7, "reason": "unknown area"}
	]}`}}
	gen := NewGenerator(model, repo, nil, nil, config.EvolutionConfig{MinPriority: 3, RecentQuestions: 20})

	got, err := gen.Generate(context.Background(), "proj", 3)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the repeated question filtered, got %d candidates", len(got))
	}
	if got[0].Question != "Where are refunds processed?" {
		t.Fatalf("wrong survivor: %q", got[0].Question)
	}
}

func TestGenerateSortsAndEnforcesMinPriority(t *testing.T) {
	repo := testRepo(t)
	model := &cannedLLM{jsonReplies: []string{`{"questions": [
		{"question": "low value question", "type": "config", "priority": 2, "reason": "minor"},
		{"question": "mid value question", "type": "api", "priority": 5, "reason": "useful"},
		{"question": "high value question", "type": "architecture", "priority": 9, "reason": "central"}
	]}`}}
	gen := NewGenerator(model, repo, nil, nil, config.EvolutionConfig{MinPriority: 3, RecentQuestions: 20})

	got, err := gen.Generate(context.Background(), "proj", 3)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the priority-2 candidate dropped, got %d", len(got))
	}
	if got[0].Question != "high value question" || got[1].Question != "mid value question" {
		t.Fatalf("not sorted by priority: %+v", got)
	}
}

func TestQuestionHashNormalizes(t *testing.T) {
	a := QuestionHash("How does Checkout work?")
	b := QuestionHash("  how does checkout work?  ")
	if a != b {
		t.Fatal("case and whitespace must not distinguish questions")
	}
	if a == QuestionHash("How do refunds work?") {
		t.Fatal("different questions must not collide")
	}
}
