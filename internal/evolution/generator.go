// Package evolution implements the background self-evolution driver: it
// generates questions about the project, explores them with tools, and
// persists the mined knowledge as learning records.
package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"codescout/internal/config"
	"codescout/internal/embedding"
	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/store"
	"codescout/internal/types"
	"codescout/internal/vector"
)

// QuestionHash derives the duplicate-detection hash for a question. Case
// and surrounding whitespace do not distinguish questions.
func QuestionHash(question string) string {
	norm := strings.ToLower(strings.TrimSpace(question))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

// Generator produces ranked candidate questions for a project, seeded by
// recent questions and recalled project context.
type Generator struct {
	llm      llm.Service
	repo     *store.Repository
	store    *vector.Store
	embedder embedding.Engine
	cfg      config.EvolutionConfig
}

// NewGenerator creates a generator. store and embedder may be nil; context
// recall then degrades to recent questions only.
func NewGenerator(service llm.Service, repo *store.Repository, vstore *vector.Store, embedder embedding.Engine, cfg config.EvolutionConfig) *Generator {
	return &Generator{
		llm:      service,
		repo:     repo,
		store:    vstore,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Generate asks the model for count candidate questions, then filters out
// repeats of recent questions and anything below the minimum priority.
// The result is sorted by priority descending.
func (g *Generator) Generate(ctx context.Context, projectKey string, count int) ([]types.CandidateQuestion, error) {
	if count <= 0 {
		count = 3
	}

	recentN := g.cfg.RecentQuestions
	if recentN <= 0 {
		recentN = 20
	}
	var recent []string
	if g.repo != nil {
		var err error
		recent, err = g.repo.RecentQuestions(ctx, projectKey, recentN)
		if err != nil {
			return nil, fmt.Errorf("load recent questions: %w", err)
		}
	}

	prompt := g.buildPrompt(ctx, projectKey, recent, count)

	var out struct {
		Questions []types.CandidateQuestion `json:"questions"`
	}
	if err := g.llm.CompleteJSON(ctx, prompt, &out); err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	recentHashes := make(map[string]bool, len(recent))
	for _, q := range recent {
		recentHashes[QuestionHash(q)] = true
	}

	minPriority := g.cfg.MinPriority
	var kept []types.CandidateQuestion
	for _, c := range out.Questions {
		if strings.TrimSpace(c.Question) == "" {
			continue
		}
		if recentHashes[QuestionHash(c.Question)] {
			logging.EvolutionDebug("Dropping repeated question: %s", c.Question)
			continue
		}
		if c.Priority < 1 {
			c.Priority = 1
		}
		if c.Priority > 10 {
			c.Priority = 10
		}
		if c.Priority < minPriority {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority > kept[j].Priority })
	logging.Evolution("Generated %d candidate questions for %s (%d kept after filters)",
		len(out.Questions), projectKey, len(kept))
	return kept, nil
}

func (g *Generator) buildPrompt(ctx context.Context, projectKey string, recent []string, count int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`You are mining knowledge about a codebase. Propose %d exploration
questions an engineer new to the project would want answered. Reply as JSON:
{"questions": [{"question": "...", "type": "architecture|business|data|api|config",
"priority": 1-10, "reason": "...", "suggested_tools": ["..."], "expected_outcome": "..."}]}
`, count))

	if hints := g.contextHints(ctx, projectKey); hints != "" {
		b.WriteString("\nProject context:\n" + hints)
	}
	if len(recent) > 0 {
		b.WriteString("\nAlready asked (do not repeat):\n")
		for _, q := range recent {
			b.WriteString("- " + q + "\n")
		}
	}
	return b.String()
}

// contextHints recalls a few fragments near "project architecture" to seed
// the generator. Best-effort: a cold store yields no hints.
func (g *Generator) contextHints(ctx context.Context, projectKey string) string {
	if g.store == nil || g.embedder == nil {
		return ""
	}
	vec, err := g.embedder.Embed(ctx, "project architecture, tech stack, main business flows")
	if err != nil {
		logging.EvolutionDebug("Context hint embed failed: %v", err)
		return ""
	}
	results, err := g.store.Search(ctx, projectKey, vec, 3, nil)
	if err != nil {
		logging.EvolutionDebug("Context hint search failed: %v", err)
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		b.WriteString("- " + r.Fragment.Title + "\n")
	}
	return b.String()
}
