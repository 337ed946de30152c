package main

import (
	"fmt"
	"path/filepath"

	"codescout/internal/compact"
	"codescout/internal/config"
	"codescout/internal/embedding"
	"codescout/internal/evolution"
	"codescout/internal/guard"
	"codescout/internal/limiter"
	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/pipeline"
	"codescout/internal/react"
	"codescout/internal/session"
	"codescout/internal/store"
	"codescout/internal/tool"
	"codescout/internal/vector"
)

// app holds one fully wired project context: every component the commands
// need, built from one config.
type app struct {
	cfg        *config.Config
	root       string
	projectKey string

	repo     *store.Repository
	vectors  *vector.Store
	embedder embedding.Engine
	reranker *embedding.Reranker
	model    llm.Service
	limiters *limiter.Set
	tools    *tool.Registry
	sessions *session.Manager
	loop     *react.Loop
	guard    *guard.Guard
}

// newApp resolves the workspace, loads config, and wires the component graph.
func newApp() (*app, error) {
	root := workspace
	if root == "" {
		var err error
		root, err = config.FindWorkspaceRoot()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(root); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	path := configPath
	if path == "" {
		path = filepath.Join(root, ".codescout", "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	repo, err := store.NewRepository(statePath(root, cfg))
	if err != nil {
		return nil, fmt.Errorf("open state repository: %w", err)
	}
	vectors, err := vector.NewStore(vector.Options{
		Path:             vectorPath(root, cfg),
		Dimension:        cfg.Embedding.Dimension,
		L1CacheSize:      cfg.Vector.L1CacheSize,
		RebuildThreshold: cfg.Vector.RebuildThreshold,
	})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		repo.Close()
		vectors.Close()
		return nil, err
	}
	reranker := embedding.NewReranker(cfg.Rerank)
	model := llm.NewClient(cfg.LLM)
	limiters := limiter.NewSet(cfg.Concurrency.Embedding, cfg.Concurrency.Rerank,
		cfg.Concurrency.LLM, cfg.Concurrency.Analysis)

	tools := tool.NewRegistry(cfg.GetToolTimeout())
	err = tool.RegisterBuiltins(tools, tool.BuiltinDeps{
		Root:     root,
		Store:    vectors,
		Embedder: embedder,
		Reranker: reranker,
	})
	if err != nil {
		repo.Close()
		vectors.Close()
		return nil, err
	}

	sessions := session.NewManager(repo)
	compactor := compact.NewCompactor(model, cfg.Compaction.MaxTokens, cfg.Compaction.Threshold)
	summarizer := compact.NewSummarizer(model)

	loop := react.NewLoop(react.Deps{
		Sessions:   sessions,
		Tools:      tools,
		LLM:        model,
		Compactor:  compactor,
		Summarizer: summarizer,
		Limiters:   limiters,
		Store:      vectors,
		Embedder:   embedder,
	}, cfg.React)

	g := guard.New(repo, cfg.DoomLoop, cfg.Evolution.DuplicateThreshold, cfg.Evolution.Timezone)

	a := &app{
		cfg:        cfg,
		root:       root,
		projectKey: filepath.Base(root),
		repo:       repo,
		vectors:    vectors,
		embedder:   embedder,
		reranker:   reranker,
		model:      model,
		limiters:   limiters,
		tools:      tools,
		sessions:   sessions,
		loop:       loop,
		guard:      g,
	}
	logging.Boot("codescout wired for project %s at %s", a.projectKey, root)
	return a, nil
}

// Close releases the app's storage handles.
func (a *app) Close() {
	a.vectors.Close()
	a.repo.Close()
	logging.CloseAll()
}

// newPipeline builds the vectorization pipeline over the app's stores.
func (a *app) newPipeline() (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Config{
		ProjectKey: a.projectKey,
		Root:       a.root,
		Extensions: a.cfg.Tools.SourceExtensions,
		LLM:        a.model,
		Embedder:   a.embedder,
		Store:      a.vectors,
		Repo:       a.repo,
		Limiters:   a.limiters,
	})
}

// newEvolution builds the self-evolution loop for this project.
func (a *app) newEvolution() *evolution.Loop {
	gen := evolution.NewGenerator(a.model, a.repo, a.vectors, a.embedder, a.cfg.Evolution)
	return evolution.NewLoop(a.projectKey, evolution.Deps{
		LLM:        a.model,
		Tools:      a.tools,
		Summarizer: compact.NewSummarizer(a.model),
		Generator:  gen,
		Guard:      a.guard,
		Repo:       a.repo,
		Store:      a.vectors,
		Embedder:   a.embedder,
	}, a.cfg.Evolution)
}

func statePath(root string, cfg *config.Config) string {
	return filepath.Join(root, ".codescout", "data", "state.db")
}

func vectorPath(root string, cfg *config.Config) string {
	p := cfg.Vector.DatabasePath
	if p == "" {
		p = filepath.Join(".codescout", "data", "vectors.db")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	return p
}
