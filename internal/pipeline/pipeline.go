// Package pipeline turns source trees into searchable vectors: walk, hash,
// summarize changed files with the LLM, embed, and upsert into the vector
// store. Unchanged files are skipped via the per-file hash cache.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codescout/internal/embedding"
	"codescout/internal/limiter"
	"codescout/internal/llm"
	"codescout/internal/logging"
	"codescout/internal/store"
	"codescout/internal/vector"
)

// maxFileBytes caps how much of a source file is fed to the summarizer.
const maxFileBytes = 64 * 1024

// walkParallelism caps concurrent file processing. The limiter set still
// gates the LLM and embedding calls underneath.
const walkParallelism = 4

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".codescout":   true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"target":       true,
	"build":        true,
}

// Options select the pipeline mode.
type Options struct {
	// ForceUpdate reprocesses every file regardless of the hash cache.
	ForceUpdate bool

	// FromExistingMd re-embeds previously generated markdown summaries
	// without calling the LLM. Stale code_summary fragments are purged
	// first.
	FromExistingMd bool
}

// Report is the outcome of one pipeline run.
type Report struct {
	TotalFiles     int      `json:"total_files"`
	ProcessedFiles int      `json:"processed_files"`
	SkippedFiles   int      `json:"skipped_files"`
	TotalVectors   int      `json:"total_vectors"`
	Errors         []string `json:"errors,omitempty"`
	ElapsedMs      int64    `json:"elapsed_ms"`
}

// Pipeline vectorizes one project rooted at Root.
type Pipeline struct {
	projectKey string
	root       string
	summaryDir string
	extensions map[string]bool

	llm      llm.Service
	embedder embedding.Engine
	store    *vector.Store
	repo     *store.Repository
	limiters *limiter.Set
}

// Config wires a pipeline.
type Config struct {
	ProjectKey string
	Root       string

	// SummaryDir holds generated markdown, one file per source file.
	// Defaults to <root>/.codescout/summaries.
	SummaryDir string

	// Extensions is the source-file allowlist (".go", ".py", ...).
	Extensions []string

	LLM      llm.Service
	Embedder embedding.Engine
	Store    *vector.Store
	Repo     *store.Repository
	Limiters *limiter.Set
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.ProjectKey == "" || cfg.Root == "" {
		return nil, fmt.Errorf("pipeline needs a project key and root")
	}
	if cfg.Embedder == nil || cfg.Store == nil {
		return nil, fmt.Errorf("pipeline needs an embedder and a vector store")
	}
	summaryDir := cfg.SummaryDir
	if summaryDir == "" {
		summaryDir = filepath.Join(cfg.Root, ".codescout", "summaries")
	}
	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = true
	}
	return &Pipeline{
		projectKey: cfg.ProjectKey,
		root:       cfg.Root,
		summaryDir: summaryDir,
		extensions: exts,
		llm:        cfg.LLM,
		embedder:   cfg.Embedder,
		store:      cfg.Store,
		repo:       cfg.Repo,
		limiters:   cfg.Limiters,
	}, nil
}

// Run executes one pipeline pass. Per-file failures are recorded in the
// report and never abort the batch.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryPipeline, "Run")
	defer timer.StopWithInfo()

	report := &Report{}
	if opts.FromExistingMd {
		err := p.reingestMarkdown(ctx, report)
		report.ElapsedMs = time.Since(start).Milliseconds()
		return report, err
	}

	files, err := p.walk()
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", p.root, err)
	}
	report.TotalFiles = len(files)
	logging.Pipeline("Vectorizing %s: %d source files (force=%v)", p.projectKey, len(files), opts.ForceUpdate)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkParallelism)
	seen := make(map[string]bool, len(files))
	for _, rel := range files {
		seen[rel] = true
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			processed, err := p.processFile(gctx, rel, opts.ForceUpdate)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rel, err))
				logging.PipelineWarn("File %s failed: %v", rel, err)
				return nil
			}
			if processed {
				report.ProcessedFiles++
				report.TotalVectors++
			} else {
				report.SkippedFiles++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		report.ElapsedMs = time.Since(start).Milliseconds()
		return report, err
	}

	if err := p.pruneDeleted(ctx, seen, report); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("prune: %v", err))
	}

	report.ElapsedMs = time.Since(start).Milliseconds()
	logging.Pipeline("Pipeline done for %s: %d processed, %d skipped, %d errors in %dms",
		p.projectKey, report.ProcessedFiles, report.SkippedFiles, len(report.Errors), report.ElapsedMs)
	return report, nil
}

// walk collects relative paths of allowlisted source files.
func (p *Pipeline) walk() ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != p.root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !p.extensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// processFile hashes one file and, when new or changed, summarizes, embeds,
// and upserts it. Returns true when a vector was written.
func (p *Pipeline) processFile(ctx context.Context, rel string, force bool) (bool, error) {
	content, err := os.ReadFile(filepath.Join(p.root, rel))
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if !force && p.repo != nil {
		cached, err := p.repo.GetFileHash(ctx, p.projectKey, rel)
		if err != nil {
			return false, err
		}
		if cached == hash {
			logging.PipelineDebug("Unchanged: %s", rel)
			return false, nil
		}
	}

	if len(content) > maxFileBytes {
		content = content[:maxFileBytes]
	}

	markdown, err := p.summarize(ctx, rel, string(content))
	if err != nil {
		return false, err
	}
	if err := p.writeSummary(rel, markdown); err != nil {
		logging.PipelineDebug("Summary file write failed for %s: %v", rel, err)
	}

	if err := p.indexSummary(ctx, rel, markdown); err != nil {
		return false, err
	}

	if p.repo != nil {
		if err := p.repo.SetFileHash(ctx, p.projectKey, rel, hash); err != nil {
			return false, err
		}
	}
	return true, nil
}

// summarize produces a markdown summary of one source file. Without an LLM
// the head of the file stands in, fenced as code.
func (p *Pipeline) summarize(ctx context.Context, rel, content string) (string, error) {
	if p.llm == nil {
		return fmt.Sprintf("# %s\n\n```\n%s\n```\n", rel, head(content, 2000)), nil
	}

	prompt := fmt.Sprintf(`Summarize this source file for a code-search index. Cover: purpose,
key types and functions, notable dependencies, and business rules. Markdown, concise.

File: %s

%s`, rel, content)

	var out string
	err := p.withLimiter(ctx, analysisLimiter, func(c context.Context) error {
		var err error
		out, err = p.llm.Complete(c, prompt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// indexSummary embeds markdown and upserts the code_summary fragment.
func (p *Pipeline) indexSummary(ctx context.Context, rel, markdown string) error {
	var vec []float32
	err := p.withLimiter(ctx, embeddingLimiter, func(c context.Context) error {
		var err error
		vec, err = p.embedder.Embed(c, markdown)
		return err
	})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	f := &vector.Fragment{
		ID:         p.fragmentID(rel),
		ProjectKey: p.projectKey,
		Title:      rel,
		Content:    markdown,
		Vector:     vec,
		Tags:       []string{vector.TypeCodeSummary},
		Metadata: map[string]string{
			vector.MetaType: vector.TypeCodeSummary,
			"path":          rel,
		},
	}
	if err := p.store.Upsert(ctx, f); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// pruneDeleted removes fragments and cached hashes for files that vanished
// from the tree.
func (p *Pipeline) pruneDeleted(ctx context.Context, seen map[string]bool, report *Report) error {
	if p.repo == nil {
		return nil
	}
	cached, err := p.repo.AllFileHashes(ctx, p.projectKey)
	if err != nil {
		return err
	}
	for rel := range cached {
		if seen[rel] {
			continue
		}
		logging.Pipeline("Removing deleted file %s from the index", rel)
		if err := p.store.Delete(ctx, p.projectKey, p.fragmentID(rel)); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: delete fragment: %v", rel, err))
		}
		if err := p.repo.DeleteFileHash(ctx, p.projectKey, rel); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: delete hash: %v", rel, err))
		}
	}
	return nil
}

// reingestMarkdown purges code_summary fragments and re-embeds the stored
// markdown summaries, skipping the LLM entirely.
func (p *Pipeline) reingestMarkdown(ctx context.Context, report *Report) error {
	purged, err := p.store.DeleteByMetadata(ctx, p.projectKey, vector.MetaType, vector.TypeCodeSummary)
	if err != nil {
		return fmt.Errorf("purge code summaries: %w", err)
	}
	logging.Pipeline("Purged %d stale code summaries for %s", purged, p.projectKey)

	err = filepath.WalkDir(p.summaryDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		report.TotalFiles++
		relMd, err := filepath.Rel(p.summaryDir, path)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(strings.TrimSuffix(relMd, ".md"))

		markdown, err := os.ReadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		if err := p.indexSummary(ctx, rel, string(markdown)); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		report.ProcessedFiles++
		report.TotalVectors++
		return nil
	})
	if os.IsNotExist(err) {
		return fmt.Errorf("no markdown summaries at %s", p.summaryDir)
	}
	return err
}

func (p *Pipeline) writeSummary(rel, markdown string) error {
	path := filepath.Join(p.summaryDir, filepath.FromSlash(rel)+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(markdown), 0644)
}

func (p *Pipeline) fragmentID(rel string) string {
	return fmt.Sprintf("%s:%s:%s", p.projectKey, vector.TypeCodeSummary, rel)
}

type limiterKind int

const (
	analysisLimiter limiterKind = iota
	embeddingLimiter
)

func (p *Pipeline) withLimiter(ctx context.Context, kind limiterKind, fn func(context.Context) error) error {
	if p.limiters == nil {
		return fn(ctx)
	}
	var l *limiter.Limiter
	switch kind {
	case analysisLimiter:
		l = p.limiters.Analysis
	case embeddingLimiter:
		l = p.limiters.Embedding
	}
	if l == nil {
		return fn(ctx)
	}
	return l.Execute(ctx, fn)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
