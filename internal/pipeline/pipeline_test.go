package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"codescout/internal/llm"
	"codescout/internal/store"
	"codescout/internal/vector"
)

const testDim = 4

// hashEmbedder derives a deterministic unit-ish vector from the text.
type hashEmbedder struct {
	calls int64
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt64(&e.calls, 1)
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, testDim)
	for i := range vec {
		vec[i] = float32(binary.LittleEndian.Uint16(sum[i*2:])) / 65535.0
	}
	return vec, nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *hashEmbedder) Dimensions() int { return testDim }
func (e *hashEmbedder) Name() string    { return "hash-test" }

// summaryLLM produces one-line summaries and can be told to fail for files
// whose prompt mentions a marker.
type summaryLLM struct {
	calls   int64
	failFor string
}

func (s *summaryLLM) Complete(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.failFor != "" && strings.Contains(prompt, s.failFor) {
		return "", errors.New("model unavailable")
	}
	return "# Summary\n\nDescribes one source file.", nil
}

func (s *summaryLLM) CompleteJSON(ctx context.Context, prompt string, out interface{}) error {
	return errors.New("not used")
}

func (s *summaryLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	return s.Complete(ctx, "")
}

func (s *summaryLLM) ChatStream(ctx context.Context, messages []llm.ChatMessage) (<-chan llm.StreamChunk, <-chan error) {
	chunks := make(chan llm.StreamChunk)
	errs := make(chan error, 1)
	close(chunks)
	errs <- errors.New("not used")
	close(errs)
	return chunks, errs
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testPipeline(t *testing.T, root string, model llm.Service) (*Pipeline, *vector.Store, *store.Repository) {
	t.Helper()
	dir := t.TempDir()
	vs, err := vector.NewStore(vector.Options{Path: filepath.Join(dir, "vectors.db"), Dimension: testDim})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { vs.Close() })
	repo, err := store.NewRepository(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	p, err := New(Config{
		ProjectKey: "proj",
		Root:       root,
		SummaryDir: filepath.Join(dir, "summaries"),
		Extensions: []string{".go", ".sql"},
		LLM:        model,
		Embedder:   &hashEmbedder{},
		Store:      vs,
		Repo:       repo,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, vs, repo
}

func TestRunIndexesAndSkipsUnchanged(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "payment/service.go", "package payment\n\nfunc Charge() {}\n")
	writeFile(t, root, "schema.sql", "CREATE TABLE orders (id TEXT);\n")
	writeFile(t, root, "README.txt", "not a source file\n")
	writeFile(t, root, ".git/config", "ignored\n")

	model := &summaryLLM{}
	p, vs, _ := testPipeline(t, root, model)
	ctx := context.Background()

	report, err := p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.TotalFiles != 2 || report.ProcessedFiles != 2 || report.SkippedFiles != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, err := vs.Get(ctx, "proj", "proj:code_summary:payment/service.go"); err != nil {
		t.Fatalf("fragment missing: %v", err)
	}

	// Second pass: nothing changed, nothing summarized.
	before := atomic.LoadInt64(&model.calls)
	report, err = p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report.ProcessedFiles != 0 || report.SkippedFiles != 2 {
		t.Fatalf("unchanged files not skipped: %+v", report)
	}
	if atomic.LoadInt64(&model.calls) != before {
		t.Fatal("LLM called for unchanged files")
	}

	// A modified file is reprocessed; the rest stay cached.
	writeFile(t, root, "payment/service.go", "package payment\n\nfunc Charge() {}\nfunc Refund() {}\n")
	report, err = p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("third Run failed: %v", err)
	}
	if report.ProcessedFiles != 1 || report.SkippedFiles != 1 {
		t.Fatalf("change detection broken: %+v", report)
	}
}

func TestRunRemovesDeletedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	p, vs, repo := testPipeline(t, root, &summaryLLM{})
	ctx := context.Background()
	if _, err := p.Run(ctx, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "b.go")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(ctx, Options{}); err != nil {
		t.Fatalf("Run after delete failed: %v", err)
	}

	if _, err := vs.Get(ctx, "proj", "proj:code_summary:b.go"); err == nil {
		t.Fatal("deleted file still indexed")
	}
	hashes, err := repo.AllFileHashes(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := hashes["b.go"]; ok {
		t.Fatal("deleted file still in hash cache")
	}
}

func TestForceUpdateIgnoresCache(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	model := &summaryLLM{}
	p, _, _ := testPipeline(t, root, model)
	ctx := context.Background()
	if _, err := p.Run(ctx, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	report, err := p.Run(ctx, Options{ForceUpdate: true})
	if err != nil {
		t.Fatalf("forced Run failed: %v", err)
	}
	if report.ProcessedFiles != 1 || report.SkippedFiles != 0 {
		t.Fatalf("force mode still skipped: %+v", report)
	}
}

func TestFromExistingMdSkipsLLM(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "sub/b.go", "package sub\n")

	model := &summaryLLM{}
	p, vs, _ := testPipeline(t, root, model)
	ctx := context.Background()
	if _, err := p.Run(ctx, Options{}); err != nil {
		t.Fatalf("initial Run failed: %v", err)
	}

	before := atomic.LoadInt64(&model.calls)
	report, err := p.Run(ctx, Options{FromExistingMd: true})
	if err != nil {
		t.Fatalf("markdown Run failed: %v", err)
	}
	if atomic.LoadInt64(&model.calls) != before {
		t.Fatal("markdown mode must not call the LLM")
	}
	if report.ProcessedFiles != 2 || report.TotalVectors != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, err := vs.Get(ctx, "proj", "proj:code_summary:sub/b.go"); err != nil {
		t.Fatalf("re-embedded fragment missing: %v", err)
	}
}

func TestPerFileErrorsDoNotAbortBatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.go", "package good\n")
	writeFile(t, root, "bad.go", "package bad // POISON\n")

	model := &summaryLLM{failFor: "POISON"}
	p, vs, _ := testPipeline(t, root, model)
	ctx := context.Background()

	report, err := p.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "bad.go") {
		t.Fatalf("expected one recorded error for bad.go: %+v", report.Errors)
	}
	if report.ProcessedFiles != 1 {
		t.Fatalf("good file not processed: %+v", report)
	}
	if _, err := vs.Get(ctx, "proj", "proj:code_summary:good.go"); err != nil {
		t.Fatalf("good fragment missing: %v", err)
	}
}
