package vector

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"codescout/internal/types"
)

func newTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	s, err := NewStore(Options{
		Path:        filepath.Join(t.TempDir(), "vectors.db"),
		Dimension:   dim,
		L1CacheSize: 4,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func randomVector(dim int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	v := randomVector(1024, 1)
	decoded, err := DecodeVector(EncodeVector(v))
	if err != nil {
		t.Fatalf("DecodeVector failed: %v", err)
	}
	if len(decoded) != len(v) {
		t.Fatalf("expected %d floats, got %d", len(v), len(decoded))
	}
	for i := range v {
		if decoded[i] != v[i] {
			t.Fatalf("float %d not bit-equal: %v vs %v", i, v[i], decoded[i])
		}
	}
}

func TestDecodeVectorRejectsRaggedBlob(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t, 8)
	ctx := context.Background()

	f := &Fragment{
		ID:         "proj:code_summary:PaymentService",
		ProjectKey: "proj",
		Title:      "PaymentService",
		Content:    "Handles payment capture and refunds.",
		Vector:     randomVector(8, 42),
		Tags:       []string{"code_summary"},
		Metadata:   map[string]string{MetaType: TypeCodeSummary},
	}
	if err := s.Upsert(ctx, f); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Get(ctx, "proj", f.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != f.Title {
		t.Errorf("title mismatch: %q", got.Title)
	}
	if got.Metadata[MetaProjectKey] != "proj" {
		t.Errorf("metadata missing projectKey: %v", got.Metadata)
	}
	for i := range f.Vector {
		if got.Vector[i] != f.Vector[i] {
			t.Fatalf("vector not bit-equal at %d", i)
		}
	}
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t, 8)
	err := s.Upsert(context.Background(), &Fragment{
		ID:         "bad",
		ProjectKey: "proj",
		Vector:     randomVector(4, 1),
	})
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestDeletePropagatesAllTiers(t *testing.T) {
	s := newTestStore(t, 8)
	ctx := context.Background()

	f := &Fragment{ID: "doomed", ProjectKey: "proj", Vector: randomVector(8, 7)}
	if err := s.Upsert(ctx, f); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// Warm L1.
	if _, err := s.Get(ctx, "proj", "doomed"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := s.Delete(ctx, "proj", "doomed"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "proj", "doomed"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, ok := s.l1.get("proj", "doomed"); ok {
		t.Fatal("fragment still cached in L1 after delete")
	}
}

func TestSearchReturnsDescendingScores(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()

	// Axis-aligned vectors so cosine ordering is unambiguous.
	frags := map[string][]float32{
		"exact":      {1, 0, 0, 0},
		"close":      {0.9, 0.1, 0, 0},
		"orthogonal": {0, 1, 0, 0},
	}
	for id, v := range frags {
		if err := s.Upsert(ctx, &Fragment{ID: id, ProjectKey: "proj", Vector: v}); err != nil {
			t.Fatalf("Upsert %s failed: %v", id, err)
		}
	}

	results, err := s.Search(ctx, "proj", []float32{1, 0, 0, 0}, 3, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Fragment.ID != "exact" {
		t.Errorf("expected exact match first, got %s", results[0].Fragment.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d: %v > %v", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestSearchMetadataFilter(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()

	for i, typ := range []string{TypeCodeSummary, TypeLearningRecord} {
		f := &Fragment{
			ID:         typ,
			ProjectKey: "proj",
			Vector:     []float32{1, float32(i) * 0.01, 0, 0},
			Metadata:   map[string]string{MetaType: typ},
		}
		if err := s.Upsert(ctx, f); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	results, err := s.Search(ctx, "proj", []float32{1, 0, 0, 0}, 10, map[string]string{MetaType: TypeLearningRecord})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Fragment.ID != TypeLearningRecord {
		t.Fatalf("filter not applied: %+v", results)
	}
}

func TestSearchIsolatesProjects(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()

	if err := s.Upsert(ctx, &Fragment{ID: "a", ProjectKey: "alpha", Vector: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, &Fragment{ID: "b", ProjectKey: "beta", Vector: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	results, err := s.Search(ctx, "alpha", []float32{1, 0, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Fragment.ID != "a" {
		t.Fatalf("cross-project leak: %+v", results)
	}
}

func TestCleanupByTag(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()

	for _, id := range []string{"old:1", "old:2", "keep"} {
		tags := []string{"stale"}
		if id == "keep" {
			tags = []string{"fresh"}
		}
		if err := s.Upsert(ctx, &Fragment{ID: id, ProjectKey: "proj", Vector: []float32{1, 0, 0, 0}, Tags: tags}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	n, err := s.CleanupByTag(ctx, "proj", func(tag string) bool { return strings.HasPrefix(tag, "stale") })
	if err != nil {
		t.Fatalf("CleanupByTag failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, err := s.Get(ctx, "proj", "keep"); err != nil {
		t.Fatalf("kept fragment missing: %v", err)
	}
}

func TestL1Eviction(t *testing.T) {
	c := newL1Cache(2)
	for _, id := range []string{"a", "b", "c"} {
		c.put(&Fragment{ID: id, ProjectKey: "p"})
	}
	if _, ok := c.get("p", "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.get("p", "c"); !ok {
		t.Fatal("newest entry missing")
	}
	if c.len() != 2 {
		t.Fatalf("expected len 2, got %d", c.len())
	}
}

func TestProjectStats(t *testing.T) {
	s := newTestStore(t, 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f := &Fragment{
			ID:         string(rune('a' + i)),
			ProjectKey: "proj",
			Vector:     []float32{1, 0, 0, 0},
			Metadata:   map[string]string{MetaType: TypeCodeSummary},
		}
		if err := s.Upsert(ctx, f); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	st, err := s.ProjectStats(ctx, "proj")
	if err != nil {
		t.Fatalf("ProjectStats failed: %v", err)
	}
	if st.L3Count != 3 || st.ByType[TypeCodeSummary] != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
