package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"codescout/internal/store"
	"codescout/internal/types"
)

func testRepo(t *testing.T) *store.Repository {
	t.Helper()
	repo, err := store.NewRepository(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestCreateAndGet(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("proj")
	if s.ID == "" || s.ProjectKey != "proj" {
		t.Fatalf("bad session: %+v", s)
	}

	got, err := m.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != s {
		t.Fatal("Get returned a different session instance")
	}

	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveDropRestore(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	m := NewManager(repo)
	s := m.Create("proj")
	s.Append(types.NewMessage(types.RoleUser, &types.TextPart{Text: "where is payment handled?"}))
	s.Append(types.NewMessage(types.RoleAssistant, &types.TextPart{Text: "internal/payment/service.go"}))

	if err := m.Save(ctx, s.ID); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	m.Drop(s.ID)
	if m.Len() != 0 {
		t.Fatal("Drop left the session in memory")
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get after Drop failed: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("restored transcript has %d messages, want 2", got.Len())
	}
	if got.Last().Text() != "internal/payment/service.go" {
		t.Fatalf("restored text mismatch: %q", got.Last().Text())
	}
}

func TestSubSessionsStayTransient(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	parent := types.NewSession("proj")
	sub := parent.NewSubSession()
	if sub.ParentID != parent.ID {
		t.Fatal("sub-session not bound to parent")
	}

	err := repo.SaveSession(ctx, sub)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation for sub-session save, got %v", err)
	}
}
