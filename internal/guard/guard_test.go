package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"codescout/internal/config"
	"codescout/internal/types"
)

func testGuard(base, capMs int64, quota int) *Guard {
	return New(nil, config.DoomLoopConfig{
		BaseMs:     base,
		CapMs:      capMs,
		DailyQuota: quota,
	}, 3, "UTC")
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	g := testGuard(1000, 10000, 50)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	ctx := context.Background()

	// Three consecutive failures: 1000, 2000, 4000.
	g.RecordFailure(ctx, "proj")
	g.RecordFailure(ctx, "proj")
	until := g.RecordFailure(ctx, "proj")
	if got := until.Sub(fixed); got != 4*time.Second {
		t.Fatalf("third failure window = %s, want exactly 4s", got)
	}

	// A fourth attempt inside the window is skipped with an ETA.
	d := g.ShouldSkipQuestion(ctx, "proj")
	if !d.Skip || d.Reason != "within backoff" {
		t.Fatalf("expected backoff skip, got %+v", d)
	}
	if d.RemainingBackoffMs != 4000 {
		t.Fatalf("remaining = %dms, want 4000", d.RemainingBackoffMs)
	}

	// The window is capped: errors keep doubling until capMs.
	g.RecordFailure(ctx, "proj") // 8000
	until = g.RecordFailure(ctx, "proj")
	if got := until.Sub(fixed); got != 10*time.Second {
		t.Fatalf("capped window = %s, want 10s", got)
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	g := testGuard(1000, 10000, 50)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	ctx := context.Background()

	g.RecordFailure(ctx, "proj")
	g.RecordFailure(ctx, "proj")

	// After the window passes, a success clears everything.
	g.now = func() time.Time { return fixed.Add(time.Minute) }
	if d := g.ShouldSkipQuestion(ctx, "proj"); d.Skip {
		t.Fatalf("window should have expired: %+v", d)
	}
	g.RecordSuccess(ctx, "proj")

	// The next failure starts over at the base delay.
	until := g.RecordFailure(ctx, "proj")
	if got := until.Sub(fixed.Add(time.Minute)); got != time.Second {
		t.Fatalf("post-reset window = %s, want 1s", got)
	}
}

func TestDailyQuotaBlocksAndResets(t *testing.T) {
	g := testGuard(1000, 10000, 2)
	day1 := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return day1 }
	ctx := context.Background()

	if err := g.ReserveQuestion(ctx, "proj"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := g.ReserveQuestion(ctx, "proj"); err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if err := g.ReserveQuestion(ctx, "proj"); err == nil {
		t.Fatal("third reserve should exhaust the quota")
	}
	if d := g.ShouldSkipQuestion(ctx, "proj"); !d.Skip || d.Reason != "daily quota" {
		t.Fatalf("expected quota skip, got %+v", d)
	}

	// Calendar-day change resets counters before any check.
	g.now = func() time.Time { return day1.Add(2 * time.Hour) }
	if d := g.ShouldSkipQuestion(ctx, "proj"); d.Skip {
		t.Fatalf("quota should reset on new day: %+v", d)
	}
	if err := g.ReserveQuestion(ctx, "proj"); err != nil {
		t.Fatalf("reserve after reset failed: %v", err)
	}
}

func TestRefundReturnsQuota(t *testing.T) {
	g := testGuard(1000, 10000, 1)
	g.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if err := g.ReserveQuestion(ctx, "proj"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := g.ReserveQuestion(ctx, "proj"); err == nil {
		t.Fatal("quota of 1 should block the second reserve")
	}
	g.RefundQuestion(ctx, "proj")
	if err := g.ReserveQuestion(ctx, "proj"); err != nil {
		t.Fatalf("reserve after refund failed: %v", err)
	}
}

func TestReserveDuringBackoffFails(t *testing.T) {
	g := testGuard(60000, 600000, 50)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	ctx := context.Background()

	g.RecordFailure(ctx, "proj")
	if err := g.ReserveQuestion(ctx, "proj"); !errors.Is(err, types.ErrBackoffActive) {
		t.Fatalf("expected ErrBackoffActive, got %v", err)
	}

	// The refused reserve consumed nothing; once the window passes the
	// full quota is still available.
	g.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	if err := g.ReserveQuestion(ctx, "proj"); err != nil {
		t.Fatalf("reserve after window failed: %v", err)
	}
}

func TestDuplicateQuestionStall(t *testing.T) {
	g := testGuard(1000, 10000, 50)
	g.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	g.NoteQuestion("proj", "hash-a")
	g.NoteQuestion("proj", "hash-a")
	if d := g.ShouldSkipQuestion(ctx, "proj"); d.Skip {
		t.Fatalf("two repeats under threshold 3 should not stall: %+v", d)
	}
	g.NoteQuestion("proj", "hash-a")
	if d := g.ShouldSkipQuestion(ctx, "proj"); !d.Skip || d.Reason != "duplicate question stall" {
		t.Fatalf("expected duplicate stall, got %+v", d)
	}

	// A fresh question breaks the streak.
	g.NoteQuestion("proj", "hash-b")
	if d := g.ShouldSkipQuestion(ctx, "proj"); d.Skip {
		t.Fatalf("new question should clear the stall: %+v", d)
	}
}

func TestProjectsAreIsolated(t *testing.T) {
	g := testGuard(1000, 10000, 50)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }
	ctx := context.Background()

	g.RecordFailure(ctx, "alpha")
	if d := g.ShouldSkipQuestion(ctx, "alpha"); !d.Skip {
		t.Fatal("alpha should be backing off")
	}
	if d := g.ShouldSkipQuestion(ctx, "beta"); d.Skip {
		t.Fatalf("beta must be unaffected: %+v", d)
	}
}
