package embedding

import (
	"strings"
	"testing"
)

func TestTruncateHeadAndTail(t *testing.T) {
	text := "0123456789"
	if got := Truncate(text, 4, StrategyHead); got != "0123" {
		t.Errorf("head: got %q", got)
	}
	if got := Truncate(text, 4, StrategyTail); got != "6789" {
		t.Errorf("tail: got %q", got)
	}
	if got := Truncate(text, 20, StrategyHead); got != text {
		t.Errorf("under-budget text should pass through, got %q", got)
	}
}

func TestTruncateMiddleKeepsBothEnds(t *testing.T) {
	text := strings.Repeat("a", 50) + strings.Repeat("z", 50)
	got := Truncate(text, 23, StrategyMiddle)
	if len(got) != 23 {
		t.Fatalf("expected 23 chars, got %d", len(got))
	}
	if !strings.HasPrefix(got, "aaa") || !strings.HasSuffix(got, "zzz") {
		t.Errorf("middle truncation lost an end: %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("missing ellipsis: %q", got)
	}
}

func TestTruncateSmartPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("p", 60) + "\n\n" + strings.Repeat("q", 60)
	got := Truncate(text, 100, StrategySmart)
	if got != strings.Repeat("p", 60) {
		t.Errorf("expected cut at paragraph break, got %d chars", len(got))
	}
}

func TestTruncateSmartFallsBackToSentence(t *testing.T) {
	text := strings.Repeat("w", 60) + ". " + strings.Repeat("v", 60)
	got := Truncate(text, 100, StrategySmart)
	if got != strings.Repeat("w", 60)+"." {
		t.Errorf("expected cut after sentence end, got %q", got[len(got)-5:])
	}
}

func TestTruncateSmartHardCutWhenNoBoundary(t *testing.T) {
	text := strings.Repeat("x", 200)
	got := Truncate(text, 100, StrategySmart)
	if len(got) != 100 {
		t.Errorf("expected hard cut to 100, got %d", len(got))
	}
}
