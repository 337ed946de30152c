// Package guard protects the self-evolution loop from wasted work: capped
// exponential backoff after failures, daily spend quotas, and detection of
// repeated identical questions.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codescout/internal/config"
	"codescout/internal/logging"
	"codescout/internal/store"
	"codescout/internal/types"
)

// Decision is the answer to "should this project attempt an iteration now".
type Decision struct {
	Skip               bool   `json:"skip"`
	Reason             string `json:"reason,omitempty"`
	RemainingBackoffMs int64  `json:"remaining_backoff_ms,omitempty"`
}

// Guard holds per-project backoff and quota state, write-through to the
// repository so restarts resume the same windows.
type Guard struct {
	mu   sync.Mutex
	repo *store.Repository
	cfg  config.DoomLoopConfig

	duplicateThreshold int
	location           *time.Location

	backoff map[string]*types.BackoffState
	quota   map[string]*types.QuotaState

	// recentHashes tracks the last question hash per project and how many
	// consecutive iterations produced it.
	recentHashes map[string]*questionStreak

	// now is swappable for tests.
	now func() time.Time
}

type questionStreak struct {
	hash  string
	count int
}

// New creates a guard. repo may be nil for ephemeral use.
func New(repo *store.Repository, cfg config.DoomLoopConfig, duplicateThreshold int, timezone string) *Guard {
	loc := time.Local
	if timezone != "" && timezone != "Local" {
		if parsed, err := time.LoadLocation(timezone); err == nil {
			loc = parsed
		} else {
			logging.Get(logging.CategoryGuard).Warn("Unknown timezone %q, using local: %v", timezone, err)
		}
	}
	if duplicateThreshold <= 0 {
		duplicateThreshold = 3
	}
	return &Guard{
		repo:               repo,
		cfg:                cfg,
		duplicateThreshold: duplicateThreshold,
		location:           loc,
		backoff:            make(map[string]*types.BackoffState),
		quota:              make(map[string]*types.QuotaState),
		recentHashes:       make(map[string]*questionStreak),
		now:                time.Now,
	}
}

// Restore loads persisted backoff and quota state for a project. Call once
// per project at startup, before the first ShouldSkipQuestion.
func (g *Guard) Restore(ctx context.Context, projectKey string) error {
	if g.repo == nil {
		return nil
	}
	bo, err := g.repo.LoadBackoffState(ctx, projectKey)
	if err != nil {
		return fmt.Errorf("restore backoff state: %w", err)
	}
	qt, err := g.repo.LoadQuotaState(ctx, projectKey)
	if err != nil {
		return fmt.Errorf("restore quota state: %w", err)
	}
	g.mu.Lock()
	g.backoff[projectKey] = bo
	g.quota[projectKey] = qt
	g.mu.Unlock()
	logging.GuardDebug("Restored guard state for %s: errors=%d backoffUntil=%s questions=%d",
		projectKey, bo.ConsecutiveErrors, bo.BackoffUntil.Format(time.RFC3339), qt.QuestionsToday)
	return nil
}

// ShouldSkipQuestion decides whether to attempt an iteration. Quota is NOT
// consumed here; call ReserveQuestion once the iteration actually starts.
func (g *Guard) ShouldSkipQuestion(ctx context.Context, projectKey string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetQuotaIfNewDayLocked(ctx, projectKey, now)

	bo := g.backoffLocked(projectKey)
	if now.Before(bo.BackoffUntil) {
		remaining := bo.BackoffUntil.Sub(now).Milliseconds()
		logging.GuardDebug("Project %s within backoff for %dms", projectKey, remaining)
		return Decision{Skip: true, Reason: "within backoff", RemainingBackoffMs: remaining}
	}

	qt := g.quotaLocked(projectKey)
	if g.cfg.DailyQuota > 0 && qt.QuestionsToday >= g.cfg.DailyQuota {
		return Decision{Skip: true, Reason: "daily quota"}
	}

	if streak := g.recentHashes[projectKey]; streak != nil && streak.count >= g.duplicateThreshold {
		return Decision{Skip: true, Reason: "duplicate question stall"}
	}

	return Decision{}
}

// NoteQuestion records a generated question hash for duplicate-stall
// detection. Consecutive identical hashes accumulate; a new hash resets the
// streak.
func (g *Guard) NoteQuestion(projectKey, questionHash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	streak := g.recentHashes[projectKey]
	if streak == nil || streak.hash != questionHash {
		g.recentHashes[projectKey] = &questionStreak{hash: questionHash, count: 1}
		return
	}
	streak.count++
	if streak.count >= g.duplicateThreshold {
		logging.Guard("Project %s generated the same question %d times in a row", projectKey, streak.count)
	}
}

// ReserveQuestion consumes one unit of daily question quota. It refuses with
// ErrBackoffActive while the project's backoff window is open. Callers must
// pair it with RefundQuestion if the iteration fails before doing real work.
func (g *Guard) ReserveQuestion(ctx context.Context, projectKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetQuotaIfNewDayLocked(ctx, projectKey, now)

	if bo := g.backoffLocked(projectKey); now.Before(bo.BackoffUntil) {
		return fmt.Errorf("project %s: %w", projectKey, types.ErrBackoffActive)
	}

	qt := g.quotaLocked(projectKey)
	if g.cfg.DailyQuota > 0 && qt.QuestionsToday >= g.cfg.DailyQuota {
		return fmt.Errorf("project %s: %w", projectKey, types.ErrQuotaExhausted)
	}
	qt.QuestionsToday++
	g.persistQuotaLocked(ctx, qt)
	return nil
}

// RefundQuestion returns a previously reserved quota unit.
func (g *Guard) RefundQuestion(ctx context.Context, projectKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	qt := g.quotaLocked(projectKey)
	if qt.QuestionsToday > 0 {
		qt.QuestionsToday--
		g.persistQuotaLocked(ctx, qt)
	}
}

// RecordSuccess clears the failure streak and the backoff window.
func (g *Guard) RecordSuccess(ctx context.Context, projectKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bo := g.backoffLocked(projectKey)
	bo.ConsecutiveErrors = 0
	bo.BackoffUntil = time.Time{}
	g.persistBackoffLocked(ctx, bo)
	logging.GuardDebug("Project %s: success, backoff cleared", projectKey)
}

// RecordFailure increments the failure streak and opens a capped exponential
// backoff window: baseMs doubled per prior consecutive error, capped at capMs.
func (g *Guard) RecordFailure(ctx context.Context, projectKey string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	bo := g.backoffLocked(projectKey)
	bo.ConsecutiveErrors++
	bo.LastErrorTime = now

	delay := g.backoffDelay(bo.ConsecutiveErrors)
	bo.BackoffUntil = now.Add(delay)
	g.persistBackoffLocked(ctx, bo)

	logging.Guard("Project %s: failure %d, backing off %s (until %s)",
		projectKey, bo.ConsecutiveErrors, delay, bo.BackoffUntil.Format(time.RFC3339))
	return bo.BackoffUntil
}

// BackoffUntil returns the current window end for a project (zero when open).
func (g *Guard) BackoffUntil(projectKey string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoffLocked(projectKey).BackoffUntil
}

func (g *Guard) backoffDelay(errors int) time.Duration {
	base := g.cfg.BaseMs
	if base <= 0 {
		base = 1000
	}
	capMs := g.cfg.CapMs
	if capMs <= 0 {
		capMs = 600000
	}

	ms := base
	for i := 1; i < errors; i++ {
		ms *= 2
		if ms >= capMs {
			ms = capMs
			break
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// =============================================================================
// INTERNAL STATE ACCESS (callers hold g.mu)
// =============================================================================

func (g *Guard) backoffLocked(projectKey string) *types.BackoffState {
	bo := g.backoff[projectKey]
	if bo == nil {
		bo = &types.BackoffState{ProjectKey: projectKey}
		g.backoff[projectKey] = bo
	}
	return bo
}

func (g *Guard) quotaLocked(projectKey string) *types.QuotaState {
	qt := g.quota[projectKey]
	if qt == nil {
		qt = &types.QuotaState{ProjectKey: projectKey}
		g.quota[projectKey] = qt
	}
	return qt
}

// resetQuotaIfNewDayLocked zeroes the daily counters when the calendar day
// in the configured timezone has changed since the last reset.
func (g *Guard) resetQuotaIfNewDayLocked(ctx context.Context, projectKey string, now time.Time) {
	qt := g.quotaLocked(projectKey)
	today := now.In(g.location).Format("2006-01-02")
	if qt.LastResetDate == today {
		return
	}
	qt.QuestionsToday = 0
	qt.ExplorationsToday = 0
	qt.LastResetDate = today
	g.persistQuotaLocked(ctx, qt)
	logging.GuardDebug("Project %s: daily quota reset for %s", projectKey, today)
}

func (g *Guard) persistBackoffLocked(ctx context.Context, bo *types.BackoffState) {
	if g.repo == nil {
		return
	}
	if err := g.repo.SaveBackoffState(ctx, bo); err != nil {
		logging.Get(logging.CategoryGuard).Error("Persist backoff state failed: %v", err)
	}
}

func (g *Guard) persistQuotaLocked(ctx context.Context, qt *types.QuotaState) {
	if g.repo == nil {
		return
	}
	if err := g.repo.SaveQuotaState(ctx, qt); err != nil {
		logging.Get(logging.CategoryGuard).Error("Persist quota state failed: %v", err)
	}
}
