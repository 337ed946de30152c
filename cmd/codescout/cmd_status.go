package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd reports index, learning, and loop state for the project.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and evolution status for the project",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Project: %s (%s)\n\n", a.projectKey, a.root)

	stats, err := a.vectors.ProjectStats(ctx, a.projectKey)
	if err != nil {
		return err
	}
	fmt.Printf("Vector store: %d fragments (L1 cache %d, ANN %v)\n",
		stats.L3Count, stats.L1Size, stats.ANNEnabled)
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-20s %d\n", t, stats.ByType[t])
	}

	recs, err := a.repo.ListLearningRecords(ctx, a.projectKey, 5)
	if err != nil {
		return err
	}
	fmt.Printf("\nRecent learning records (%d shown):\n", len(recs))
	for _, r := range recs {
		fmt.Printf("  %.2f  %s\n", r.Confidence, r.Question)
	}

	evo, err := a.repo.LoadEvolutionState(ctx, a.projectKey)
	if err != nil {
		return err
	}
	fmt.Printf("\nEvolution: phase=%s iterations=%d successful=%d\n",
		evo.Phase, evo.TotalIterations, evo.SuccessfulIterations)
	if evo.CurrentQuestion != "" {
		fmt.Printf("  in flight: %s\n", evo.CurrentQuestion)
	}
	if evo.StopReason != "" {
		fmt.Printf("  last stop: %s\n", evo.StopReason)
	}

	backoff, err := a.repo.LoadBackoffState(ctx, a.projectKey)
	if err != nil {
		return err
	}
	if backoff.BackoffUntil.After(time.Now()) {
		fmt.Printf("  resting until %s (%d consecutive errors)\n",
			backoff.BackoffUntil.Format(time.RFC3339), backoff.ConsecutiveErrors)
	}

	quota, err := a.repo.LoadQuotaState(ctx, a.projectKey)
	if err != nil {
		return err
	}
	fmt.Printf("  quota: %d/%d questions today\n",
		quota.QuestionsToday, a.cfg.DoomLoop.DailyQuota)

	sessions, err := a.repo.ListSessions(ctx, a.projectKey, 5)
	if err != nil {
		return err
	}
	fmt.Printf("\nSaved sessions: %d recent\n", len(sessions))
	for _, id := range sessions {
		fmt.Println("  " + id)
	}
	return nil
}
