package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// evolveCmd runs the background self-evolution loop in the foreground.
var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run the self-evolution loop until interrupted",
	Long: `Drives exploration iterations: generate a question about the project,
answer it with tools, and persist the result as a learning record. Backoff,
daily quotas, and duplicate detection throttle the loop. Interrupted or
crashed iterations resume from their last persisted phase.`,
	RunE: runEvolve,
}

func runEvolve(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.Evolution.Enabled {
		return fmt.Errorf("self-evolution is disabled; set evolution.enabled in the config")
	}

	ctx, cancel := signalContext()
	defer cancel()

	loop := a.newEvolution()
	if err := loop.Start(ctx); err != nil {
		return err
	}
	logger.Info("evolution loop running", zap.String("project", a.projectKey))

	<-ctx.Done()
	logger.Info("stopping evolution loop")
	loop.Stop()

	st := loop.Status()
	fmt.Printf("Stopped after %d iterations (%d successful)\n",
		st.TotalIterations, st.SuccessfulIterations)
	return nil
}
