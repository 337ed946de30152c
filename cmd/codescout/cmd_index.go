package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codescout/internal/pipeline"
)

var (
	indexWatch  bool
	indexForce  bool
	indexFromMd bool
)

// indexCmd vectorizes the project source tree.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Vectorize the project into the searchable index",
	Long: `Walks the project source tree, summarizes new and changed files with the
LLM, embeds the summaries, and upserts them into the vector store. Unchanged
files are skipped via a content-hash cache.

With --watch the pipeline keeps running and re-ingests files as they change.
With --from-md previously generated markdown summaries are re-embedded
without calling the LLM.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false, "keep running and re-index on file changes")
	indexCmd.Flags().BoolVar(&indexForce, "force", false, "reprocess every file, ignoring the hash cache")
	indexCmd.Flags().BoolVar(&indexFromMd, "from-md", false, "re-embed existing markdown summaries without the LLM")
}

func runIndex(cmd *cobra.Command, args []string) error {
	if indexFromMd && indexForce {
		return fmt.Errorf("--from-md and --force are mutually exclusive")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.newPipeline()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := p.Run(ctx, pipeline.Options{
		ForceUpdate:    indexForce,
		FromExistingMd: indexFromMd,
	})
	if err != nil {
		return err
	}
	printReport(report)

	if !indexWatch {
		return nil
	}

	w, err := pipeline.NewWatcher(p)
	if err != nil {
		return err
	}
	logger.Info("watching for changes", zap.String("root", a.root))
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printReport(r *pipeline.Report) {
	fmt.Printf("Indexed %d files: %d processed, %d skipped, %d vectors in %dms\n",
		r.TotalFiles, r.ProcessedFiles, r.SkippedFiles, r.TotalVectors, r.ElapsedMs)
	for _, e := range r.Errors {
		fmt.Println("  error:", e)
	}
}
