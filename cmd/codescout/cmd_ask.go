package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"codescout/internal/types"
)

// askCmd runs one question through the reasoning loop without the TUI.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sess := a.sessions.Create(a.projectKey)
	question := strings.Join(args, " ")

	msg, err := a.loop.Process(ctx, sess.ID, question, func(p types.Part) {
		switch v := p.(type) {
		case *types.ToolPart:
			if v.State == types.ToolRunning {
				fmt.Printf("  [%s] running...\n", v.ToolName)
			}
		case *types.ProgressPart:
			fmt.Println("  " + v.Note)
		}
	})
	if err != nil {
		// A doom-loop halt still carries a diagnostic answer.
		if msg == nil {
			return err
		}
		logger.Warn(err.Error())
	}

	fmt.Println()
	fmt.Println(msg.Text())

	if err := a.sessions.Save(ctx, sess.ID); err != nil {
		logger.Warn("session not persisted: " + err.Error())
	}
	return nil
}
