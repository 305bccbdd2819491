// Command essaygraph writes essays with a plan, research, draft and
// critique loop, checkpointing every step so threads can be paused,
// edited and resumed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openApp).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(open opener) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "essaygraph",
		Short:         "Essay-writing agent with checkpointed, resumable threads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "dotenv files to load (default: ./.env if present)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVar(&g.events, "events", false, "print engine events to stderr")

	root.AddCommand(
		newRunCommand(open, g),
		newContinueCommand(open, g),
		newShowCommand(open, g),
		newHistoryCommand(open, g),
		newThreadsCommand(open, g),
		newEditCommand(open, g),
		newExportCommand(open, g),
		newResetCommand(open, g),
		newTUICommand(open, g),
	)
	return root
}
