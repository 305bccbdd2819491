package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dshills/essaygraph/essay"
	"github.com/dshills/essaygraph/internal/tui"
)

// withApp opens the app, runs fn and closes the app again.
func withApp(cmd *cobra.Command, open opener, g *globalFlags, live bool, fn func(*app) error) (err error) {
	a, err := open(cmd.Context(), g, live)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(cmd.Context())); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// interruptFlags adds --interrupt-after and --no-interrupts. The returned
// func yields nil (use the configured default) unless either flag was set.
func interruptFlags(cmd *cobra.Command) func() []string {
	var nodes []string
	var none bool
	cmd.Flags().StringSliceVar(&nodes, "interrupt-after", nil, "pause after these nodes ("+strings.Join(essay.NodeIDs, ", ")+")")
	cmd.Flags().BoolVar(&none, "no-interrupts", false, "run to completion without pausing")
	return func() []string {
		if none {
			return []string{}
		}
		if cmd.Flags().Changed("interrupt-after") {
			return nodes
		}
		return nil
	}
}

func newRunCommand(open opener, g *globalFlags) *cobra.Command {
	var (
		threadID     string
		maxRevisions int
		restart      bool
		exportDir    string
	)
	cmd := &cobra.Command{
		Use:   "run <topic>",
		Short: "Start an essay thread (or continue an existing one)",
		Args:  cobra.MinimumNArgs(1),
	}
	interrupts := interruptFlags(cmd)
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread ID (default: a new UUID)")
	cmd.Flags().IntVarP(&maxRevisions, "max-revisions", "r", -1, "revision cap (default from config)")
	cmd.Flags().BoolVar(&restart, "restart", false, "discard the thread's history first")
	cmd.Flags().StringVar(&exportDir, "export", "", "write drafts and research to this directory when done")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, open, g, true, func(a *app) error {
			if !cmd.Flags().Changed("max-revisions") {
				maxRevisions = a.cfg.Run.MaxRevisions
			}
			res, err := a.writer.Run(cmd.Context(), essay.RunRequest{
				Topic:          strings.Join(args, " "),
				ThreadID:       threadID,
				MaxRevisions:   maxRevisions,
				InterruptAfter: interrupts(),
				Restart:        restart,
			})
			if res.ThreadID != "" {
				if perr := printResult(cmd.OutOrStdout(), res, g.jsonOut); perr != nil && err == nil {
					err = perr
				}
			}
			if err != nil || exportDir == "" {
				return err
			}
			return exportThread(cmd, a, res.ThreadID, exportDir)
		})
	}
	return cmd
}

func newContinueCommand(open opener, g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "continue <thread>",
		Short: "Resume a paused or failed thread",
		Args:  cobra.ExactArgs(1),
	}
	interrupts := interruptFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, open, g, true, func(a *app) error {
			res, err := a.writer.Continue(cmd.Context(), args[0], interrupts())
			if res.Step > 0 || res.Outcome != essay.OutcomeFailed {
				if perr := printResult(cmd.OutOrStdout(), res, g.jsonOut); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		})
	}
	return cmd
}

func newShowCommand(open opener, g *globalFlags) *cobra.Command {
	var field string
	cmd := &cobra.Command{
		Use:   "show <thread>",
		Short: "Print a thread's latest state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, g, false, func(a *app) error {
				res, err := a.writer.Inspect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if field != "" {
					return printField(cmd.OutOrStdout(), res, field)
				}
				return printResult(cmd.OutOrStdout(), res, g.jsonOut)
			})
		},
	}
	cmd.Flags().StringVarP(&field, "field", "f", "", "print one field: task, plan, research, draft, critique, queries")
	return cmd
}

func newHistoryCommand(open opener, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <thread>",
		Short: "List a thread's checkpoints, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, g, false, func(a *app) error {
				history, err := a.writer.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printHistory(cmd.OutOrStdout(), history, g.jsonOut)
			})
		},
	}
}

func newThreadsCommand(open opener, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List known threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, g, false, func(a *app) error {
				threads, err := a.writer.Threads(cmd.Context())
				if err != nil {
					return err
				}
				if g.jsonOut {
					return writeJSON(cmd.OutOrStdout(), threads)
				}
				for _, id := range threads {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newEditCommand(open opener, g *globalFlags) *cobra.Command {
	var asNode string
	cmd := &cobra.Command{
		Use:   "edit <thread>",
		Short: "Edit a paused thread's plan, draft or critique",
		Long: "Edit replaces a field as though the owning node had written it, then\n" +
			"recomputes where the thread goes next. A value of @path reads the file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := essay.EditRequest{AsNode: asNode}
			for flag, dst := range map[string]**string{"plan": &req.Plan, "draft": &req.Draft, "critique": &req.Critique} {
				if !cmd.Flags().Changed(flag) {
					continue
				}
				raw, _ := cmd.Flags().GetString(flag)
				value, err := readValue(raw)
				if err != nil {
					return err
				}
				*dst = &value
			}
			return withApp(cmd, open, g, false, func(a *app) error {
				res, err := a.writer.Edit(cmd.Context(), args[0], req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res, g.jsonOut)
			})
		},
	}
	cmd.Flags().String("plan", "", "new plan")
	cmd.Flags().String("draft", "", "new draft")
	cmd.Flags().String("critique", "", "new critique")
	cmd.Flags().StringVar(&asNode, "as-node", "", "attribute the edit to this node (default: the field's owner)")
	return cmd
}

func readValue(raw string) (string, error) {
	path, ok := strings.CutPrefix(raw, "@")
	if !ok {
		return raw, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func newExportCommand(open opener, g *globalFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export <thread>",
		Short: "Write draft_rev_N.md and plan_research_rev_N.json for each revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, g, false, func(a *app) error {
				if dir == "" {
					dir = a.cfg.Run.ExportDir
				}
				return exportThread(cmd, a, args[0], dir)
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "output directory (default from config)")
	return cmd
}

func exportThread(cmd *cobra.Command, a *app, threadID, dir string) error {
	paths, err := a.writer.Export(cmd.Context(), threadID, dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.ErrOrStderr(), "wrote", p)
	}
	return nil
}

func newResetCommand(open opener, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <thread>",
		Short: "Delete a thread's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, g, false, func(a *app) error {
				return a.writer.Reset(cmd.Context(), args[0])
			})
		},
	}
}

func newTUICommand(open opener, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive front end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g.quiet = true
			return withApp(cmd, open, g, true, func(a *app) error {
				ui := tui.NewApp(a.writer, a.events, tui.Options{
					MaxRevisions:   a.cfg.Run.MaxRevisions,
					InterruptAfter: a.cfg.Run.InterruptAfter,
					ExportDir:      a.cfg.Run.ExportDir,
				})
				p := tea.NewProgram(ui, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
				_, err := p.Run()
				return err
			})
		},
	}
}
