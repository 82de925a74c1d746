package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/superfly/storagemgr"
	"github.com/superfly/storagemgr/commit"
	"github.com/superfly/storagemgr/journal"
	"github.com/superfly/storagemgr/probe"
	"github.com/superfly/storagemgr/safeguards"
	"github.com/superfly/storagemgr/tui"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the storage topology",
	Long: `Show every container and volume of the probed topology.

With --changes the queued changes are included, so the output shows the state a
commit would produce.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), "show", envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		changes, _ := cmd.Flags().GetStringArray("changes")
		if err := e.applyChanges(changes); err != nil {
			return err
		}

		s := e.manager.Storage()
		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			data, err := probe.Marshal(probe.Describe(s.Containers(), s.UsageRecords()))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderTopology(s.Containers()))
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the actions a commit would run",
	Long: `Queue the given change sets and print the resulting plan, grouped by stage.

The printed fingerprint can be passed to "commit --expect" so that only the
reviewed plan is ever executed.

Example:
  storagemgr plan --changes data-volume.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), "plan", envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		changes, _ := cmd.Flags().GetStringArray("changes")
		if err := e.applyChanges(changes); err != nil {
			return err
		}
		plan, err := e.manager.Plan()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprint(out, tui.RenderPlan(plan))
		fmt.Fprintf(out, "\nFingerprint: %s\n", storagemgr.PlanFingerprint(plan))
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit queued changes",
	Long: `Queue the given change sets and run the resulting plan.

The plan is shown and confirmed interactively unless --yes is given. Execution
stops at the first failing action; the actions already applied are kept and
written back to the topology description.

Example:
  storagemgr plan --changes data-volume.yaml
  storagemgr commit --changes data-volume.yaml --expect plan_3f2a...`,
	RunE: runCommit,
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded commits",
	Long: `List the most recent commits, or the steps of one commit when a run id is given.

With --device, every step that touched the device is listed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jcfg := journal.DefaultConfig()
		jcfg.Path = cfg.journalPath()
		jcfg.Logger = log
		j, err := journal.New(jcfg)
		if err != nil {
			return err
		}
		defer j.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if device, _ := cmd.Flags().GetString("device"); device != "" {
			steps, err := j.DeviceHistory(ctx, device)
			if err != nil {
				return err
			}
			fmt.Fprint(out, tui.RenderSteps(steps))
			return nil
		}

		if len(args) == 1 {
			run, err := j.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no commit %s", args[0])
			}
			steps, err := j.Steps(ctx, run.ID)
			if err != nil {
				return err
			}
			fmt.Fprint(out, tui.RenderRuns([]*journal.Run{run}))
			fmt.Fprintln(out)
			fmt.Fprint(out, tui.RenderSteps(steps))
			if run.ExtendedError != "" {
				fmt.Fprintf(out, "\n%s\n", run.ExtendedError)
			}
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := j.Runs(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprint(out, tui.RenderRuns(runs))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the topology model",
	Long: `Load the topology, queue the given change sets and run the consistency checks
on the result: extent accounting, used-by records and container membership.

With --health the block layer of this machine is checked as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), "check", envOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		changes, _ := cmd.Flags().GetStringArray("changes")
		if err := e.applyChanges(changes); err != nil {
			return err
		}
		if err := e.manager.Storage().CheckConsistency(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s topology is consistent\n", tui.SymbolSuccess)

		if health, _ := cmd.Flags().GetBool("health"); health {
			if err := safeguards.NewSystemHealthChecker(log, nil).CheckAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s block layer is healthy\n", tui.SymbolSuccess)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{showCmd, planCmd, commitCmd, checkCmd} {
		c.Flags().StringArrayP("changes", "c", nil, "change-set file to queue (repeatable)")
	}
	showCmd.Flags().Bool("yaml", false, "print the topology description instead of a table")

	commitCmd.Flags().String("expect", "", "refuse to commit unless the plan has this fingerprint")
	commitCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	commitCmd.Flags().Bool("ignore-existing", false, "skip mounts and formats that are already in place")

	historyCmd.Flags().Int("limit", 20, "number of commits to list")
	historyCmd.Flags().String("device", "", "list the steps that touched this device")

	checkCmd.Flags().Bool("health", false, "also check the block layer of this machine")
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := envOptions{Exclusive: true}
	if ignore, _ := cmd.Flags().GetBool("ignore-existing"); ignore {
		opts.Ignore = storagemgr.IgnoreAny(storagemgr.IgnoreAlreadyMounted, storagemgr.IgnoreAlreadyFormatted)
	}

	e, err := openEnv(ctx, "commit", opts)
	if err != nil {
		if safeguards.IsLockedError(err) {
			return &exitError{code: 75, err: err}
		}
		return err
	}
	defer e.Close()

	changes, _ := cmd.Flags().GetStringArray("changes")
	if err := e.applyChanges(changes); err != nil {
		return err
	}

	plan, err := e.manager.Plan()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if plan.Empty() {
		fmt.Fprint(out, tui.RenderPlan(plan))
		return nil
	}

	expect, _ := cmd.Flags().GetString("expect")
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		ok, err := confirm(plan)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Commit aborted")
			return nil
		}
		if expect == "" {
			expect = storagemgr.PlanFingerprint(plan)
		}
	}

	status, res, err := commitWithProgress(ctx, e, storagemgr.CommitOptions{Expect: expect})
	if res != nil {
		if serr := e.saveState(); serr != nil {
			log.WithError(serr).Error("failed to save committed topology")
			if err == nil {
				err = serr
			}
		}
	}
	if err != nil {
		if res != nil && res.ExtendedError != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n%s\n", tui.SymbolError, res.LastAction, res.ExtendedError)
		}
		return &exitError{code: 1, err: fmt.Errorf("commit failed with status %d: %w", status, err)}
	}

	if cfg.Quiet {
		return nil
	}
	fmt.Fprintf(out, "%s %d actions applied\n", tui.SymbolSuccess, len(res.Applied()))
	for _, s := range res.Steps {
		if s.Status == commit.StepIgnored {
			fmt.Fprintf(out, "  %s ignored: %s (%s)\n", tui.SymbolWarning, s.Action.Description, firstLine(s.Error))
		}
	}
	return nil
}

// confirm shows the plan and asks for approval.
func confirm(plan *commit.Plan) (bool, error) {
	model := tui.NewConfirmModel(plan)
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return false, fmt.Errorf("TUI error: %w", err)
	}
	m, ok := final.(*tui.ConfirmModel)
	return ok && m.Confirmed(), nil
}

// commitWithProgress runs the commit, drawing progress unless quiet.
func commitWithProgress(ctx context.Context, e *env, opts storagemgr.CommitOptions) (int, *commit.Result, error) {
	if cfg.Quiet {
		return e.manager.Commit(ctx, opts)
	}

	// Logs would tear the progress display apart.
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	program := tea.NewProgram(tui.NewProgressModel(false))
	opts.Observer = tui.NewProgramObserver(program)

	type outcome struct {
		status int
		res    *commit.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		status, res, err := e.manager.Commit(ctx, opts)
		tui.SendDone(program, res, err)
		done <- outcome{status, res, err}
	}()

	if _, err := program.Run(); err != nil {
		log.WithError(err).Warn("progress display failed")
	}
	// Detaching the display does not stop the commit.
	o := <-done
	return o.status, o.res, o.err
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
