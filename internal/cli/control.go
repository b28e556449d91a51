package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/me/cycleflow/pkg/model"
)

// printResult writes a command's outcome.
func printResult(w io.Writer, res *model.CommandResult) {
	if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}
	for _, id := range res.Matched {
		fmt.Fprintf(w, "  %s\n", id)
	}
}

// postCommand sends one command to the named workflow's scheduler.
func postCommand(cmd *cobra.Command, workflow, path string, body any) error {
	c, err := clientFor(workflow)
	if err != nil {
		return err
	}
	var res model.CommandResult
	if err := c.Post(cmd.Context(), path, body, &res); err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), &res)
	return nil
}

func newStopCmd() *cobra.Command {
	var (
		mode      string
		point     string
		task      string
		clockTime string
	)
	cmd := &cobra.Command{
		Use:   "stop <workflow>",
		Short: "Stop a running workflow",
		Long: `Without options the scheduler stops submitting jobs and shuts down once
active jobs have finished. --mode now shuts down at once; --mode kill kills
active jobs first. --point, --task or --clock defer the stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.StopRequestBody{Mode: model.StopMode(mode), Point: point, Task: task}
			if clockTime != "" {
				t, err := time.Parse(time.RFC3339, clockTime)
				if err != nil {
					return fmt.Errorf("--clock: %w", err)
				}
				req.ClockTime = t
			}
			return postCommand(cmd, args[0], "/stop", req)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Stop mode: request (default), now or kill")
	cmd.Flags().StringVar(&point, "point", "", "Stop once every task up to this cycle point is done")
	cmd.Flags().StringVar(&task, "task", "", "Stop once this task (point/name) succeeds")
	cmd.Flags().StringVar(&clockTime, "clock", "", "Stop at this wall-clock time (RFC 3339)")
	cmd.MarkFlagsMutuallyExclusive("point", "task", "clock")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <workflow>",
		Short: "Stop submitting new jobs; active jobs carry on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, args[0], "/pause", nil)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow>",
		Short: "Resume job submission in a paused workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, args[0], "/resume", nil)
		},
	}
}

func newHoldCmd() *cobra.Command {
	var after string
	cmd := &cobra.Command{
		Use:   "hold <workflow> [task...]",
		Short: "Hold tasks so they are not submitted",
		Long: `Holds the tasks matching each point/name glob pattern. With --after, every
task beyond the cycle point is held as it is spawned.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if after == "" && len(args) < 2 {
				return fmt.Errorf("give tasks to hold, or --after")
			}
			return postCommand(cmd, args[0], "/hold", model.HoldRequest{Tasks: args[1:], After: after})
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "Hold every task after this cycle point")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "release <workflow> [task...]",
		Short: "Release held tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) < 2 {
				return fmt.Errorf("give tasks to release, or --all")
			}
			return postCommand(cmd, args[0], "/release", model.ReleaseRequest{Tasks: args[1:], All: all})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Release every held task and clear the hold point")
	return cmd
}

func newBroadcastCmd() *cobra.Command {
	var (
		points     []string
		namespaces []string
		set        []string
		clearKeys  []string
		clearAll   bool
	)
	cmd := &cobra.Command{
		Use:   "broadcast <workflow>",
		Short: "Override runtime settings of a running workflow",
		Long: `Sets (--set section.key=value) or clears (--clear section.key, or
--clear-all) runtime overrides for the given cycle points and namespaces.
The default targets are every point (*) and the root namespace.`,
		Example: `  cycleflow broadcast demo --namespace fetch --set environment.SOURCE=mirror
  cycleflow broadcast demo --point 20240601T0000Z --clear environment.SOURCE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.BroadcastRequest{Points: points, Namespaces: namespaces}
			clearing := clearAll || len(clearKeys) > 0
			switch {
			case clearing && len(set) > 0:
				return fmt.Errorf("--set cannot be combined with --clear")
			case !clearing && len(set) == 0:
				return fmt.Errorf("nothing to broadcast: give --set, --clear or --clear-all")
			}

			c, err := clientFor(args[0])
			if err != nil {
				return err
			}
			var records []model.BroadcastRecord
			if clearing {
				req.Clear = clearKeys
				err = c.Delete(cmd.Context(), "/broadcast", req, &records)
			} else {
				req.Settings = make(map[string]string, len(set))
				for _, kv := range set {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("--set %q: want section.key=value", kv)
					}
					req.Settings[k] = v
				}
				err = c.Post(cmd.Context(), "/broadcast", req, &records)
			}
			if err != nil {
				return err
			}

			verb := "set"
			if clearing {
				verb = "cleared"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", english.Plural(len(records), "setting", ""), verb)
			for _, r := range records {
				fmt.Fprintf(out, "  [%s/%s] %s=%s\n", r.Point, r.Namespace, r.Key, r.Value)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&points, "point", "p", nil, "Target cycle points (default *)")
	cmd.Flags().StringSliceVarP(&namespaces, "namespace", "n", nil, "Target namespaces (default root)")
	cmd.Flags().StringArrayVarP(&set, "set", "s", nil, "Setting to override, as section.key=value")
	cmd.Flags().StringArrayVarP(&clearKeys, "clear", "c", nil, "Setting to clear, as section.key")
	cmd.Flags().BoolVar(&clearAll, "clear-all", false, "Clear every setting of the targets")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	var (
		flow string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "trigger <workflow> <task>...",
		Short: "Submit tasks now, regardless of prerequisites",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, args[0], "/trigger", model.TriggerRequest{Tasks: args[1:], Flow: flow, Wait: wait})
		},
	}
	cmd.Flags().StringVar(&flow, "flow", "", `Flow to run in: "all", "new", "none" or a flow number (default: all current flows)`)
	cmd.Flags().BoolVar(&wait, "wait", false, "Do not spawn children until the flow reaches the task")
	return cmd
}

func newSetCmd() *cobra.Command {
	var (
		outputs []string
		flow    string
	)
	cmd := &cobra.Command{
		Use:   "set <workflow> <task>...",
		Short: "Mark task outputs as emitted, spawning downstream tasks",
		Long: `Marks the given outputs (default: the required outputs, ending with
succeeded) as emitted without running the task.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, args[0], "/set", model.SetRequest{Tasks: args[1:], Outputs: outputs, Flow: flow})
		},
	}
	cmd.Flags().StringSliceVarP(&outputs, "out", "o", nil, "Outputs to set")
	cmd.Flags().StringVar(&flow, "flow", "", "Flow to set the outputs in")
	return cmd
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <workflow> <task>...",
		Short: "Kill the active jobs of tasks",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, args[0], "/kill", model.TasksRequest{Tasks: args[1:]})
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <workflow> <task>...",
		Short: "Remove inactive tasks from the pool",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(cmd, args[0], "/remove", model.TasksRequest{Tasks: args[1:]})
		},
	}
}
