package cli

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/dustin/go-humanize/english"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/me/cycleflow/pkg/model"
)

func newDumpCmd() *cobra.Command {
	var (
		tasks  []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "dump <workflow>",
		Short: "Show the task pool and scheduler state of a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(args[0])
			if err != nil {
				return err
			}
			path := "/dump"
			if len(tasks) > 0 {
				path += "?" + url.Values{"task": tasks}.Encode()
			}
			var d model.Dump
			if err := c.Get(cmd.Context(), path, &d); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), &d)
			}
			printDump(cmd.OutOrStdout(), &d)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tasks, "task", "t", nil, "Only show tasks matching these point/name patterns")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw dump as JSON")
	return cmd
}

func printDump(w io.Writer, d *model.Dump) {
	status := "running"
	switch {
	case d.Stopping != "":
		status = "stopping (" + d.Stopping + ")"
	case d.Paused:
		status = "paused"
	}
	if d.Stalled {
		status += ", stalled"
	}
	fmt.Fprintf(w, "Workflow:  %s (%s)\n", d.Workflow, d.UUID)
	fmt.Fprintf(w, "Status:    %s, %s mode\n", status, d.RunMode)
	if d.HoldPoint != "" {
		fmt.Fprintf(w, "Hold:      after %s\n", d.HoldPoint)
	}
	if d.StopPoint != "" {
		fmt.Fprintf(w, "Stop:      after %s\n", d.StopPoint)
	}

	counts := make(map[model.TaskState]int)
	for _, t := range d.Tasks {
		counts[t.State]++
	}
	states := make([]string, 0, len(counts))
	for s, n := range counts {
		states = append(states, fmt.Sprintf("%d %s", n, s))
	}
	sort.Strings(states)
	fmt.Fprintf(w, "Tasks:     %s", english.Plural(len(d.Tasks), "task", ""))
	if len(states) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(states, ", "))
	}
	fmt.Fprintln(w)

	if len(d.Tasks) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "Task", "State", "Flows", "Submit", "Try", "Outputs", "Waiting on")
		for _, t := range d.Tasks {
			state := string(t.State)
			if t.Held {
				state += " (held)"
			}
			if t.Incomplete {
				state += " (incomplete)"
			}
			if t.RunMode != "" && t.RunMode != d.RunMode {
				state += " [" + string(t.RunMode) + "]"
			}
			table.Append([]string{
				t.ID, state, flowList(t.Flows), fmt.Sprint(t.SubmitNum), fmt.Sprint(t.TryNum),
				orDash(strings.Join(t.Outputs, ",")), orDash(strings.Join(t.Waiting, ",")),
			})
		}
		table.Render()
	}

	if len(d.Broadcasts) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "Point", "Namespace", "Setting", "Value")
		for _, b := range d.Broadcasts {
			table.Append([]string{b.Point, b.Namespace, b.Key, b.Value})
		}
		table.Render()
	}
}

// newTable returns a borderless table that keeps long cells on one line.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func flowList(flows []int) string {
	if len(flows) == 0 {
		return "none"
	}
	s := make([]string, len(flows))
	for i, f := range flows {
		s[i] = fmt.Sprint(f)
	}
	return strings.Join(s, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
