package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/graph"
)

// flowFile resolves a workflow argument: a file, or a directory holding
// flow.yaml.
func flowFile(path string) string {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return filepath.Join(path, "flow.yaml")
	}
	return path
}

// loadWorkflow reads and compiles a workflow definition. It also returns
// the raw source so a run can keep its own copy.
func loadWorkflow(path string) (*graph.Workflow, []byte, error) {
	file := flowFile(path)
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, fmt.Errorf("read workflow: %w", err)
	}
	wfc, err := config.LoadWorkflow(file)
	if err != nil {
		return nil, nil, &invalidError{err}
	}
	wf, err := graph.Compile(wfc)
	if err != nil {
		return nil, nil, &invalidError{fmt.Errorf("%s: %w", file, err)}
	}
	return wf, src, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Check a workflow definition without running it",
		Long: `Parses the workflow file (or <dir>/flow.yaml), checks every setting and
compiles the graph. All problems found are reported, not only the first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, _, err := loadWorkflow(args[0])
			if err != nil {
				if problems := listProblems(err); len(problems) > 1 {
					for _, e := range problems {
						fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
					}
					return &invalidError{fmt.Errorf("%s found", english.Plural(len(problems), "problem", ""))}
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Valid workflow %q\n", wf.Name)
			fmt.Fprintf(out, "  Cycling: %s from %s", wf.Context.Mode, wf.Context.Initial)
			if !wf.Context.Final.IsZero() {
				fmt.Fprintf(out, " to %s", wf.Context.Final)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Tasks:   %s (%s)\n", english.Plural(len(wf.Order), "task", ""), strings.Join(wf.Order, ", "))
			return nil
		},
	}
}

// listProblems finds the aggregated validation errors inside err.
func listProblems(err error) []error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if errs := multierr.Errors(e); len(errs) > 1 {
			return errs
		}
	}
	return []error{err}
}
