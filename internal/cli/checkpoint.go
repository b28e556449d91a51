package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/cycleflow/internal/store"
	"github.com/me/cycleflow/pkg/model"
)

func newCheckpointCmd() *cobra.Command {
	var (
		name string
		list bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoint <workflow>",
		Short: "Take a named checkpoint, or list the checkpoints of a run",
		Long: `Without --list, asks the running scheduler to copy its current state to a
new checkpoint. With --list, reads the run's database directly, so it also
works for stopped workflows; the ids are valid for restart --checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return listCheckpoints(cmd, args[0])
			}
			return postCommand(cmd, args[0], "/checkpoint", model.CheckpointRequest{Name: name})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Checkpoint name (default: checkpoint)")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "List checkpoints instead of taking one")
	return cmd
}

func listCheckpoints(cmd *cobra.Command, workflow string) error {
	path := cfg.DatabasePath(runDirFor(workflow))
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no database for %s: %w", workflow, err)
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cps, err := st.ListCheckpoints(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cps) == 0 {
		fmt.Fprintln(out, "No checkpoints")
		return nil
	}
	table := newTable(out, "ID", "Event", "Taken")
	for _, cp := range cps {
		id := fmt.Sprint(cp.ID)
		if cp.ID == store.LiveCheckpoint {
			id += " (latest)"
		}
		table.Append([]string{id, cp.Event, humanize.Time(cp.Time)})
	}
	table.Render()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
