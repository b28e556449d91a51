// Package cli implements the cycleflow command line.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/logging"
)

var (
	flagConfig    string
	flagRunDir    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.ServerConfig
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// defaultConfigPath returns the global config file, checking CYCLEFLOW_CONFIG first.
func defaultConfigPath() string {
	if p := os.Getenv("CYCLEFLOW_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cycleflow", "config.toml")
}

// NewRootCmd creates the root cobra command for the cycleflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cycleflow",
		Short: "cycleflow runs cyclic workflows",
		Long: `cycleflow runs workflows of tasks that repeat over cycle points, integer
or date-time, submitting each task once its prerequisites are met and
checkpointing state so a run can be stopped and restarted.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.LoadServerConfig(flagConfig); err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flagLogLevel
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = flagLogFormat
			}
			logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Global config file (or CYCLEFLOW_CONFIG env)")
	root.PersistentFlags().StringVar(&flagRunDir, "run-dir", "", "Workflow run directory (default <run_dir root>/<workflow>)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newValidateCmd(),
		newPlayCmd(),
		newRestartCmd(),
		newStopCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newHoldCmd(),
		newReleaseCmd(),
		newBroadcastCmd(),
		newTriggerCmd(),
		newSetCmd(),
		newKillCmd(),
		newRemoveCmd(),
		newDumpCmd(),
		newCheckpointCmd(),
	)

	return root
}

// runDirFor returns the run directory of the named workflow.
func runDirFor(name string) string {
	if flagRunDir != "" {
		return flagRunDir
	}
	return cfg.WorkflowRunDir(name)
}

// clientFor connects to the scheduler running the named workflow.
func clientFor(name string) (*Client, error) {
	runDir := runDirFor(name)
	c, err := ReadContact(runDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("workflow %s is not running (no contact file in %s)", name, runDir)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(c.URL, c.Token, logger), nil
}
