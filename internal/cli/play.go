package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/cycleflow/internal/executor"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/internal/logging"
	"github.com/me/cycleflow/internal/metrics"
	"github.com/me/cycleflow/internal/runmode"
	"github.com/me/cycleflow/internal/scheduler"
	"github.com/me/cycleflow/internal/server"
	"github.com/me/cycleflow/internal/store"
	"github.com/me/cycleflow/pkg/model"
)

// installedFlow is the run directory's copy of the workflow definition.
const installedFlow = "flow.yaml"

// runOptions describes one scheduler process.
type runOptions struct {
	RunDir     string
	Workflow   *graph.Workflow
	Source     string
	Paused     bool
	Mode       model.RunMode
	Restart    bool
	Checkpoint int64
	Addr       string
	Stderr     io.Writer
	// Ready, if set, receives the contact details once the API is serving.
	Ready func(*Contact)
}

func newPlayCmd() *cobra.Command {
	var (
		name   string
		paused bool
		mode   string
		addr   string
	)
	cmd := &cobra.Command{
		Use:   "play <workflow>",
		Short: "Install a workflow into its run directory and run it",
		Long: `Copies the workflow definition into the run directory and runs the
scheduler in the foreground until the workflow completes, is stopped or
aborts. Interrupt (Ctrl-C) stops the scheduler at once, leaving state to
restart from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, src, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			if name != "" {
				wf.Name = name
			}
			runMode := model.RunMode(mode)
			if !runMode.Valid() || runMode == model.RunModeSkip {
				return fmt.Errorf("--mode must be live, dummy or simulation, got %q", mode)
			}

			runDir := runDirFor(wf.Name)
			installed := filepath.Join(runDir, installedFlow)
			if _, err := os.Stat(installed); err == nil {
				return fmt.Errorf("%s is already installed in %s; use restart", wf.Name, runDir)
			}
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return fmt.Errorf("create run directory: %w", err)
			}
			if err := os.WriteFile(installed, src, 0o644); err != nil {
				return fmt.Errorf("install workflow: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorkflow(ctx, runOptions{
				RunDir:   runDir,
				Workflow: wf,
				Source:   installed,
				Paused:   paused,
				Mode:     runMode,
				Addr:     addr,
				Stderr:   cmd.ErrOrStderr(),
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Workflow name (default: the definition's name, or its directory)")
	cmd.Flags().BoolVar(&paused, "pause", false, "Start with job submission paused")
	cmd.Flags().StringVar(&mode, "mode", string(model.RunModeLive), "Run mode: live, dummy or simulation")
	cmd.Flags().StringVar(&addr, "addr", "", "Command API listen address (default from config)")
	return cmd
}

func newRestartCmd() *cobra.Command {
	var (
		checkpoint int64
		paused     bool
		mode       string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "restart <workflow>",
		Short: "Restart a stopped workflow from its checkpoint database",
		Long: `Restarts the named workflow from the latest state written by its previous
scheduler, or from a named checkpoint with --checkpoint. Jobs that were
active when it stopped are recovered from their status files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := runDirFor(args[0])
			installed := filepath.Join(runDir, installedFlow)
			wf, _, err := loadWorkflow(installed)
			if err != nil {
				return err
			}
			wf.Name = args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorkflow(ctx, runOptions{
				RunDir:     runDir,
				Workflow:   wf,
				Source:     installed,
				Paused:     paused,
				Mode:       model.RunMode(mode),
				Restart:    true,
				Checkpoint: checkpoint,
				Addr:       addr,
				Stderr:     cmd.ErrOrStderr(),
			})
		},
	}
	cmd.Flags().Int64Var(&checkpoint, "checkpoint", store.LiveCheckpoint, "Checkpoint id to restart from (0 = latest state)")
	cmd.Flags().BoolVar(&paused, "pause", false, "Restart with job submission paused")
	cmd.Flags().StringVar(&mode, "mode", "", "Run mode; must match the original run")
	cmd.Flags().StringVar(&addr, "addr", "", "Command API listen address (default from config)")
	return cmd
}

// runWorkflow runs the scheduler loop and its command API until the loop
// exits. An interrupt is a normal stop.
func runWorkflow(ctx context.Context, o runOptions) error {
	if err := CheckNotRunning(ctx, o.RunDir); err != nil {
		return err
	}

	event := "start"
	if o.Restart {
		event = "restart"
	}
	log, closer, err := logging.OpenRunLog(o.RunDir, event, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, o.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	dbPath := cfg.DatabasePath(o.RunDir)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	st, err := store.NewSQLiteStore(dbPath, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Info("database ready", "path", dbPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	executors := executor.NewRegistry(log)
	executors.Register(executor.NewLocalExecutor(nil, log))
	defer executors.Close()
	sim := runmode.NewSimulator(nil, log)
	defer sim.Close()

	sched, err := scheduler.New(o.Workflow, st, runmode.NewDispatcher(executors, sim, log), scheduler.Options{
		RunDir:              o.RunDir,
		RunMode:             o.Mode,
		Paused:              o.Paused,
		Source:              o.Source,
		TickInterval:        cfg.TickInterval,
		MaxSubmissions:      cfg.MaxSubmissions,
		CheckpointRetention: cfg.CheckpointRetention,
		Metrics:             metrics.New(reg),
	}, log)
	if err != nil {
		return &invalidError{err}
	}
	if o.Restart {
		err = sched.Restart(ctx, o.Checkpoint)
	} else {
		err = sched.Start(ctx)
	}
	if err != nil {
		return err
	}

	addr := o.Addr
	if addr == "" {
		addr = cfg.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	token := uuid.New().String()
	srv := server.New(o.Workflow.Name, sched, log, server.WithToken(token), server.WithGatherer(reg))
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	host, _ := os.Hostname()
	contact := &Contact{
		Workflow: o.Workflow.Name,
		UUID:     sched.UUID(),
		URL:      "http://" + ln.Addr().String(),
		Token:    token,
		PID:      os.Getpid(),
		Host:     host,
		Version:  server.Version,
		Started:  time.Now().UTC(),
	}
	if err := WriteContact(o.RunDir, contact); err != nil {
		ln.Close()
		return err
	}
	defer RemoveContact(o.RunDir)
	log.Info("command api listening", "url", contact.URL, "contact", ContactPath(o.RunDir))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("command api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-sched.Done():
		case <-gctx.Done():
			<-sched.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		return nil
	})
	if o.Ready != nil {
		o.Ready(contact)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("interrupted, scheduler stopped; restart to continue")
		return nil
	}
	return err
}
