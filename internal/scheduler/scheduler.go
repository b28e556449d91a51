// Package scheduler runs a workflow: the single loop that owns the task pool
// and the broadcast table, applies job events and commands one at a time,
// fans job submission out to a bounded set of workers and checkpoints state
// after every pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/me/cycleflow/internal/broadcast"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/internal/metrics"
	"github.com/me/cycleflow/internal/pool"
	"github.com/me/cycleflow/internal/runmode"
	"github.com/me/cycleflow/internal/store"
	"github.com/me/cycleflow/internal/task"
	"github.com/me/cycleflow/pkg/model"
)

// ErrNotRunning is returned by commands sent after the loop has exited.
var ErrNotRunning = errors.New("scheduler is not running")

// Options holds scheduler configuration.
type Options struct {
	// RunDir is the workflow run directory; job logs go under RunDir/log/job.
	RunDir string
	// RunMode is the workflow run mode. Empty means live, or on restart the
	// mode of the original run.
	RunMode model.RunMode
	// Paused starts the workflow with job submission paused.
	Paused bool
	// Source is the workflow definition the run was started from.
	Source string

	TickInterval        time.Duration
	MaxSubmissions      int
	CheckpointRetention int

	// Clock is the wall clock; nil means the real one.
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:        time.Second,
		MaxSubmissions:      8,
		CheckpointRetention: 10,
	}
}

type jobKey struct {
	task      model.TaskID
	submitNum int
}

// jobState tracks one submission until its terminal event.
type jobState struct {
	record       model.JobRecord
	execDelays   []time.Duration
	submitDelays []time.Duration
	logDir       string
	killed       bool
}

type stopState struct {
	mode  model.StopMode
	task  *model.TaskID
	clock time.Time
}

type command struct {
	name     string
	readOnly bool
	fn       func() error
	reply    chan error
}

// Scheduler is the authority over one workflow run. The pool, broadcast
// table and job table are touched only from the goroutine running Run, or
// before Run is called.
type Scheduler struct {
	wf         *graph.Workflow
	store      store.Store
	dispatcher *runmode.Dispatcher
	opts       Options
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	pool       *pool.Pool
	broadcasts *broadcast.Manager

	events   chan model.JobEvent
	commands chan command
	done     chan struct{}
	stopped  chan struct{}

	sem        *semaphore.Weighted
	workCtx    context.Context
	workCancel context.CancelFunc
	wg         sync.WaitGroup

	uuid        string
	runMode     model.RunMode
	paused      bool
	stop        stopState
	abort       *model.AbortError
	jobs        map[jobKey]*jobState
	pendingJobs []model.JobRecord

	stallTimeout      time.Duration
	inactivityTimeout time.Duration
	lastActivity      time.Time
	stalledSince      time.Time
	stallTimedOut     bool

	subMu      sync.Mutex
	subs       map[chan model.TaskEvent]struct{}
	subsClosed bool
}

// New creates a scheduler for a compiled workflow. Call Start or Restart,
// then Run.
func New(wf *graph.Workflow, st store.Store, d *runmode.Dispatcher, opts Options, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultOptions()
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.MaxSubmissions < 1 {
		opts.MaxSubmissions = def.MaxSubmissions
	}
	if opts.CheckpointRetention < 1 {
		opts.CheckpointRetention = def.CheckpointRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	s := &Scheduler{
		wf:         wf,
		store:      st,
		dispatcher: d,
		opts:       opts,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "scheduler", "workflow", wf.Name),
		events:     make(chan model.JobEvent, 1024),
		commands:   make(chan command),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		sem:        semaphore.NewWeighted(int64(opts.MaxSubmissions)),
		runMode:    opts.RunMode,
		paused:     opts.Paused,
		jobs:       make(map[jobKey]*jobState),
		subs:       make(map[chan model.TaskEvent]struct{}),
	}
	s.workCtx, s.workCancel = context.WithCancel(context.Background())

	ev := wf.Config.Scheduler.Events
	var err error
	if ev.StallTimeout != "" {
		if s.stallTimeout, err = cycling.ParseDuration(ev.StallTimeout); err != nil {
			return nil, fmt.Errorf("stall_timeout: %w", err)
		}
	}
	if ev.InactivityTimeout != "" {
		if s.inactivityTimeout, err = cycling.ParseDuration(ev.InactivityTimeout); err != nil {
			return nil, fmt.Errorf("inactivity_timeout: %w", err)
		}
	}

	s.pool = pool.New(wf, logger, pool.Hooks{
		Spawned: func(t *task.Proxy) {
			s.publish(model.TaskEvent{Time: s.now(), Task: t.ID(), State: t.State})
		},
	})
	s.broadcasts = broadcast.New(wf, logger, s.now)
	return s, nil
}

func (s *Scheduler) now() time.Time { return s.clock.Now().UTC() }

// Start begins a fresh run: the pool is filled from the initial cycle point
// and the initial state is written to the store.
func (s *Scheduler) Start(ctx context.Context) error {
	s.uuid = uuid.New().String()
	if s.runMode == "" {
		s.runMode = model.RunModeLive
	}
	s.lastActivity = s.now()
	s.pool.Start()
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.logger.Info("workflow started",
		"uuid", s.uuid,
		"run_mode", s.runMode,
		"initial_point", s.wf.Context.Initial,
		"tasks", s.pool.Len(),
	)
	return nil
}

// Run drives the workflow until it completes, is stopped or aborts, or ctx
// is cancelled. An abort is returned as *model.AbortError. Run must be
// called once, after Start or Restart.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick_interval", s.opts.TickInterval, "max_submissions", s.opts.MaxSubmissions)
	ticker := s.clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()

	err := s.loop(ctx, ticker.C)
	s.shutdown()
	return err
}

func (s *Scheduler) loop(ctx context.Context, tick <-chan time.Time) error {
	s.runTick(ctx)
	for {
		if exit, err := s.shouldExit(); exit {
			return err
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case ev := <-s.events:
			s.handleEvent(ev)
			s.drainEvents()
		case c := <-s.commands:
			err := c.fn()
			if !c.readOnly {
				s.metrics.Command(c.name, err)
				if err != nil {
					s.logger.Warn("command rejected", "command", c.name, "error", err)
				} else {
					s.logger.Info("command applied", "command", c.name)
				}
				s.runTick(ctx)
			}
			c.reply <- err
			continue
		case <-tick:
		}
		s.runTick(ctx)
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		s.logger.Error("tick error", "error", err)
	}
}

func (s *Scheduler) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

// shouldExit reports whether the loop is finished, and with what result.
func (s *Scheduler) shouldExit() (bool, error) {
	if s.abort != nil {
		s.logger.Error("workflow aborted", "reason", s.abort.Reason, "detail", s.abort.Detail)
		return true, s.abort
	}
	if s.pool.IsComplete() {
		s.logger.Info("workflow complete")
		return true, nil
	}
	switch s.stop.mode {
	case model.StopNow:
		s.logger.Info("scheduler stopping (stop now)")
		return true, nil
	case model.StopRequest, model.StopKill:
		if s.activeJobs() == 0 {
			s.logger.Info("scheduler stopping (stop requested)", "mode", s.stop.mode)
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) activeJobs() int {
	n := 0
	for _, t := range s.pool.Tasks() {
		if t.State.IsActive() {
			n++
		}
	}
	return n
}

// shutdown stops the submission workers, applies the events they already
// queued and writes the final state.
func (s *Scheduler) shutdown() {
	s.workCancel()
	close(s.done)
	s.wg.Wait()
	s.drainEvents()
	if err := s.persist(context.Background()); err != nil {
		s.logger.Error("final checkpoint", "error", err)
	}
	s.closeSubscribers()
	close(s.stopped)
	s.logger.Info("scheduler stopped", "tasks", s.pool.Len())
}

// UUID returns the run's unique id. It is set by Start or Restart.
func (s *Scheduler) UUID() string { return s.uuid }

// Done is closed once Run has returned and the final state is written.
func (s *Scheduler) Done() <-chan struct{} { return s.stopped }

// Tick runs one scheduling pass: clock expiry, time limits, runahead
// release, submission of ready tasks, broadcast expiry, stall and
// inactivity checks, and a checkpoint of the live state.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	now := s.now()

	for _, t := range s.pool.ExpireTasks(now) {
		s.changed(t, model.TaskStateWaiting, []string{model.OutputExpired})
	}
	s.enforceTimeLimits(now)
	s.pool.ReleaseRunahead()

	if !s.stop.clock.IsZero() && !now.Before(s.stop.clock) && s.stop.mode == "" {
		s.logger.Info("stop clock time reached", "clock_time", s.stop.clock)
		s.stop.mode = model.StopRequest
	}

	if !s.paused && s.stop.mode == "" {
		for _, t := range s.pool.Ready(now) {
			s.submit(t)
		}
	}

	if base, ok := s.pool.Base(); ok {
		if n := s.broadcasts.Expire(base); n > 0 {
			s.logger.Info("broadcasts expired", "count", n, "before", base)
		}
	}
	s.checkStall(now)
	s.checkInactivity(now)

	counts := make(map[model.TaskState]int)
	for _, t := range s.pool.Tasks() {
		counts[t.State]++
	}
	s.metrics.SetPool(counts)
	s.metrics.Broadcasts.Set(float64(len(s.broadcasts.Entries())))

	err := s.persist(ctx)
	s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	return err
}

func (s *Scheduler) checkStall(now time.Time) {
	if s.paused || !s.pool.IsStalled() {
		s.stalledSince = time.Time{}
		s.stallTimedOut = false
		return
	}
	if s.stalledSince.IsZero() {
		s.stalledSince = now
		s.logger.Warn("workflow stalled", "tasks", s.pool.Len())
		for _, line := range s.pool.StallReport() {
			s.logger.Warn("stall", "reason", line)
		}
		return
	}
	if s.stallTimeout <= 0 || s.stallTimedOut || now.Sub(s.stalledSince) < s.stallTimeout {
		return
	}
	s.stallTimedOut = true
	if s.wf.Config.Scheduler.Events.AbortOnStallTimeout {
		s.abort = &model.AbortError{Reason: model.AbortStallTimeout, Detail: fmt.Sprintf("stalled for %s", s.stallTimeout)}
		return
	}
	s.logger.Warn("stall timeout", "stalled_for", now.Sub(s.stalledSince))
}

func (s *Scheduler) checkInactivity(now time.Time) {
	if s.inactivityTimeout <= 0 || now.Sub(s.lastActivity) < s.inactivityTimeout {
		return
	}
	if s.wf.Config.Scheduler.Events.AbortOnInactivityTimeout {
		s.abort = &model.AbortError{Reason: model.AbortInactivityTimeout, Detail: fmt.Sprintf("no activity for %s", s.inactivityTimeout)}
		return
	}
	s.logger.Warn("inactivity timeout", "inactive_for", now.Sub(s.lastActivity))
	s.lastActivity = now
}

// changed reports a task state or output change: it logs, counts and
// publishes the change and tracks stop-after-task.
func (s *Scheduler) changed(t *task.Proxy, from model.TaskState, outputs []string) {
	if t.State == from && len(outputs) == 0 {
		return
	}
	now := s.now()
	s.lastActivity = now
	if t.State != from {
		s.metrics.Transitions.WithLabelValues(string(t.State)).Inc()
		s.logger.Info("task state changed",
			"task", t.ID(),
			"submit_num", t.SubmitNum,
			"from", from,
			"state", t.State,
		)
	}
	s.publish(model.TaskEvent{
		Time:      now,
		Task:      t.ID(),
		SubmitNum: t.SubmitNum,
		From:      from,
		State:     t.State,
		Outputs:   outputs,
	})
	if s.stop.task != nil && *s.stop.task == t.ID() && t.State.IsFinal() && s.stop.mode == "" {
		s.logger.Info("stop task finished", "task", t.ID())
		s.stop.mode = model.StopRequest
	}
}

// Subscribe returns a channel of task events and a func that cancels the
// subscription. Events are dropped when the channel is full. The channel is
// closed when the scheduler stops.
func (s *Scheduler) Subscribe(buf int) (<-chan model.TaskEvent, func()) {
	ch := make(chan model.TaskEvent, buf)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subsClosed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Scheduler) publish(ev model.TaskEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Scheduler) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	s.subsClosed = true
}
