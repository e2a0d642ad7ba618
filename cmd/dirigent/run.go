package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/coordination"
	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/internal/logging"
	"github.com/dirigent-dev/dirigent/internal/metrics"
	"github.com/dirigent-dev/dirigent/internal/plan"
	"github.com/dirigent-dev/dirigent/internal/store"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

var (
	runHeadless     bool
	runMetricsAddr  string
	runStorePath    string
	runNoStore      bool
	runWatch        bool
	runAgentCount   int
	runExecutorKind string
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml> [plan.yaml...]",
	Short: "Run task plans on the coordination engine",
	Long: `Run one or more task plans.

Each plan is validated before anything starts: duplicate ids, unknown
dependency references, and dependency cycles fail the command without
touching the engine. Valid plans are submitted together and executed
respecting dependencies, resource locks, and agent capacity.

The agent pool comes from the plans' agents sections. Plans without one
get a default pool of identical workers (see --agents).

By default a live monitor shows agents, tasks, locks, and the event
stream; press q to leave it. Use --headless to print events to stdout
instead, for scripts and CI.

Executor selection (--executor, or executor.kind in config):
  command  run a configured program once per task
  api      call the Anthropic API per task (ANTHROPIC_API_KEY or Bedrock)
  sim      simulate execution; useful for dry runs and demos

With --watch the engine keeps running after the initial plans finish and
picks up new or changed plan files from the plans directory. Without it
the command exits once all submitted work is done.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlans,
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run without the monitor, printing events to stdout")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().StringVar(&runStorePath, "store", "", "Audit store path (overrides config)")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Disable the audit store for this run")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Keep running and pick up plan files from the plans directory")
	runCmd.Flags().IntVar(&runAgentCount, "agents", 3, "Default worker pool size when plans declare no agents")
	runCmd.Flags().StringVar(&runExecutorKind, "executor", "", "Executor kind: command, api, or sim (overrides config)")
}

func runPlans(cmd *cobra.Command, args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in run: %v", r)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cmd, cfg)

	plans, err := loadPlans(args)
	if err != nil {
		return err
	}

	// The monitor owns the terminal, so only headless runs get a live
	// logger.
	logger := zap.NewNop()
	if runHeadless {
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()
	}

	exec, err := newExecutor(cfg.Executor, logger.Named("executor"))
	if err != nil {
		return err
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(); err != nil {
			return fmt.Errorf("migrate audit store: %w", err)
		}
	}

	collector := metrics.NewCollector()

	opts := []coordination.Option{
		coordination.WithLogger(logger),
		coordination.WithExecutor(exec),
		coordination.WithCollector(collector),
		coordination.WithPlanLabel(planLabel(plans, args)),
	}
	if st != nil {
		opts = append(opts, coordination.WithStore(st))
	}
	m := coordination.New(*cfg, opts...)
	defer m.Stop()

	agents, err := registerAgents(m, plans, runAgentCount)
	if err != nil {
		return err
	}

	for i, p := range plans {
		if err := m.SubmitAll(p.Models()); err != nil {
			return fmt.Errorf("submit plan %s: %w", args[i], err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived interrupt, shutting down...")
		cancel()
	}()

	if cfg.Metrics.Addr != "" {
		startMetricsServer(ctx, cfg.Metrics.Addr, collector, logger)
	}

	if cfg.Plans.Watch {
		w, err := plan.NewWatcher(cfg.Plans.Dir, submitHandler(m, logger), logger.Named("plans"))
		if err != nil {
			return fmt.Errorf("watch plans directory: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("start plan watcher: %w", err)
		}
		defer w.Close()
	}

	if runHeadless {
		return runHeadlessMode(ctx, m, st, cfg, plans, agents)
	}
	return runWithTUI(ctx, m, st, cfg)
}

// applyRunFlags folds explicit command line flags into the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = runMetricsAddr
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Path = runStorePath
	}
	if runNoStore {
		cfg.Store.Path = ""
	}
	if cmd.Flags().Changed("executor") {
		cfg.Executor.Kind = runExecutorKind
	}
	if cmd.Flags().Changed("watch") {
		cfg.Plans.Watch = runWatch
	}
}

// loadPlans loads and validates every plan file before the engine starts.
func loadPlans(paths []string) ([]*plan.Plan, error) {
	plans := make([]*plan.Plan, 0, len(paths))
	for _, path := range paths {
		p, err := plan.Load(path)
		if err != nil {
			return nil, err
		}
		if _, err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan %s: %w", path, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// planLabel derives the audit label for a run from its plans.
func planLabel(plans []*plan.Plan, paths []string) string {
	names := make([]string, 0, len(plans))
	for i, p := range plans {
		name := p.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(paths[i]), filepath.Ext(paths[i]))
		}
		names = append(names, name)
	}
	return strings.Join(names, "+")
}

// registerAgents registers the union of the plans' agent pools, falling
// back to a uniform worker pool when no plan declares agents.
func registerAgents(m *coordination.Manager, plans []*plan.Plan, fallback int) (int, error) {
	registered := 0
	for _, p := range plans {
		for _, a := range p.AgentModels() {
			if err := m.RegisterAgent(a); err != nil {
				return registered, fmt.Errorf("register agent %s: %w", a.ID, err)
			}
			registered++
		}
	}
	if registered > 0 {
		return registered, nil
	}

	if fallback < 1 {
		fallback = 1
	}
	for i := 1; i <= fallback; i++ {
		a := &models.Agent{
			ID:            fmt.Sprintf("worker-%d", i),
			Type:          "worker",
			MaxConcurrent: 2,
		}
		if err := m.RegisterAgent(a); err != nil {
			return registered, fmt.Errorf("register default agent %s: %w", a.ID, err)
		}
		registered++
	}
	return registered, nil
}

// submitHandler returns the watcher callback that feeds discovered plans
// into a running engine. Agents already registered are skipped so a
// re-saved plan file does not fail.
func submitHandler(m *coordination.Manager, logger *zap.Logger) plan.Handler {
	return func(path string, p *plan.Plan) {
		for _, a := range p.AgentModels() {
			if err := m.RegisterAgent(a); err != nil {
				logger.Debug("agent registration skipped",
					zap.String("path", path),
					zap.String("agent", a.ID),
					zap.Error(err))
			}
		}
		if err := m.SubmitAll(p.Models()); err != nil {
			logger.Warn("plan submission failed",
				zap.String("path", path),
				zap.Error(err))
			return
		}
		logger.Info("plan submitted", zap.String("path", path), zap.String("plan", p.Summary()))
	}
}

// startMetricsServer serves /metrics until the context is cancelled.
func startMetricsServer(ctx context.Context, addr string, collector *metrics.Collector, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// runHeadlessMode drives the engine to completion with plain stdout
// reporting.
func runHeadlessMode(ctx context.Context, m *coordination.Manager, st *store.Store, cfg *config.Config, plans []*plan.Plan, agents int) error {
	for _, p := range plans {
		fmt.Printf("Submitted %s\n", p.Summary())
	}
	fmt.Printf("Agents: %d\n", agents)
	fmt.Printf("Executor: %s\n", cfg.Executor.Kind)
	if cfg.Store.Path != "" {
		fmt.Printf("Audit store: %s\n", cfg.Store.Path)
	}
	fmt.Println()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		consumeEventsHeadless(m.Events(), st, m.RunID())
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- m.Run(ctx)
	}()

	// Without --watch the run ends once all submitted work settles.
	if !cfg.Plans.Watch {
		go func() {
			if err := m.AwaitIdle(ctx); err == nil {
				m.Stop()
			}
		}()
	}

	err := <-runErr
	m.Stop()
	<-drained

	em := m.Metrics()
	fmt.Println()
	fmt.Printf("Completed: %d  Failed: %d  Cancelled: %d  Retries: %d\n",
		em.TasksCompleted, em.TasksFailed, em.TasksCancelled, em.Retries)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if em.TasksFailed > 0 {
		return fmt.Errorf("%d task(s) failed", em.TasksFailed)
	}
	fmt.Println("All tasks completed.")
	return nil
}

// consumeEventsHeadless prints engine events to stdout and tees them
// into the audit store when one is open.
func consumeEventsHeadless(evs <-chan events.Event, st *store.Store, runID string) {
	for ev := range evs {
		if st != nil {
			if err := st.AppendEvent(runID, ev); err != nil {
				fmt.Fprintf(os.Stderr, "audit append failed: %v\n", err)
			}
		}

		switch ev.Type {
		case events.TaskStarted:
			fmt.Printf("[STARTED] %s (agent: %s)\n", ev.TaskID, shortID(ev.AgentID))
		case events.TaskCompleted:
			fmt.Printf("[DONE] %s\n", ev.TaskID)
		case events.TaskFailed:
			fmt.Printf("[FAILED] %s: %v\n", ev.TaskID, ev.Error)
		case events.TaskCancelled:
			fmt.Printf("[CANCELLED] %s\n", ev.TaskID)
		case events.BreakerStateChange:
			fmt.Printf("[BREAKER] %s %s>%s\n", ev.BreakerName, ev.FromState, ev.ToState)
		case events.DeadlockDetected:
			fmt.Printf("[DEADLOCK] agents %s (victim: %s)\n", strings.Join(ev.Agents, ", "), ev.AgentID)
		case events.WorkStealingRequest:
			fmt.Printf("[STEAL] %s>%s (%d tasks)\n", ev.SourceAgent, ev.TargetAgent, len(ev.TaskIDs))
		case events.ConflictReported:
			fmt.Printf("[CONFLICT] %s: %s\n", ev.ConflictID, ev.Message)
		case events.ConflictResolved:
			fmt.Printf("[RESOLVED] %s: %s\n", ev.ConflictID, ev.Message)
		case events.AgentTerminated:
			fmt.Printf("[TERMINATED] agent %s\n", ev.AgentID)
		}
	}
}

// shortID truncates agent ids for one-line output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
