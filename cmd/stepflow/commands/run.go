package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stepflow/stepflow/pkg/browser"
	"github.com/stepflow/stepflow/pkg/config"
	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
	"github.com/stepflow/stepflow/pkg/policy"
	"github.com/stepflow/stepflow/pkg/repair"
	"github.com/stepflow/stepflow/pkg/selector"
	"github.com/stepflow/stepflow/pkg/stores"
	"github.com/stepflow/stepflow/pkg/telemetry"
)

// persistTimeout bounds the final run-record writes after the run
// context may already be canceled.
const persistTimeout = 5 * time.Second

// watchDebounce coalesces editor write/rename bursts into one rerun.
const watchDebounce = 500 * time.Millisecond

// runOptions carries the run command's flags.
type runOptions struct {
	planPath    string
	task        string
	vars        map[string]any
	incremental bool
	dryRun      bool
	noPolicy    bool
}

func newRunCommand() *cobra.Command {
	var (
		task         string
		varFlags     []string
		incremental  bool
		dryRun       bool
		headful      bool
		noPolicy     bool
		watch        bool
		artifactsDir string
	)

	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Execute a step plan against a live browser",
		Long: `Execute a step plan file against a live browser session, with bounded
repair, skip, and replan on step failure.

With --incremental no plan file is needed: the planner outlines the
--task into subgoals and grows the plan against the live page, one
subgoal at a time.

With --watch the command stays up and re-executes the plan whenever
the file changes.`,
		Example: `  # Run a plan
  stepflow run checkout.yaml --task "buy the blue widget"

  # Run with variables and a visible browser window
  stepflow run login.yaml --var user=alice --headful

  # Plan-and-execute from a bare task description
  stepflow run --incremental --task "find the cheapest flight to Lisbon"

  # Re-run on every save while iterating on a plan
  stepflow run checkout.yaml --watch

  # Print the compiled plan and exit without launching a browser
  stepflow run checkout.yaml --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !incremental {
				return fmt.Errorf("a plan file is required unless --incremental is set")
			}
			if len(args) > 0 && incremental {
				return fmt.Errorf("--incremental takes its plan from the planner, not a file")
			}
			if incremental && task == "" {
				return fmt.Errorf("--task is required with --incremental")
			}
			if watch && len(args) == 0 {
				return fmt.Errorf("--watch needs a plan file to watch")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if headful {
				cfg.Browser.Headless = false
			}
			if artifactsDir != "" {
				cfg.Artifacts.Dir = artifactsDir
			}
			vars, err := parseVars(varFlags)
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.Telemetry(cfg.Policy.Environment, cliVersion))
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()
				if err := tel.Shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("telemetry shutdown failed")
				}
			}()
			if err := tel.StartMetricsServer(); err != nil {
				zl := tel.Logger.Zerolog()
				zl.Warn().Err(err).Msg("metrics server failed to start")
			}

			opts := runOptions{
				task:        task,
				vars:        vars,
				incremental: incremental,
				dryRun:      dryRun,
				noPolicy:    noPolicy,
			}
			if len(args) == 1 {
				opts.planPath = args[0]
			}

			if !watch {
				return executeRun(cmd.Context(), cfg, tel, opts)
			}
			return watchAndRun(cmd.Context(), cfg, tel, opts)
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "natural-language description of the goal")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "plan variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "plan-and-execute mode, no plan file needed")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compile and admit the plan, print it, execute nothing")
	cmd.Flags().BoolVar(&headful, "headful", false, "run the browser with a visible window")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy admission")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-execute the plan whenever the file changes")
	cmd.Flags().StringVar(&artifactsDir, "artifacts", "", "directory for failure screenshots and DOM dumps")

	return cmd
}

// watchAndRun executes the plan, then re-executes it on every change
// to the plan file until the context is canceled. A failing run keeps
// the watch alive.
func watchAndRun(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, opts runOptions) error {
	logger := tel.Logger.Zerolog()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file on save,
	// which drops a watch registered on the file itself.
	dir := filepath.Dir(opts.planPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(opts.planPath)

	for {
		if err := executeRun(ctx, cfg, tel, opts); err != nil {
			logger.Error().Err(err).Msg("run failed, watching for changes")
		}
		logger.Info().Str("path", opts.planPath).Msg("watching plan file")

		if !waitForChange(ctx, watcher, target, logger) {
			return nil
		}
		logger.Info().Str("path", opts.planPath).Msg("plan file changed, rerunning")
	}
}

// waitForChange blocks until the watched plan file changes, debouncing
// event bursts. Returns false when the context is canceled.
func waitForChange(ctx context.Context, watcher *fsnotify.Watcher, target string, logger zerolog.Logger) bool {
	var debounce *time.Timer
	var fired <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fired = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false
			}
			logger.Warn().Err(err).Msg("watcher error")
		case <-fired:
			return true
		}
	}
}

// executeRun performs one full run: compile, admit, wire, execute, and
// persist.
func executeRun(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, opts runOptions) error {
	logger := tel.Logger.Zerolog()

	// Compile the plan up front when a file is given.
	var compiled plan.Plan
	if opts.planPath != "" {
		raw, err := loadPlanFile(opts.planPath)
		if err != nil {
			return err
		}
		res := plan.Compile(raw, plan.Context{Task: opts.task, Vars: opts.vars}, plan.DefaultOptions())
		for _, w := range res.Warnings {
			logger.Warn().Str("stage", "compile").Msg(w)
		}
		if !res.OK() {
			for _, e := range res.Errors {
				logger.Error().Str("stage", "compile").Msg(e)
			}
			return fmt.Errorf("plan failed to compile")
		}
		if len(res.Steps) == 0 {
			return fmt.Errorf("plan compiled to zero steps")
		}
		compiled = res.Steps
	}

	// Policy admission before anything touches a browser.
	if cfg.Policy.Enabled && !opts.noPolicy && len(compiled) > 0 {
		verdict, err := admitPlan(ctx, cfg, compiled, opts.task, opts.dryRun, logger)
		if err != nil {
			return err
		}
		for _, w := range verdict.Warnings {
			logger.Warn().Str("stage", "policy").Msg(w)
		}
		blocking := 0
		for _, v := range verdict.Violations {
			if v.Severity == string(policy.SeverityError) || v.Severity == string(policy.SeverityCritical) {
				logger.Error().Str("policy", v.Policy).Int("step_idx", v.StepIdx).Msg(v.Message)
				blocking++
			} else {
				logger.Warn().Str("policy", v.Policy).Int("step_idx", v.StepIdx).Msg(v.Message)
			}
		}
		if !verdict.Allowed {
			return fmt.Errorf("plan blocked by policy (%d blocking violations)", blocking)
		}
	}

	if opts.dryRun {
		return printJSON(compiled)
	}

	// Run persistence and the trace fanout.
	mode := "full"
	if opts.incremental {
		mode = "incremental"
	}
	runID := uuid.New().String()
	var sinks engine.MultiSink
	var rec *stores.Recorder
	if cfg.Store.Enabled {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to init run store: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate run store: %w", err)
		}
		rec, err = stores.NewRecorder(ctx, store, opts.task, mode, logger)
		if err != nil {
			return fmt.Errorf("failed to create run record: %w", err)
		}
		runID = rec.RunID()
		sinks = append(sinks, rec)
	}
	trace, err := telemetry.NewRunTrace(tel.Config.Trace, runID)
	if err != nil {
		logger.Warn().Err(err).Msg("trace file disabled")
	} else if trace != nil {
		sinks = append(sinks, trace)
		logger.Info().Str("path", trace.Path()).Msg("writing run trace")
	}
	logger = logger.With().Str("run_id", runID).Logger()

	// Browser session.
	resolver := selector.NewResolver(0, logger)
	bopts := browser.DefaultOptions()
	bopts.Headless = cfg.Browser.Headless
	bopts.UserDataDir = cfg.Browser.UserDataDir
	bopts.DefaultWait = time.Duration(cfg.Browser.DefaultWaitSec) * time.Second
	bopts.StepTimeout = time.Duration(cfg.Browser.StepTimeoutSec) * time.Second
	bopts.MaxDOMChars = cfg.Browser.MaxDOMChars
	sess := browser.NewSession(bopts, resolver, logger)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer sess.Close()

	varStore := engine.NewMemoryVars(opts.vars)

	var artifacts engine.ArtifactSink
	if cfg.Artifacts.Dir != "" {
		fa, err := browser.NewFileArtifacts(cfg.Artifacts.Dir, sess, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("artifact capture disabled")
		} else {
			artifacts = fa
		}
	}

	topts := browser.DefaultTableOptions()
	topts.Trace = sinks
	topts.Artifacts = artifacts
	table := browser.NewDispatchTable(sess, varStore, topts)

	// LLM collaborators. A missing API key degrades a full run to
	// no-repair; incremental mode cannot run without one.
	var repairer engine.Repairer
	var planner *repair.Planner
	model, fallback, err := buildModels(cfg.Planner)
	if err != nil {
		if opts.incremental {
			return fmt.Errorf("incremental mode needs a planner model: %w", err)
		}
		logger.Warn().Err(err).Msg("running without repair or replan")
	} else {
		copts := []repair.ClientOption{
			repair.WithTemperature(cfg.Planner.Temperature),
			repair.WithRetries(cfg.Planner.Retries),
			repair.WithBackoff(cfg.Planner.Backoff()),
			repair.WithLogger(logger),
		}
		if fallback != nil {
			copts = append(copts, repair.WithFallbackModel(fallback))
		}
		client := repair.NewClient(model, copts...)
		repairer = repair.NewLLMRepairer(client, sinks, logger)
		planner = repair.NewPlanner(client, logger, repair.WithReplanContext(sess, opts.task, varStore))
	}

	guards := browser.GuardChain{browser.NewDOMHashGuard(sess, cfg.Guards.Window, logger)}
	if cfg.Guards.CaptchaDetection {
		guards = append(guards, browser.NewCaptchaGuard(sess, logger))
	}

	ecfg := engine.Config{
		Dispatch:  table,
		Page:      sess,
		Vars:      varStore,
		Repairer:  repairer,
		Guard:     guards,
		Trace:     sinks,
		Artifacts: artifacts,
		Metrics:   tel.Metrics,
		Limits: engine.Limits{
			MaxSteps:           cfg.Limits.MaxSteps,
			MaxSameStep:        cfg.Limits.MaxSameStep,
			MaxRepairsPerStep:  cfg.Limits.MaxRepairsPerStep,
			ReplanAfterRepairs: cfg.Limits.ReplanAfterRepairs,
			ReplanAfterSkips:   cfg.Limits.ReplanAfterSkips,
		},
		Logger: logger,
	}
	if planner != nil {
		ecfg.Replanner = planner
	}
	rt := engine.New(ecfg)

	tel.Metrics.RecordRunStarted()
	timer := telemetry.NewTimer()

	var result engine.RunResult
	if opts.incremental {
		iopts := engine.DefaultIncrementalOptions()
		iopts.MaxStepsPerSubgoal = cfg.Planner.SubgoalMaxSteps
		result = rt.RunIncremental(ctx, planner, opts.task, iopts)
	} else {
		if err := rt.SetPlan(compiled, opts.task); err != nil {
			return err
		}
		result = rt.Run(ctx)
	}

	status := stores.RunStatusCompleted
	var runErr error
	if ctx.Err() != nil {
		status = stores.RunStatusCancelled
		runErr = ctx.Err()
	} else if result.Stats.TotalSteps > 0 && result.Stats.OKSteps == 0 {
		status = stores.RunStatusFailed
	}
	tel.Metrics.RecordRunCompleted(string(status))
	tel.Metrics.ObserveRunDuration(timer.Duration().Seconds())

	if rec != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := rec.RecordSteps(pctx, result.DoneSteps); err != nil {
			logger.Warn().Err(err).Msg("failed to persist step records")
		}
		stats := map[string]any{
			"total_steps":      result.Stats.TotalSteps,
			"ok_steps":         result.Stats.OKSteps,
			"repairs":          result.Stats.Repairs,
			"skips":            result.Stats.Skips,
			"replans":          result.Stats.Replans,
			"loop_guard_trips": result.Stats.LoopGuardTrips,
			"planned_total":    result.PlannedTotal,
		}
		if err := rec.Finish(pctx, status, stats, runErr); err != nil {
			logger.Warn().Err(err).Msg("failed to finalize run record")
		}
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"run_id":           runID,
			"status":           status,
			"planned_total":    result.PlannedTotal,
			"stats":            result.Stats,
			"replan_suggested": result.ReplanSuggested,
			"duration_sec":     timer.Duration().Seconds(),
		})
	}
	fmt.Printf("Run %s %s: %d/%d steps ok (%d repairs, %d skips, %d replans) in %s\n",
		runID, status,
		result.Stats.OKSteps, result.PlannedTotal,
		result.Stats.Repairs, result.Stats.Skips, result.Stats.Replans,
		timer.Duration().Round(time.Millisecond))
	if result.ReplanSuggested {
		fmt.Println("A replan was suggested but no replanner could produce one")
	}
	return nil
}

// admitPlan runs the compiled plan through the policy engine.
func admitPlan(ctx context.Context, cfg *config.Config, p plan.Plan, task string, dryRun bool, logger zerolog.Logger) (*policy.Result, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	verdict, err := eng.EvaluatePlan(ctx, p, policy.Context{
		Task:           task,
		Environment:    cfg.Policy.Environment,
		AllowedDomains: cfg.Policy.AllowedDomains,
		AllowScripts:   cfg.Policy.AllowScripts,
		AllowUploads:   cfg.Policy.AllowUploads,
		DryRun:         dryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	return verdict, nil
}
