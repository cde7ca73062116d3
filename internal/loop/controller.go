// Package loop runs the iteration state machine: invoke the agent, judge the
// task document, and decide whether to continue, rotate or stop.
package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/budget"
	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/guardrail"
	"github.com/Iron-Ham/ralph/internal/logging"
	"github.com/Iron-Ham/ralph/internal/metrics"
	"github.com/Iron-Ham/ralph/internal/state"
	"github.com/Iron-Ham/ralph/internal/taskspec"
)

// Options configures a Controller.
type Options struct {
	Settings config.Settings
	Store    *state.Store
	Invoker  agent.Invoker

	// Monitor defaults to one built from Settings.
	Monitor *budget.Monitor
	// Oracle defaults to the whole checklist of the task document.
	Oracle taskspec.Oracle
	// Focus names the single checklist item this controller works on.
	Focus string

	Metrics   *metrics.Recorder
	Logger    *logging.Logger
	Callbacks Callbacks

	// NewBackOff returns the retry schedule for failed invocations. Nil
	// uses exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Controller drives one workspace from INIT to a terminal state.
type Controller struct {
	settings  config.Settings
	store     *state.Store
	mirror    *state.Mirror
	invoker   agent.Invoker
	monitor   *budget.Monitor
	oracle    taskspec.Oracle
	registry  *guardrail.Registry
	limiter   *rate.Limiter
	metrics   *metrics.Recorder
	logger    *logging.Logger
	callbacks Callbacks
	focus     string
	taskPath  string

	newBackOff  func() backoff.BackOff
	warnedEmpty bool
	invocations int
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: state store is required", errors.ErrInvalidInput)
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("%w: agent invoker is required", errors.ErrInvalidInput)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithWorkspace(opts.Store.Key()).WithPhase("controller")

	monitor := opts.Monitor
	if monitor == nil {
		var err error
		monitor, err = budget.NewMonitorFromSettings(opts.Settings, budget.Callbacks{}, logger)
		if err != nil {
			return nil, err
		}
	}

	taskPath := filepath.Join(opts.Store.Workspace(), opts.Settings.TaskFile)
	oracle := opts.Oracle
	if oracle == nil {
		oracle = taskspec.DocumentOracle{Path: taskPath}
	}

	limit := rate.Inf
	if opts.Settings.MinInterval > 0 {
		limit = rate.Every(opts.Settings.MinInterval)
	}

	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	return &Controller{
		settings:   opts.Settings,
		store:      opts.Store,
		mirror:     state.NewMirror(opts.Store),
		invoker:    opts.Invoker,
		monitor:    monitor,
		oracle:     oracle,
		registry:   guardrail.NewRegistry(opts.Store, logger),
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    opts.Metrics,
		logger:     logger,
		callbacks:  opts.Callbacks,
		focus:      opts.Focus,
		taskPath:   taskPath,
		newBackOff: newBackOff,
	}, nil
}

// Run executes iterations until a terminal state or until ctx is cancelled.
// Cancellation never interrupts an invocation in flight; it is observed at
// the next iteration boundary and reported as INTERRUPTED. The returned error
// is reserved for failures of the controller itself, such as an unwritable
// state store.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	lock, err := c.store.Lock()
	if err != nil {
		return Result{State: StateInit}, err
	}
	defer func() { _ = lock.Release() }()

	if err := c.store.Init(); err != nil {
		return Result{State: StateInit}, err
	}

	if c.store.Terminated() {
		return c.refuse()
	}

	sctx, err := c.store.Context()
	if err != nil {
		return Result{State: StateInit}, err
	}

	verdict, err := c.evaluate()
	if err != nil {
		return c.finish(Result{
			State:     StateConfigError,
			Iteration: sctx.Iteration,
			Reason:    "task document is unreadable",
			Cause:     err,
		})
	}
	if verdict.Complete() {
		c.logger.Info("task already complete, nothing to do")
		return c.finish(Result{State: StateComplete, Iteration: sctx.Iteration, Verdict: verdict, Reason: "task already complete"})
	}

	if _, err := c.mirror.Sync(); err != nil {
		c.logger.Warn("failed to sync mirror", "error", err)
	}

	c.logger.Info("controller running",
		"iteration", sctx.Iteration,
		"max_iterations", c.settings.MaxIterations,
		"verdict", verdict.String(),
		"focus", c.focus,
	)

	for {
		if ctx.Err() != nil {
			return c.interrupt(sctx.Iteration, verdict)
		}
		if c.store.Terminated() {
			return c.refuse()
		}

		sctx, err = c.store.Context()
		if err != nil {
			return Result{State: StateRunning, Iteration: sctx.Iteration}, err
		}
		iteration := sctx.Iteration
		if iteration > c.settings.MaxIterations {
			return c.finish(Result{
				State:     StateMaxIter,
				Iteration: iteration - 1,
				Verdict:   verdict,
				Reason:    fmt.Sprintf("reached the iteration cap of %d", c.settings.MaxIterations),
			})
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return c.interrupt(iteration, verdict)
		}

		result, done, err := c.step(ctx, sctx)
		if err != nil || done {
			return result, err
		}
		verdict = result.Verdict
	}
}

// step runs one iteration. done is true when the controller must stop.
func (c *Controller) step(ctx context.Context, sctx state.Context) (Result, bool, error) {
	iteration := sctx.Iteration
	logPath := c.store.TranscriptPath(iteration)

	if c.callbacks.OnIterationStart != nil {
		c.callbacks.OnIterationStart(iteration)
	}

	prefix, err := c.buildPrefix(sctx)
	if err != nil {
		result, err := c.finish(Result{
			State:     StateConfigError,
			Iteration: iteration,
			Reason:    "failed to build the context prefix",
			Cause:     err,
		})
		return result, true, err
	}

	req := agent.Request{
		Prefix:    prefix,
		SessionID: sctx.SessionID,
		Workspace: c.store.Workspace(),
		Iteration: iteration,
		LogPath:   logPath,
	}

	started := time.Now()
	outcome, attempts, invokeErr := c.invokeGuarded(ctx, req)
	elapsed := time.Since(started)

	if invokeErr != nil {
		result, err := c.invokeFailed(ctx, iteration, attempts, logPath, invokeErr)
		return result, true, err
	}

	obs := c.monitor.Observe(sctx.ContextEstimate, outcome)
	signal := c.monitor.Apply(outcome.Signal, obs)
	c.recordGuardrails(outcome.Guardrails, iteration)

	verdict, err := c.evaluate()
	if err != nil {
		result, err := c.finish(Result{
			State:     StateConfigError,
			Iteration: iteration,
			LogPath:   outcome.RawLog,
			Reason:    "task document became unreadable",
			Cause:     err,
		})
		return result, true, err
	}

	kind := state.KindIteration
	if signal == agent.SignalRotate {
		kind = state.KindRotate
	}
	if _, err := c.store.AppendProgress(state.ProgressEntry{
		Iteration:       iteration,
		Kind:            kind,
		Signal:          string(signal),
		Verdict:         verdict.String(),
		ContextEstimate: obs.Estimate,
		Summary:         outcome.Summary,
		LogPath:         outcome.RawLog,
	}); err != nil {
		return Result{State: StateRunning, Iteration: iteration}, true, err
	}

	c.metrics.Iteration(string(signal), elapsed)
	c.logger.Info("iteration finished",
		"iteration", iteration,
		"agent_signal", outcome.Signal,
		"signal", signal,
		"verdict", verdict.String(),
		"estimate", obs.Estimate,
		"duration", elapsed.Round(time.Second),
	)
	if c.callbacks.OnIterationComplete != nil {
		c.callbacks.OnIterationComplete(IterationReport{
			Iteration:   iteration,
			Signal:      signal,
			AgentSignal: outcome.Signal,
			Verdict:     verdict,
			Estimate:    obs.Estimate,
			Summary:     outcome.Summary,
			LogPath:     outcome.RawLog,
		})
	}

	rotate := signal == agent.SignalRotate && !verdict.Complete()
	if _, err := c.store.Update(func(ctx *state.Context) {
		ctx.Iteration = iteration + 1
		if rotate {
			ctx.SessionID = ""
			ctx.ContextEstimate = 0
			return
		}
		ctx.SessionID = outcome.SessionID
		ctx.ContextEstimate = obs.Estimate
	}); err != nil {
		return Result{State: StateRunning, Iteration: iteration}, true, err
	}
	if rotate {
		c.metrics.ContextEstimate(0)
	} else {
		c.metrics.ContextEstimate(obs.Estimate)
	}

	if verdict.Complete() {
		result, err := c.finish(Result{State: StateComplete, Iteration: iteration, Verdict: verdict, Reason: "all checklist items are checked"})
		return result, true, err
	}

	switch signal {
	case agent.SignalRotate:
		c.metrics.Rotation()
		c.logger.Info("rotating context", "iteration", iteration, "estimate", obs.Estimate)
		if c.callbacks.OnRotate != nil {
			c.callbacks.OnRotate(iteration, obs.Estimate)
		}
	case agent.SignalGutter:
		reason := "agent reported it is stuck"
		if outcome.Summary != "" {
			reason = fmt.Sprintf("%s: %s", reason, outcome.Summary)
		}
		if err := c.store.Terminate(reason); err != nil {
			return Result{State: StateGutter, Iteration: iteration}, true, err
		}
		result, err := c.finish(Result{State: StateGutter, Iteration: iteration, Verdict: verdict, LogPath: outcome.RawLog, Reason: reason})
		return result, true, err
	case agent.SignalConfigError:
		result, err := c.finish(Result{
			State:     StateConfigError,
			Iteration: iteration,
			Verdict:   verdict,
			LogPath:   outcome.RawLog,
			Reason:    "agent reported a configuration error",
		})
		return result, true, err
	}

	return Result{State: StateRunning, Iteration: iteration, Verdict: verdict}, false, nil
}

// invokeGuarded runs the invocation with the mirror guard active.
func (c *Controller) invokeGuarded(ctx context.Context, req agent.Request) (agent.Outcome, int, error) {
	guard, err := c.mirror.Guard(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Warn("mirror guard unavailable", "error", err)
	}
	outcome, attempts, invokeErr := c.invoke(ctx, req)
	if guard != nil {
		if n := guard.Stop(); n > 0 {
			c.metrics.Restores(n)
			c.logger.Warn("agent modified the progress mirror, restored", "restores", n)
		}
	}
	return outcome, attempts, invokeErr
}

// invoke calls the agent with the retry policy. Each attempt runs detached
// from ctx, bounded by the agent timeout; ctx only cuts short the wait
// between attempts.
func (c *Controller) invoke(ctx context.Context, req agent.Request) (agent.Outcome, int, error) {
	attempts := 0
	operation := func() (agent.Outcome, error) {
		attempts++
		c.invocations++

		callCtx := context.WithoutCancel(ctx)
		if c.settings.AgentTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, c.settings.AgentTimeout)
			defer cancel()
		}

		outcome, err := c.invoker.Invoke(callCtx, req)
		if err == nil {
			return outcome, nil
		}
		if !errors.IsRetryable(err) {
			return outcome, backoff.Permanent(err)
		}
		return outcome, err
	}

	notify := func(err error, next time.Duration) {
		c.metrics.Retry()
		c.logger.Warn("agent invocation failed, retrying",
			"iteration", req.Iteration,
			"attempt", attempts,
			"retry_in", next,
			"error", err,
		)
	}

	outcome, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(max(c.settings.MaxRetries, 0))+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	return outcome, attempts, err
}

// invokeFailed maps an invocation error to a terminal state.
func (c *Controller) invokeFailed(ctx context.Context, iteration, attempts int, logPath string, err error) (Result, error) {
	verdict, _ := c.evaluate()
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return c.interrupt(iteration, verdict)
	case errors.IsConfigError(err):
		return c.finish(Result{
			State:     StateConfigError,
			Iteration: iteration,
			Verdict:   verdict,
			LogPath:   logPath,
			Reason:    "agent could not be started",
			Cause:     err,
		})
	default:
		reason := fmt.Sprintf("agent failed after %d attempt(s)", attempts)
		if terr := c.store.Terminate(fmt.Sprintf("%s: %v", reason, err)); terr != nil {
			return Result{State: StateGutter, Iteration: iteration}, terr
		}
		return c.finish(Result{
			State:     StateGutter,
			Iteration: iteration,
			Verdict:   verdict,
			LogPath:   logPath,
			Reason:    reason,
			Cause:     err,
		})
	}
}

func (c *Controller) evaluate() (taskspec.Verdict, error) {
	verdict, err := c.oracle.Evaluate()
	if err != nil {
		return verdict, err
	}
	if verdict.Empty() && !c.warnedEmpty {
		c.warnedEmpty = true
		c.logger.Warn("task document has no checklist items; the run can never complete",
			"task_file", c.taskPath,
		)
	}
	return verdict, nil
}

func (c *Controller) buildPrefix(sctx state.Context) (string, error) {
	spec, err := taskspec.ParseFile(c.taskPath)
	if err != nil {
		return "", err
	}
	guardrails, err := c.store.Guardrails()
	if err != nil {
		return "", err
	}
	progress, err := c.store.Progress()
	if err != nil {
		return "", err
	}
	verdict, err := c.evaluate()
	if err != nil {
		return "", err
	}

	return BuildPrefix(PrefixData{
		Description:   spec.Description,
		TaskFile:      c.settings.TaskFile,
		TestCommand:   spec.TestCommand,
		Iteration:     sctx.Iteration,
		MaxIterations: c.settings.MaxIterations,
		Fresh:         sctx.SessionID == "",
		Focus:         c.focus,
		Verdict:       verdict,
		Pending:       spec.Unchecked(),
		Guardrails:    guardrails,
		Progress:      progress,
		MirrorDir:     state.MirrorDirName,
	})
}

func (c *Controller) recordGuardrails(proposed []agent.ProposedGuardrail, iteration int) {
	for _, p := range proposed {
		g, err := c.registry.Add(p.Trigger, p.Instruction, iteration)
		switch {
		case errors.Is(err, guardrail.ErrDuplicate):
			c.logger.Debug("ignoring duplicate guardrail", "trigger", p.Trigger)
		case err != nil:
			c.logger.Warn("rejected proposed guardrail", "trigger", p.Trigger, "error", err)
		default:
			c.logger.Info("guardrail added", "trigger", g.Trigger, "iteration", iteration)
		}
	}
}

// refuse stops without touching the record.
func (c *Controller) refuse() (Result, error) {
	reason := "workspace is terminated"
	if term, err := c.store.Termination(); err == nil && term != nil && term.Reason != "" {
		reason = fmt.Sprintf("workspace is terminated: %s", term.Reason)
	}
	sctx, _ := c.store.Context()
	result := Result{
		State:       StateRefused,
		Iteration:   sctx.Iteration,
		Invocations: c.invocations,
		Reason:      reason,
		Cause:       errors.ErrTerminated,
	}
	c.logger.Warn("refusing to run", "reason", reason)
	c.complete(result)
	return result, nil
}

func (c *Controller) interrupt(iteration int, verdict taskspec.Verdict) (Result, error) {
	result := Result{
		State:       StateInterrupted,
		Iteration:   iteration,
		Invocations: c.invocations,
		Verdict:     verdict,
		Reason:      "interrupted",
	}
	if _, err := c.store.AppendProgress(state.ProgressEntry{
		Iteration: iteration,
		Kind:      state.KindNote,
		State:     string(StateInterrupted),
		Verdict:   verdict.String(),
		Summary:   "run interrupted by the operator",
	}); err != nil {
		return result, err
	}
	c.logger.Info("controller interrupted", "iteration", iteration)
	c.flush()
	c.complete(result)
	return result, nil
}

// finish records a terminal state.
func (c *Controller) finish(result Result) (Result, error) {
	result.Invocations = c.invocations
	if _, err := c.store.AppendProgress(state.ProgressEntry{
		Iteration: result.Iteration,
		Kind:      state.KindTerminal,
		State:     string(result.State),
		Verdict:   result.Verdict.String(),
		Summary:   result.Reason,
		LogPath:   result.LogPath,
	}); err != nil {
		return result, err
	}
	c.metrics.Terminal(string(result.State))

	if result.State == StateComplete {
		c.logger.Info("controller finished", "state", result.State, "iteration", result.Iteration)
	} else {
		c.logger.Warn("controller stopped",
			"state", result.State,
			"iteration", result.Iteration,
			"reason", result.Reason,
			"log", result.LogPath,
			"error", result.Cause,
		)
	}
	c.flush()
	c.complete(result)
	return result, nil
}

func (c *Controller) flush() {
	if _, err := c.mirror.Sync(); err != nil {
		c.logger.Warn("failed to sync mirror", "error", err)
	}
	if err := c.metrics.WriteTextfile(c.store.MetricsPath()); err != nil {
		c.logger.Warn("failed to write metrics", "error", err)
	}
}

func (c *Controller) complete(result Result) {
	if c.callbacks.OnComplete != nil {
		c.callbacks.OnComplete(result)
	}
}
