package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mattjoyce/codegate/internal/admission"
	"github.com/mattjoyce/codegate/internal/config"
	"github.com/mattjoyce/codegate/internal/errs"
	"github.com/mattjoyce/codegate/internal/events"
	"github.com/mattjoyce/codegate/internal/history"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/metrics"
	"github.com/mattjoyce/codegate/internal/process"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/registry"
	"github.com/mattjoyce/codegate/internal/workspace"
)

const (
	historyWriteTimeout = 5 * time.Second

	// forceCancelWait bounds how long Shutdown waits for cancelled processes
	// to be reaped. It covers the supervisor's SIGTERM grace period.
	forceCancelWait = 10 * time.Second
)

// Outcomes reported to metrics and history.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Runner runs one provider process to completion. Run closes req.Reaped,
// when set, once the process is gone; that may happen after Run returns.
type Runner interface {
	Run(ctx context.Context, req process.Request) (provider.Output, error)
}

// HistoryRecorder persists finished executions.
type HistoryRecorder interface {
	Record(ctx context.Context, r history.Record) error
}

// Config holds the per-job defaults and bounds.
type Config struct {
	DefaultProvider string
	DefaultModel    string
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
}

// ConfigFrom extracts the dispatcher settings from the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DefaultProvider: cfg.Defaults.Provider,
		DefaultModel:    cfg.Defaults.Model,
		DefaultTimeout:  cfg.Limits.DefaultTimeout,
		MaxTimeout:      cfg.Limits.MaxTimeout,
	}
}

// Request is one prompt job.
type Request struct {
	Prompt    string                `json:"prompt"`
	Provider  string                `json:"provider,omitempty"`
	Model     string                `json:"model,omitempty"`
	TimeoutMs int64                 `json:"timeoutMs,omitempty"`
	Files     []workspace.FileEntry `json:"files,omitempty"`
}

// Result is the outcome of a job whose process ran to completion.
type Result struct {
	RequestID  string                `json:"requestId"`
	Provider   string                `json:"provider"`
	Model      string                `json:"model"`
	Output     string                `json:"output"`
	ExitCode   int                   `json:"exitCode"`
	DurationMs int64                 `json:"durationMs"`
	Files      []workspace.FileEntry `json:"files"`
}

// HealthSnapshot is the point-in-time view served by /health. Uptime is in
// whole seconds.
type HealthSnapshot struct {
	Status           string          `json:"status"`
	ActiveExecutions int             `json:"activeExecutions"`
	QueueDepth       int             `json:"queueDepth"`
	MaxConcurrency   int             `json:"maxConcurrency"`
	Providers        []provider.Info `json:"providers"`
	Uptime           int64           `json:"uptime"`
}

// Dispatcher sequences jobs through admission, workspace and process supervision.
type Dispatcher struct {
	cfg        Config
	admission  *admission.Controller
	registry   *registry.Registry
	workspaces workspace.Manager
	runner     Runner
	providers  *provider.Registry

	events  *events.Hub
	metrics *metrics.Collector
	history HistoryRecorder
	tracer  trace.Tracer

	draining  atomic.Bool
	startedAt time.Time
	newID     func() string
	logger    *slog.Logger
}

// New creates a Dispatcher. Events, metrics, history and tracing are optional
// and attached with the With* methods.
func New(cfg Config, adm *admission.Controller, reg *registry.Registry, ws workspace.Manager, runner Runner, providers *provider.Registry) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		admission:  adm,
		registry:   reg,
		workspaces: ws,
		runner:     runner,
		providers:  providers,
		tracer:     noop.NewTracerProvider().Tracer("codegate"),
		startedAt:  time.Now(),
		newID:      uuid.NewString,
		logger:     log.WithComponent("dispatch"),
	}
}

func (d *Dispatcher) WithEvents(h *events.Hub) *Dispatcher {
	d.events = h
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Collector) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithHistory(h HistoryRecorder) *Dispatcher {
	d.history = h
	return d
}

func (d *Dispatcher) WithTracer(t trace.Tracer) *Dispatcher {
	if t != nil {
		d.tracer = t
	}
	return d
}

// Execute runs req and blocks until it finishes. Cancelling ctx cancels the
// job. A non-zero provider exit code is a successful Result, not an error.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	id := d.newID()

	providerName := req.Provider
	if providerName == "" {
		providerName = d.cfg.DefaultProvider
	}
	p, err := d.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}
	timeout := d.effectiveTimeout(req.TimeoutMs)

	if d.draining.Load() {
		return nil, errs.New(errs.KindCapacityExceeded, "server is shutting down")
	}

	logger := d.logger.With("request_id", id, "provider", p.Name(), "model", model)

	spanCtx, span := d.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("codegate.request_id", id),
		attribute.String("codegate.provider", p.Name()),
		attribute.String("codegate.model", model),
	))

	// Detached from the caller's deadline; its cancellation is forwarded below.
	jobCtx, cancel := context.WithCancel(trace.ContextWithSpan(context.Background(), trace.SpanFromContext(spanCtx)))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	exec := registry.NewExecution(id, p.Name(), model, cancel)
	d.publish(events.JobQueued, events.JobEvent{RequestID: id, Provider: p.Name(), Model: model})
	logger.Debug("job queued", "timeout", timeout, "files", len(req.Files))

	admCtx, admSpan := d.tracer.Start(jobCtx, "job.admission")
	err = d.admission.Acquire(admCtx)
	endSpan(admSpan, err)
	if err != nil {
		if jobCtx.Err() != nil {
			logger.Info("job abandoned while queued")
		} else {
			logger.Warn("job rejected", "error", err)
		}
		d.finish(exec, start, nil, err, false, logger)
		endSpan(span, err)
		return nil, err
	}

	res, err := d.runAdmitted(jobCtx, exec, p, req, model, timeout, start, logger)
	d.finish(exec, start, res, err, true, logger)
	endSpan(span, err)
	return res, err
}

// runAdmitted holds a slot for its whole duration; the deferred cleanup
// gives it back. A timed-out process that is still being killed keeps its
// slot and workspace until it has been reaped.
func (d *Dispatcher) runAdmitted(ctx context.Context, exec *registry.Execution, p provider.Provider, req Request, model string, timeout time.Duration, start time.Time, logger *slog.Logger) (res *Result, err error) {
	d.registry.Register(exec)
	exec.SetState(registry.StateAdmitted)

	var dir string
	var reaped chan struct{}
	defer func() {
		exec.SetState(terminalState(err))
		if reaped != nil {
			select {
			case <-reaped:
			default:
				logger.Warn("provider still terminating, deferring cleanup")
				go func() {
					<-reaped
					d.cleanup(exec, dir, logger)
				}()
				return
			}
		}
		d.cleanup(exec, dir, logger)
	}()

	ws, err := d.workspaces.Create(ctx, req.Files)
	if err != nil {
		return nil, classify(ctx, err, "create workspace")
	}
	dir = ws.Dir

	snap, err := d.workspaces.Snapshot(ctx, ws.Dir)
	if err != nil {
		return nil, classify(ctx, err, "snapshot workspace")
	}

	exec.SetState(registry.StateRunning)
	d.publish(events.JobStarted, events.JobEvent{RequestID: exec.ID, Provider: p.Name(), Model: model})
	logger.Info("job started", "timeout", timeout, "workspace", ws.ID)

	runCtx, runSpan := d.tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("codegate.binary", p.Binary()),
		attribute.Int64("codegate.timeout_ms", timeout.Milliseconds()),
	))
	reaped = make(chan struct{})
	out, err := d.runner.Run(runCtx, process.Request{
		RequestID: exec.ID,
		Provider:  p,
		Spec:      p.BuildSpawnSpec(req.Prompt, model, ws.Dir),
		Dir:       ws.Dir,
		Timeout:   timeout,
		Reaped:    reaped,
	})
	if err == nil {
		runSpan.SetAttributes(attribute.Int("codegate.exit_code", out.ExitCode))
	}
	endSpan(runSpan, err)
	if err != nil {
		return nil, err
	}

	// The process already exited; a late cancel must not discard its changes.
	files, err := d.workspaces.Diff(context.WithoutCancel(ctx), ws.Dir, snap)
	if err != nil {
		return nil, classify(ctx, err, "diff workspace")
	}

	return &Result{
		RequestID:  exec.ID,
		Provider:   p.Name(),
		Model:      model,
		Output:     out.Output,
		ExitCode:   out.ExitCode,
		DurationMs: time.Since(start).Milliseconds(),
		Files:      files,
	}, nil
}

func (d *Dispatcher) cleanup(exec *registry.Execution, dir string, logger *slog.Logger) {
	d.admission.Release()
	d.registry.Unregister(exec.ID)
	if dir != "" {
		if err := d.workspaces.Destroy(dir); err != nil {
			logger.Error("failed to destroy workspace", "dir", dir, "error", err)
		}
	}
	exec.SetState(registry.StateCleanedUp)
}

// finish reports a job's outcome to the optional sinks.
func (d *Dispatcher) finish(exec *registry.Execution, start time.Time, res *Result, err error, admitted bool, logger *slog.Logger) {
	elapsed := time.Since(start)
	outcome := outcomeOf(err, admitted)

	ev := events.JobEvent{
		RequestID:  exec.ID,
		Provider:   exec.Provider,
		Model:      exec.Model,
		DurationMs: elapsed.Milliseconds(),
	}
	rec := history.Record{
		ID:          exec.ID,
		Provider:    exec.Provider,
		Model:       exec.Model,
		Outcome:     outcome,
		DurationMs:  elapsed.Milliseconds(),
		CreatedAt:   exec.StartedAt,
		CompletedAt: time.Now(),
	}

	switch {
	case err == nil:
		code := res.ExitCode
		ev.ExitCode = &code
		ev.FileCount = len(res.Files)
		rec.ExitCode = &code
		rec.FileCount = len(res.Files)
		d.publish(events.JobCompleted, ev)
		logger.Info("job completed", "exit_code", code, "files", len(res.Files), "duration_ms", elapsed.Milliseconds())
	default:
		kind := errs.KindOf(err)
		ev.ErrorCode = kind.Code()
		ev.Error = errs.Message(err)
		rec.ErrorCode = kind.Code()
		rec.Error = errs.Message(err)
		if kind == errs.KindCancelled {
			d.publish(events.JobCancelled, ev)
			logger.Info("job cancelled", "duration_ms", elapsed.Milliseconds())
		} else {
			d.publish(events.JobFailed, ev)
			if admitted {
				logger.Warn("job failed", "code", kind.Code(), "error", err, "duration_ms", elapsed.Milliseconds())
			}
		}
	}

	d.metrics.ObserveExecution(exec.Provider, outcome, elapsed)

	if admitted && d.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		if herr := d.history.Record(ctx, rec); herr != nil {
			logger.Error("failed to record execution history", "error", herr)
		}
	}
}

func (d *Dispatcher) publish(eventType string, ev events.JobEvent) {
	if d.events == nil {
		return
	}
	d.events.Publish(eventType, ev)
}

func (d *Dispatcher) effectiveTimeout(requestedMs int64) time.Duration {
	timeout := d.cfg.DefaultTimeout
	if requestedMs > 0 {
		timeout = time.Duration(requestedMs) * time.Millisecond
	}
	if d.cfg.MaxTimeout > 0 && timeout > d.cfg.MaxTimeout {
		timeout = d.cfg.MaxTimeout
	}
	return timeout
}

// Cancel cancels the running execution with the given id. It reports false
// when no such execution is registered.
func (d *Dispatcher) Cancel(id string) bool {
	ok := d.registry.Cancel(id)
	if ok {
		d.logger.Info("execution cancel requested", "request_id", id)
	}
	return ok
}

// Health returns the current load and provider set.
func (d *Dispatcher) Health() HealthSnapshot {
	status := "ok"
	if d.draining.Load() {
		status = "shutting_down"
	}
	return HealthSnapshot{
		Status:           status,
		ActiveExecutions: d.admission.Active(),
		QueueDepth:       d.admission.QueueDepth(),
		MaxConcurrency:   d.admission.MaxConcurrency(),
		Providers:        d.providers.List(),
		Uptime:           int64(time.Since(d.startedAt).Seconds()),
	}
}

// Active lists registered executions, oldest first.
func (d *Dispatcher) Active() []registry.Info {
	all := d.registry.All()
	out := make([]registry.Info, 0, len(all))
	for _, e := range all {
		out = append(out, e.Info())
	}
	return out
}

// Draining reports whether Drain has been called.
func (d *Dispatcher) Draining() bool { return d.draining.Load() }

// Drain stops accepting jobs, rejects everything still queued and waits up
// to timeout for running jobs to finish.
func (d *Dispatcher) Drain(timeout time.Duration) {
	if d.draining.CompareAndSwap(false, true) {
		d.logger.Info("draining", "active", d.admission.Active(), "queued", d.admission.QueueDepth())
	}
	d.admission.Drain(timeout)
}

// Shutdown drains and then cancels whatever is still running. It returns the
// number of executions that had to be cancelled.
func (d *Dispatcher) Shutdown(timeout time.Duration) int {
	d.Drain(timeout)

	remaining := d.registry.All()
	for _, e := range remaining {
		d.logger.Warn("force-cancelling execution", "request_id", e.ID, "provider", e.Provider)
		e.Cancel()
	}
	if len(remaining) > 0 {
		d.admission.Drain(forceCancelWait)
	}
	d.logger.Info("shutdown complete", "force_cancelled", len(remaining))
	return len(remaining)
}

// classify maps unclassified failures to cancelled when the job context has
// ended and to workspace errors otherwise.
func classify(ctx context.Context, err error, op string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if ctx.Err() != nil {
		return errs.Wrap(errs.KindCancelled, err, "execution was cancelled")
	}
	return errs.Wrap(errs.KindWorkspace, err, "%s", op)
}

func terminalState(err error) registry.State {
	if err == nil {
		return registry.StateSucceeded
	}
	switch errs.KindOf(err) {
	case errs.KindTimeout:
		return registry.StateTimedOut
	case errs.KindCancelled:
		return registry.StateCancelled
	default:
		return registry.StateFailed
	}
}

func outcomeOf(err error, admitted bool) string {
	if !admitted {
		return OutcomeRejected
	}
	switch terminalState(err) {
	case registry.StateSucceeded:
		return OutcomeSucceeded
	case registry.StateTimedOut:
		return OutcomeTimedOut
	case registry.StateCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.KindOf(err).Code())
	}
	span.End()
}
