// Package process spawns provider programs and enforces their deadlines.
//
// Run owns one child process from start to reaped exit. The child runs in its
// own process group so termination reaches anything it forked. When the
// deadline passes or the context is cancelled the group receives SIGTERM and,
// after GracePeriod, SIGKILL. Run does not return until the child is gone,
// except on timeout when the caller passed Request.Reaped.
//
// Outcome precedence: cancellation beats timeout, and cancellation observed at
// exit time beats a clean exit.
package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/codegate/internal/errs"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/provider"
)

const (
	// maxStdoutBytes caps captured provider output.
	maxStdoutBytes = 16 << 20

	// maxStderrBytes caps the amount of stderr captured from provider execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// timeoutSettle is how long a timed-out run waits for SIGTERM to take
	// effect before reporting when the caller tracks reaping itself.
	timeoutSettle = 250 * time.Millisecond

	// pipeDrainDelay bounds how long Wait blocks on pipes held open by
	// descendants after the child itself exited.
	pipeDrainDelay = 2 * time.Second
)

// Request describes one supervised run.
type Request struct {
	RequestID string
	Provider  provider.Provider
	Spec      provider.SpawnSpec
	Dir       string
	Timeout   time.Duration

	// Reaped, when set, is closed once the child has been reaped. A timed-out
	// child that ignores SIGTERM is then escalated in the background and Run
	// reports the timeout at the deadline.
	Reaped chan struct{}
}

// Supervisor runs provider processes.
type Supervisor struct {
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// MaxOutput is the most stdout a provider may write. More fails the run.
	MaxOutput int

	logger *slog.Logger
}

// New creates a Supervisor with the default grace period.
func New() *Supervisor {
	return &Supervisor{
		GracePeriod: terminationGracePeriod,
		MaxOutput:   maxStdoutBytes,
		logger:      log.WithComponent("process"),
	}
}

// Run spawns req.Spec in req.Dir and waits for one outcome: parsed output,
// a timeout error, a cancelled error, or a provider error.
func (s *Supervisor) Run(ctx context.Context, req Request) (provider.Output, error) {
	name := req.Provider.Name()
	logger := s.logger.With("request_id", req.RequestID, "provider", name)

	detached := false
	defer func() {
		if req.Reaped != nil && !detached {
			close(req.Reaped)
		}
	}()

	if ctx.Err() != nil {
		return provider.Output{}, errs.New(errs.KindCancelled, "execution was cancelled")
	}

	cmd := exec.Command(req.Spec.Command, req.Spec.Args...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeDrainDelay

	limit := s.MaxOutput
	if limit <= 0 {
		limit = maxStdoutBytes
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Info("spawning provider process", "command", req.Spec.Command, "timeout", req.Timeout)

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return provider.Output{}, errs.New(errs.KindCancelled, "execution was cancelled")
		}
		return provider.Output{}, errs.Wrap(errs.KindProviderError, err, "provider %s failed to spawn", name)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(req.Timeout)
	defer timeoutTimer.Stop()

	select {
	case err := <-waitErr:
		// Descendants left behind must not outlive the workspace.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)

		exitCode := exitCodeOf(cmd.ProcessState)
		logger.Info("provider process exited",
			"exit_code", exitCode,
			"stdout_len", stdout.Len(),
			"stderr_len", stderr.Len(),
		)
		if stderr.Len() > 0 {
			logger.Debug("provider stderr", "stderr", stderr.String(), "truncated", stderr.Truncated())
		}

		if ctx.Err() != nil {
			return provider.Output{}, errs.New(errs.KindCancelled, "execution was cancelled")
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return provider.Output{}, errs.Wrap(errs.KindProviderError, err, "provider %s wait failed", name)
		}

		if stdout.Truncated() {
			logger.Warn("provider output exceeded limit", "limit_bytes", limit)
			return provider.Output{}, errs.New(errs.KindProviderError, "provider %s output exceeded %s", name, formatBytes(limit))
		}

		out, err := req.Provider.ParseOutput(stdout.String(), exitCode)
		if err != nil {
			return provider.Output{}, errs.Wrap(errs.KindProviderError, err, "provider %s output parsing failed", name)
		}
		return out, nil

	case <-ctx.Done():
		logger.Info("execution cancelled, terminating provider")
		s.terminate(cmd, waitErr, logger)
		return provider.Output{}, errs.New(errs.KindCancelled, "execution was cancelled")

	case <-timeoutTimer.C:
		if ctx.Err() != nil {
			s.terminate(cmd, waitErr, logger)
			return provider.Output{}, errs.New(errs.KindCancelled, "execution was cancelled")
		}
		logger.Warn("provider execution timed out, sending SIGTERM", "timeout", req.Timeout)
		timedOut := errs.New(errs.KindTimeout, "provider %s timed out after %s", name, req.Timeout)
		if req.Reaped == nil {
			s.terminate(cmd, waitErr, logger)
			return provider.Output{}, timedOut
		}

		s.sigterm(cmd, logger)
		settle := min(timeoutSettle, s.GracePeriod)
		if awaitExit(waitErr, settle) {
			return provider.Output{}, timedOut
		}
		detached = true
		go func() {
			defer close(req.Reaped)
			if !awaitExit(waitErr, s.GracePeriod-settle) {
				s.kill(cmd, waitErr, logger)
			}
		}()
		return provider.Output{}, timedOut
	}
}

// terminate sends SIGTERM to the child's process group, escalates to SIGKILL
// after the grace period and waits for the child to be reaped.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	s.sigterm(cmd, logger)
	if awaitExit(waitErr, s.GracePeriod) {
		logger.Info("provider exited after SIGTERM")
		return
	}
	s.kill(cmd, waitErr, logger)
}

func (s *Supervisor) sigterm(cmd *exec.Cmd, logger *slog.Logger) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}
}

// kill sends SIGKILL to the group and waits for the reap.
func (s *Supervisor) kill(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	logger.Warn("provider did not exit after SIGTERM, sending SIGKILL")
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
		logger.Error("failed to send SIGKILL", "error", err)
	}
	<-waitErr
}

// awaitExit reports whether the child was reaped within d.
func awaitExit(waitErr <-chan error, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-waitErr:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-waitErr:
		return true
	case <-t.C:
		return false
	}
}

func formatBytes(n int) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return strconv.Itoa(n>>20) + " MiB"
	}
	return strconv.Itoa(n) + " bytes"
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// Group already gone; fall back to the leader in case it is not.
		err = cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

// exitCodeOf maps a missing or signal-terminated exit status to 1.
func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return 1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	return 1
}

// mergeEnv overlays overrides onto base (KEY=value form). Later keys win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
