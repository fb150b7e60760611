package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/codegate/internal/errs"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/provider/mocks"
	"github.com/mattjoyce/codegate/internal/provider/providertest"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	goleak.VerifyTestMain(m)
}

func newTestSupervisor() *Supervisor {
	s := New()
	s.GracePeriod = 300 * time.Millisecond
	return s
}

func shellRequest(t *testing.T, script string, timeout time.Duration) Request {
	t.Helper()
	p := providertest.NewShell("shell", script)
	return Request{
		RequestID: "req-test",
		Provider:  p,
		Spec:      p.BuildSpawnSpec("the prompt", "the-model", ""),
		Dir:       t.TempDir(),
		Timeout:   timeout,
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	req := shellRequest(t, `echo "hello $1 $2"; echo "oops" >&2; exit 3`, 5*time.Second)

	out, err := newTestSupervisor().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello the prompt the-model", out.Output)
	assert.Equal(t, 3, out.ExitCode)
}

func TestRunUsesWorkspaceAndEnv(t *testing.T) {
	p := providertest.NewShell("shell", `printf "%s|%s" "$CODEGATE_PROBE" "$(pwd -P)"`)
	p.Env = map[string]string{"CODEGATE_PROBE": "from-spec"}
	dir := t.TempDir()

	out, err := newTestSupervisor().Run(context.Background(), Request{
		Provider: p,
		Spec:     p.BuildSpawnSpec("x", "m", dir),
		Dir:      dir,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-spec|"+resolved, out.Output)
}

func TestRunStdinIsClosed(t *testing.T) {
	req := shellRequest(t, `cat; echo done`, 5*time.Second)

	out, err := newTestSupervisor().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done", out.Output)
}

func TestRunSignalExitMapsToOne(t *testing.T) {
	req := shellRequest(t, `kill -9 $$`, 5*time.Second)

	out, err := newTestSupervisor().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ExitCode)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	req := shellRequest(t, `echo $$ > pid; exec sleep 30`, 100*time.Millisecond)

	start := time.Now()
	_, err := newTestSupervisor().Run(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	assert.Equal(t, "provider shell timed out after 100ms", err.Error())
	assert.Less(t, elapsed, 3*time.Second)

	assertProcessGone(t, filepath.Join(req.Dir, "pid"))
}

func TestRunTimeoutEscalatesToSIGKILL(t *testing.T) {
	req := shellRequest(t, `trap '' TERM; echo $$ > pid; while :; do sleep 1; done`, 100*time.Millisecond)
	s := newTestSupervisor()

	start := time.Now()
	_, err := s.Run(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	// Ignored SIGTERM means we sat out the grace period.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond+s.GracePeriod)
	assert.Less(t, elapsed, 5*time.Second)

	assertProcessGone(t, filepath.Join(req.Dir, "pid"))
}

func TestRunTimeoutReportsAtDeadlineWhenCallerTracksReap(t *testing.T) {
	req := shellRequest(t, `trap '' TERM; echo $$ > pid; while :; do sleep 1; done`, 100*time.Millisecond)
	req.Reaped = make(chan struct{})
	s := newTestSupervisor()
	s.GracePeriod = 2 * time.Second

	start := time.Now()
	_, err := s.Run(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	assert.Less(t, elapsed, 100*time.Millisecond+s.GracePeriod/2)

	select {
	case <-req.Reaped:
		t.Fatal("Reaped closed before the SIGTERM-ignoring child was killed")
	default:
	}

	select {
	case <-req.Reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("child was never reaped")
	}
	assertProcessGone(t, filepath.Join(req.Dir, "pid"))
}

func TestRunClosesReapedOnNormalExit(t *testing.T) {
	req := shellRequest(t, `echo ok`, 5*time.Second)
	req.Reaped = make(chan struct{})

	_, err := newTestSupervisor().Run(context.Background(), req)
	require.NoError(t, err)
	select {
	case <-req.Reaped:
	default:
		t.Fatal("Reaped still open after Run returned")
	}
}

func TestRunFailsWhenOutputExceedsLimit(t *testing.T) {
	req := shellRequest(t, `printf '%04096d' 0 | tr 0 a`, 5*time.Second)
	s := newTestSupervisor()
	s.MaxOutput = 1024

	_, err := s.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errs.KindProviderError, errs.KindOf(err))
	assert.Equal(t, "provider shell output exceeded 1024 bytes", err.Error())
}

func TestRunOutputAtLimitIsKept(t *testing.T) {
	req := shellRequest(t, `printf '%01024d' 0 | tr 0 a`, 5*time.Second)
	s := newTestSupervisor()
	s.MaxOutput = 1024

	out, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 1024), out.Output)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "16 MiB", formatBytes(maxStdoutBytes))
	assert.Equal(t, "1024 bytes", formatBytes(1024))
}

func TestRunCancelled(t *testing.T) {
	req := shellRequest(t, `echo $$ > pid; exec sleep 30`, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := newTestSupervisor().Run(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))

	assertProcessGone(t, filepath.Join(req.Dir, "pid"))
}

// A child that exits cleanly in response to SIGTERM still reports cancelled.
func TestRunCancelWinsOverCleanExit(t *testing.T) {
	req := shellRequest(t, `trap 'exit 0' TERM; touch ready; sleep 30 & wait`, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ready := filepath.Join(req.Dir, "ready")
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(ready); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	_, err := newTestSupervisor().Run(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
}

func TestRunCancelWinsOverTimeout(t *testing.T) {
	req := shellRequest(t, `exec sleep 30`, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestSupervisor().Run(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
}

func TestRunAlreadyCancelledDoesNotSpawn(t *testing.T) {
	req := shellRequest(t, `touch spawned`, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestSupervisor().Run(ctx, req)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
	_, statErr := os.Stat(filepath.Join(req.Dir, "spawned"))
	assert.True(t, os.IsNotExist(statErr), "process should not have been spawned")
}

func TestRunMissingBinary(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Name().Return("ghost").AnyTimes()

	_, err := newTestSupervisor().Run(context.Background(), Request{
		Provider: p,
		Spec:     provider.SpawnSpec{Command: "/nonexistent/codegate-ghost"},
		Dir:      t.TempDir(),
		Timeout:  time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindProviderError, errs.KindOf(err))
	assert.Contains(t, err.Error(), "failed to spawn")
}

func TestRunParseFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Name().Return("strict").AnyTimes()
	p.EXPECT().ParseOutput("garbage\n", 0).Return(provider.Output{}, errors.New("unexpected token"))

	_, err := newTestSupervisor().Run(context.Background(), Request{
		Provider: p,
		Spec:     provider.SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "echo garbage"}},
		Dir:      t.TempDir(),
		Timeout:  5 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindProviderError, errs.KindOf(err))
	assert.Contains(t, err.Error(), "output parsing failed")
	assert.Contains(t, err.Error(), "unexpected token")
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "x", "C": "3"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=x", "C=3"}, got)

	base := []string{"A=1"}
	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())
}

func assertProcessGone(t *testing.T, pidFile string) {
	t.Helper()
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	err = syscall.Kill(pid, 0)
	assert.ErrorIs(t, err, syscall.ESRCH, "process %d still alive", pid)
}
