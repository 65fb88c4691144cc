package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/metrics"
)

type supervisorHarness struct {
	reader  *fakeReader
	sink    *fakeSink
	fsys    *fakeFS
	metrics *metrics.Metrics
	running chan struct{}

	mu       sync.Mutex
	states   []core.RunState
	notified []string
}

func newHarness() *supervisorHarness {
	return &supervisorHarness{
		reader:  newFakeReader(),
		sink:    newFakeSink(),
		fsys:    &fakeFS{errs: map[string]error{}},
		metrics: metrics.New(),
		running: make(chan struct{}),
	}
}

func (h *supervisorHarness) supervisor(timeout time.Duration) *Supervisor {
	return NewSupervisor(Options{
		Reader:       h.reader,
		Filter:       prefixFilter("ERROR"),
		Sink:         h.sink,
		Timeout:      timeout,
		PollInterval: 10 * time.Millisecond,
		Grace:        100 * time.Millisecond,
		Stat:         h.fsys.Stat,
		Metrics:      h.metrics,
		Notify: func(state string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notified = append(h.notified, state)
		},
		OnState: func(st core.RunState) {
			h.mu.Lock()
			h.states = append(h.states, st)
			h.mu.Unlock()
			if st == core.RunRunning {
				close(h.running)
			}
		},
	})
}

func (h *supervisorHarness) waitRunning(t *testing.T) {
	t.Helper()
	select {
	case <-h.running:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never reached running")
	}
}

type runResult struct {
	sum Summary
	err error
}

func runAsync(ctx context.Context, s *Supervisor, paths []string) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		sum, err := s.Run(ctx, paths)
		out <- runResult{sum, err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
		return runResult{}
	}
}

func TestSupervisorDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	paths := tempFiles(t, 2)
	s := h.supervisor(300 * time.Millisecond)

	done := runAsync(t.Context(), s, paths)
	h.waitRunning(t)

	h.reader.follower(t, paths[0]).push(t, "INFO skipped")
	h.reader.follower(t, paths[1]).push(t, "ERROR kept")
	rec := h.sink.next(t)
	require.Equal(t, paths[1], rec.Path)
	require.Equal(t, core.TargetID(2), rec.TargetID)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, core.ReasonDeadline, res.sum.Reason)
	require.Equal(t, 2, res.sum.Targets)
	require.Equal(t, 0, res.sum.Retired)
	require.Equal(t, int64(1), res.sum.Matches)
	require.GreaterOrEqual(t, res.sum.Stopped.Sub(res.sum.Started), 300*time.Millisecond)

	for _, p := range paths {
		require.Equal(t, int32(1), h.reader.follower(t, p).stops.Load(), "follower for %s", p)
	}
	require.Equal(t, core.RunTerminated, s.State())
	require.Equal(t, []core.RunState{core.RunInitializing, core.RunRunning, core.RunShuttingDown, core.RunTerminated}, h.states)
	require.Equal(t, []string{"READY=1", "STOPPING=1"}, h.notified)
}

func TestSupervisorCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	paths := tempFiles(t, 1)
	s := h.supervisor(time.Minute)

	ctx, cancel := context.WithCancel(t.Context())
	done := runAsync(ctx, s, paths)
	h.waitRunning(t)
	cancel()

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, core.ReasonCancelled, res.sum.Reason)
	require.Equal(t, int32(1), h.reader.follower(t, paths[0]).stops.Load())
}

func TestSupervisorAllRetired(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	paths := tempFiles(t, 3)
	s := h.supervisor(time.Minute)

	done := runAsync(t.Context(), s, paths)
	h.waitRunning(t)

	active, total := s.Counts()
	require.Equal(t, 3, active)
	require.Equal(t, 3, total)

	for _, p := range paths {
		h.fsys.set(p, fs.ErrNotExist)
	}

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, core.ReasonAllRetired, res.sum.Reason)
	require.Equal(t, 3, res.sum.Retired)
	for _, p := range paths {
		require.Equal(t, int32(1), h.reader.follower(t, p).stops.Load(), "follower for %s", p)
	}
	active, _ = s.Counts()
	require.Zero(t, active)
}

func TestSupervisorPartialRetirement(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	paths := tempFiles(t, 2)
	s := h.supervisor(500 * time.Millisecond)

	done := runAsync(t.Context(), s, paths)
	h.waitRunning(t)

	// The first file's follower ends on its own, the second keeps producing.
	h.reader.follower(t, paths[0]).finish(nil)
	require.Eventually(t, func() bool {
		active, _ := s.Counts()
		return active == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.reader.follower(t, paths[1]).push(t, "ERROR still here")
	require.Equal(t, "ERROR still here", h.sink.next(t).Line)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, core.ReasonDeadline, res.sum.Reason)
	require.Equal(t, 1, res.sum.Retired)
}

func TestSupervisorRetireRace(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	paths := tempFiles(t, 1)
	s := h.supervisor(time.Minute)

	done := runAsync(t.Context(), s, paths)
	h.waitRunning(t)

	// Both the liveness monitor and the pipeline exit notice the removal.
	h.fsys.set(paths[0], fs.ErrNotExist)
	h.reader.follower(t, paths[0]).finish(nil)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, core.ReasonAllRetired, res.sum.Reason)
	require.Equal(t, 1, res.sum.Retired)
}

func TestSupervisorStreamBroken(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	h.sink.err = syscall.EPIPE
	paths := tempFiles(t, 1)
	s := h.supervisor(time.Minute)

	done := runAsync(t.Context(), s, paths)
	h.waitRunning(t)
	h.reader.follower(t, paths[0]).push(t, "ERROR nobody listens")

	res := waitResult(t, done)
	require.ErrorIs(t, res.err, core.ErrStreamBroken)
	require.Equal(t, core.ExitStreamBroken, core.ExitCode(res.err))
	require.Equal(t, core.ReasonStreamBroken, res.sum.Reason)
	require.Equal(t, int32(1), h.reader.follower(t, paths[0]).stops.Load())
}

func TestSupervisorMissingFile(t *testing.T) {
	h := newHarness()
	paths := tempFiles(t, 1)
	paths = append(paths, filepath.Join(t.TempDir(), "missing.log"))
	s := h.supervisor(time.Minute)

	sum, err := s.Run(t.Context(), paths)
	require.ErrorIs(t, err, core.ErrTargetUnavailable)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Equal(t, core.ExitConfig, core.ExitCode(err))
	require.Equal(t, core.ReasonConfig, sum.Reason)
	require.Zero(t, h.reader.Calls(), "no pipeline may start when a file is missing")
	require.Equal(t, core.RunTerminated, s.State())
}

func TestSupervisorUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read anything")
	}
	h := newHarness()
	paths := tempFiles(t, 1)
	require.NoError(t, os.Chmod(paths[0], 0))
	s := h.supervisor(time.Minute)

	_, err := s.Run(t.Context(), paths)
	require.ErrorIs(t, err, core.ErrTargetUnavailable)
	require.ErrorIs(t, err, fs.ErrPermission)
}

func TestSupervisorSpawnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness()
	paths := tempFiles(t, 3)
	h.reader.fail[paths[1]] = fmt.Errorf("fork: %w", core.ErrSpawn)
	s := h.supervisor(time.Minute)

	sum, err := s.Run(t.Context(), paths)
	require.ErrorIs(t, err, core.ErrSpawn)
	require.Equal(t, core.ExitSpawn, core.ExitCode(err))
	require.Equal(t, core.ReasonSpawnFailed, sum.Reason)

	// The pipeline started before the failure is stopped; the one after it
	// never starts.
	require.Equal(t, int32(1), h.reader.follower(t, paths[0]).stops.Load())
	require.Equal(t, 2, h.reader.Calls())
}

func TestSupervisorValidate(t *testing.T) {
	s := NewSupervisor(Options{})
	_, err := s.Run(t.Context(), nil)
	require.ErrorIs(t, err, core.ErrConfig)
	require.True(t, errors.Is(err, core.ErrConfig))
}
