// Package tailexec follows files by running tail(1) as a child process.
package tailexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ei12134/monitor/pkg/core"
)

// DefaultBinary is the tail executable looked up in PATH.
const DefaultBinary = "tail"

// MaxLineSize is the longest line delivered. Longer lines are dropped and
// reading continues with the next one.
const MaxLineSize = 1024 * 1024

// Provider runs one `tail -n 0 -f` process per followed file. Each process
// gets its own process group so it can be signalled as a unit.
type Provider struct {
	binary string
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBinary overrides the tail executable.
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// New creates a new exec-based follow provider.
func New(logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{binary: DefaultBinary, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Follow checks that path can be opened and starts tail on it.
func (p *Provider) Follow(ctx context.Context, path string) (core.Follower, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, core.ErrTargetUnavailable, err)
	}
	f.Close()

	bin, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrSpawn, err)
	}

	cmd := exec.Command(bin, "-n", "0", "-f", path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", core.ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %w", core.ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", core.ErrSpawn, bin, err)
	}

	fl := &follower{
		cmd:    cmd,
		lines:  make(chan string),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: p.logger.With("path", path, "pid", cmd.Process.Pid),
	}
	go func() {
		_ = readLines(stderr, MaxLineSize, func(line string) { fl.logger.Warn("tail stderr", "line", line) }, nil)
	}()
	go fl.run(stdout)

	fl.logger.Debug("tail process started")
	return fl, nil
}

type follower struct {
	cmd    *exec.Cmd
	lines  chan string
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	once    sync.Once
	stopErr error

	mu      sync.Mutex
	stopped bool
	err     error
}

func (f *follower) run(stdout io.Reader) {
	defer close(f.done)
	defer close(f.lines)

	stopping := false
	rerr := readLines(stdout, MaxLineSize, func(line string) {
		if stopping {
			return
		}
		select {
		case f.lines <- line:
		case <-f.stop:
			stopping = true
		}
	}, func(n int) {
		f.logger.Warn("dropping oversized line", "bytes", n, "max", MaxLineSize)
	})
	if rerr != nil {
		f.logger.Warn("reading tail output", "err", rerr)
		f.kill()
	}

	// Wait must only run once stdout has been drained.
	_, _ = io.Copy(io.Discard, stdout)
	werr := f.cmd.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	switch {
	case rerr != nil:
		f.err = fmt.Errorf("read tail output: %w", rerr)
	case werr != nil:
		f.err = fmt.Errorf("tail exited: %w", werr)
	}
	f.logger.Debug("tail process exited", "err", werr)
}

func (f *follower) Lines() <-chan string {
	return f.lines
}

func (f *follower) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Stop sends SIGTERM to the process group and SIGKILL if it is still
// around after grace.
func (f *follower) Stop(grace time.Duration) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.err = nil
		f.mu.Unlock()
		close(f.stop)

		pgid := -f.cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			f.logger.Warn("sigterm", "err", err)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-f.done:
			return
		case <-timer.C:
		}

		f.logger.Warn("tail did not exit after sigterm, killing", "grace", grace)
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			f.stopErr = fmt.Errorf("kill tail: %w", err)
		}
		<-f.done
	})
	return f.stopErr
}

// kill sends SIGKILL to the process group.
func (f *follower) kill() {
	if err := syscall.Kill(-f.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		f.logger.Warn("sigkill", "err", err)
	}
}

// readLines reads lines from r and calls fn for each, without the trailing
// newline or carriage return. A line longer than limit is skipped whole and
// reported to skip, if set, with its length. It returns nil at EOF.
func readLines(r io.Reader, limit int, fn func(string), skip func(n int)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	dropped := 0
	for {
		chunk, err := br.ReadSlice('\n')
		complete := err == nil
		if complete {
			chunk = chunk[:len(chunk)-1]
		}

		if dropped > 0 || len(buf)+len(chunk) > limit {
			dropped += len(buf) + len(chunk)
			buf = buf[:0]
		} else {
			buf = append(buf, chunk...)
		}

		switch {
		case complete:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) > 0 {
				fn(string(bytes.TrimSuffix(buf, []byte("\r"))))
			}
			return nil
		default:
			return err
		}

		if dropped > 0 {
			if skip != nil {
				skip(dropped)
			}
			dropped = 0
			continue
		}
		fn(string(bytes.TrimSuffix(buf, []byte("\r"))))
		buf = buf[:0]
	}
}
