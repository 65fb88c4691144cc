// Package filetail follows files with github.com/nxadm/tail.
package filetail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nxadm/tail"

	"github.com/ei12134/monitor/pkg/core"
)

// Provider starts followers that stream lines appended to a file after the
// follower was opened.
type Provider struct {
	poll   bool
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithPoll makes followers poll the file instead of using inotify.
func WithPoll(poll bool) Option {
	return func(p *Provider) { p.poll = poll }
}

// New creates a new file tail provider.
func New(logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Follow opens path and starts streaming lines written from now on.
func (p *Provider) Follow(ctx context.Context, path string) (core.Follower, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := tail.TailFile(path, tail.Config{
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		MustExist: true,
		Follow:    true,
		Poll:      p.poll,
		Logger:    slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, core.ErrTargetUnavailable, err)
	}

	f := &follower{
		t:      t,
		lines:  make(chan string),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: p.logger.With("path", path),
	}
	go f.run()

	f.logger.Debug("tailing file", "poll", p.poll)
	return f, nil
}

type follower struct {
	t      *tail.Tail
	lines  chan string
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger

	once    sync.Once
	stopErr error

	mu  sync.Mutex
	err error
}

func (f *follower) run() {
	defer close(f.done)
	defer close(f.lines)

	for {
		select {
		case <-f.stop:
			return
		case line, ok := <-f.t.Lines:
			if !ok {
				// The tail goroutine closes Lines before it is marked dead.
				<-f.t.Dead()
				f.setErr(f.t.Err())
				return
			}
			if line.Err != nil {
				f.logger.Debug("tail notice", "err", line.Err)
				continue
			}
			select {
			case f.lines <- line.Text:
			case <-f.stop:
				return
			}
		}
	}
}

func (f *follower) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *follower) Lines() <-chan string {
	return f.lines
}

func (f *follower) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Stop kills the tail goroutine and releases its watch. It waits at most
// grace for the library to wind down.
func (f *follower) Stop(grace time.Duration) error {
	f.once.Do(func() {
		close(f.stop)
		<-f.done

		stopped := make(chan error, 1)
		go func() {
			err := f.t.Stop()
			f.t.Cleanup()
			stopped <- err
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case err := <-stopped:
			if err != nil && !errors.Is(err, tail.ErrStop) {
				f.stopErr = fmt.Errorf("stop tail %s: %w", f.t.Filename, err)
			}
		case <-timer.C:
			f.stopErr = fmt.Errorf("stop tail %s: not stopped after %s", f.t.Filename, grace)
		}
	})
	return f.stopErr
}
