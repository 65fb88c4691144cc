// Package watch runs the per-file pipelines and the supervisor that owns them.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ei12134/monitor/pkg/core"
)

// DefaultGrace is how long a follow stage gets to exit before it is forced.
const DefaultGrace = 2 * time.Second

// PipelineOptions tunes a pipeline.
type PipelineOptions struct {
	Grace  time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *PipelineOptions) withDefaults() {
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline pairs a follow stage with a filter stage for one target. Matching
// lines come out of Matches in file order.
type Pipeline struct {
	target   core.Target
	follower core.Follower
	filter   core.LineFilter
	opts     PipelineOptions
	logger   *slog.Logger

	matches    chan core.MatchRecord
	stop       chan struct{}
	filterDone chan struct{}
	done       chan struct{}

	stopOnce    sync.Once
	releaseOnce sync.Once

	// deliverMu is held across a sink write of one of this pipeline's
	// records; halted is set under it by Stop.
	deliverMu sync.Mutex
	halted    bool

	mu    sync.Mutex
	state core.PipelineState
	err   error
}

// StartPipeline starts following target.Path. If the follow stage cannot be
// created the error from the reader is returned as is.
func StartPipeline(ctx context.Context, target core.Target, reader core.FollowReader, filter core.LineFilter, opts PipelineOptions) (*Pipeline, error) {
	opts.withDefaults()

	follower, err := reader.Follow(ctx, target.Path)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		target:     target,
		follower:   follower,
		filter:     filter,
		opts:       opts,
		logger:     opts.Logger.With("target", target.ID.String(), "path", target.Path),
		matches:    make(chan core.MatchRecord),
		stop:       make(chan struct{}),
		filterDone: make(chan struct{}),
		done:       make(chan struct{}),
		state:      core.PipelineRunning,
	}
	go p.filterLoop()
	return p, nil
}

// ID returns the id of the followed target.
func (p *Pipeline) ID() core.TargetID { return p.target.ID }

// Target returns the followed target.
func (p *Pipeline) Target() core.Target { return p.target }

// Matches delivers match records. It is closed once the pipeline stops
// producing.
func (p *Pipeline) Matches() <-chan core.MatchRecord { return p.matches }

// Stopped is closed once Stop has been called.
func (p *Pipeline) Stopped() <-chan struct{} { return p.stop }

// Done is closed when the follow stage has fully ended.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle state.
func (p *Pipeline) State() core.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err reports why the pipeline ended on its own. It is nil while running and
// after Stop.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop halts the filter stage and terminates the follow stage in the
// background. A write already in progress through deliver finishes first;
// nothing of this pipeline is written after Stop returns. Calling Stop again
// is a no-op.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.deliverMu.Lock()
		p.halted = true
		p.deliverMu.Unlock()

		p.transition(core.PipelineStopping)
		close(p.stop)
		<-p.filterDone
		go p.release()
	})
}

// deliver calls emit unless the pipeline has been stopped. It reports
// whether emit ran.
func (p *Pipeline) deliver(emit func() error) (bool, error) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	if p.halted {
		return false, nil
	}
	return true, emit()
}

func (p *Pipeline) filterLoop() {
	ended := false
	defer func() {
		close(p.matches)
		close(p.filterDone)
		if ended {
			p.release()
		}
	}()

	lines := p.follower.Lines()
	for {
		select {
		case <-p.stop:
			return
		case line, ok := <-lines:
			if !ok {
				p.end(p.follower.Err())
				ended = true
				return
			}
			if !p.filter.Match(line) {
				continue
			}
			rec := core.MatchRecord{
				Time:     p.opts.Now(),
				TargetID: p.target.ID,
				Path:     p.target.Path,
				Line:     line,
			}
			select {
			case p.matches <- rec:
			case <-p.stop:
				return
			}
		}
	}
}

// end records why the follow stage closed without being asked to.
func (p *Pipeline) end(cause error) {
	err := core.ErrTargetRemoved
	if cause != nil {
		err = fmt.Errorf("%w: %w", core.ErrTargetRemoved, cause)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != core.PipelineRunning {
		return
	}
	p.err = err
}

func (p *Pipeline) release() {
	p.releaseOnce.Do(func() {
		if err := p.follower.Stop(p.opts.Grace); err != nil {
			p.logger.Warn("follow stage did not stop cleanly", "err", err)
		}
		p.transition(core.PipelineDone)
		close(p.done)
	})
}

func (p *Pipeline) transition(to core.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if core.CanTransition(p.state, to) {
		p.state = to
	}
}
