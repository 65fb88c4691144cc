package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ei12134/monitor/pkg/core"
)

// Sink receives merged match records. Emit is only ever called from one
// goroutine at a time.
type Sink interface {
	Emit(rec core.MatchRecord) error
}

// PipelineExit reports a pipeline whose match stream closed.
type PipelineExit struct {
	ID  core.TargetID
	Err error
}

// delivery is a record on its way from a forwarder to the sink.
type delivery struct {
	p   *Pipeline
	rec core.MatchRecord
}

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	// OnEmit is called after every successful write.
	OnEmit func(rec core.MatchRecord)
	Logger *slog.Logger
}

// Collector merges the match streams of all pipelines into one sink. Records
// of a single pipeline keep their order; records of different pipelines are
// written in arrival order.
type Collector struct {
	sink   Sink
	opts   CollectorOptions
	logger *slog.Logger

	merged chan delivery
	exits  chan PipelineExit
	quit   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	stopped   bool
	closeOnce sync.Once

	emitted atomic.Int64
}

// NewCollector creates a collector writing to sink.
func NewCollector(sink Sink, opts CollectorOptions) *Collector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		sink:   sink,
		opts:   opts,
		logger: opts.Logger,
		merged: make(chan delivery),
		exits:  make(chan PipelineExit),
		quit:   make(chan struct{}),
	}
}

// Add starts forwarding the matches of p.
func (c *Collector) Add(p *Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.wg.Add(1)
	go c.forward(p)
}

// Exits delivers one PipelineExit per pipeline whose match stream closed
// while the collector was running.
func (c *Collector) Exits() <-chan PipelineExit {
	return c.exits
}

// Emitted returns the number of records written so far.
func (c *Collector) Emitted() int64 {
	return c.emitted.Load()
}

// Run writes merged records to the sink until ctx is cancelled or a write
// fails. A failed write is reported as ErrStreamBroken. Records of a
// pipeline that has been stopped are dropped.
func (c *Collector) Run(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.merged:
			written, err := d.p.deliver(func() error { return c.sink.Emit(d.rec) })
			if err != nil {
				return fmt.Errorf("%w: %w", core.ErrStreamBroken, err)
			}
			if !written {
				c.logger.Debug("dropping match of stopped pipeline", "target", d.rec.TargetID.String())
				continue
			}
			c.emitted.Add(1)
			if c.opts.OnEmit != nil {
				c.opts.OnEmit(d.rec)
			}
		}
	}
}

// Close stops every forwarder and waits for them. Run calls it on return;
// it only needs calling directly when Run was never started.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		close(c.quit)
		c.wg.Wait()
	})
}

func (c *Collector) forward(p *Pipeline) {
	defer c.wg.Done()

	matches := p.Matches()
	stopped := p.Stopped()
	for {
		select {
		case <-c.quit:
			return
		case rec, ok := <-matches:
			if !ok {
				select {
				case c.exits <- PipelineExit{ID: p.ID(), Err: p.Err()}:
				case <-c.quit:
				}
				return
			}
			select {
			case c.merged <- delivery{p: p, rec: rec}:
			case <-stopped:
				// Matches closes shortly; keep reading until it does.
			case <-c.quit:
				c.logger.Debug("dropping match after shutdown", "target", rec.TargetID.String())
				return
			}
		}
	}
}
