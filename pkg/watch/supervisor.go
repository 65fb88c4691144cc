package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/metrics"
)

// Retirement reasons used as metric labels.
const (
	retireMissing = "missing"
	retireEnded   = "stream-ended"
)

// Options configures a Supervisor.
type Options struct {
	Reader core.FollowReader
	Filter core.LineFilter
	Sink   Sink

	Timeout      time.Duration
	PollInterval time.Duration
	Grace        time.Duration
	Watch        bool

	// Stat is passed to the liveness monitor.
	Stat func(name string) (fs.FileInfo, error)
	// Notify reports service state to the init system. Defaults to sd_notify.
	Notify func(state string)
	// OnState is called on every run state change.
	OnState func(core.RunState)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Summary describes a finished run.
type Summary struct {
	Reason  core.StopReason `json:"reason"`
	Started time.Time       `json:"started"`
	Stopped time.Time       `json:"stopped"`
	Targets int             `json:"targets"`
	Retired int             `json:"retired"`
	Matches int64           `json:"matches"`
}

// Supervisor owns a run: it starts one pipeline per file, watches for the
// end conditions and tears everything down exactly once.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	state    core.RunState
	registry *Registry
	retired  int
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Notify == nil {
		opts.Notify = func(state string) { _, _ = daemon.SdNotify(false, state) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		state:  core.RunInitializing,
	}
}

// State returns the current run state.
func (s *Supervisor) State() core.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counts returns the number of live targets and of all targets.
func (s *Supervisor) Counts() (active, total int) {
	s.mu.Lock()
	r := s.registry
	s.mu.Unlock()
	if r == nil {
		return 0, 0
	}
	return r.ActiveCount(), len(r.Targets())
}

func (s *Supervisor) setState(st core.RunState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.logger.Debug("run state", "state", string(st))
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

// Run follows paths until the timeout expires, ctx is cancelled, every
// target is retired or the sink fails. Only a broken sink or a startup
// failure yields an error.
func (s *Supervisor) Run(ctx context.Context, paths []string) (Summary, error) {
	sum := Summary{Started: time.Now(), Targets: len(paths)}
	s.setState(core.RunInitializing)

	fail := func(reason core.StopReason, err error) (Summary, error) {
		sum.Reason = reason
		sum.Stopped = time.Now()
		s.setState(core.RunTerminated)
		return sum, err
	}

	if err := s.validate(paths); err != nil {
		return fail(core.ReasonConfig, err)
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return fail(core.ReasonConfig, fmt.Errorf("%w: %w", core.ErrTargetUnavailable, err))
		}
		f.Close()
	}

	runCtx, cancelRun := context.WithDeadline(ctx, sum.Started.Add(s.opts.Timeout))
	defer cancelRun()

	registry := NewRegistry()
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()

	collector := NewCollector(s.opts.Sink, CollectorOptions{
		OnEmit: func(rec core.MatchRecord) { s.opts.Metrics.ObserveMatch(rec.Path) },
		Logger: s.logger,
	})

	targets := make([]core.Target, 0, len(paths))
	for _, path := range paths {
		targets = append(targets, registry.Add(path))
	}

	var pipelines []*Pipeline
	for _, t := range targets {
		p, err := StartPipeline(runCtx, t, s.opts.Reader, s.opts.Filter, PipelineOptions{
			Grace:  s.opts.Grace,
			Logger: s.logger,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "start pipeline", "target", t.ID.String(), "path", t.Path, "err", err)
			registry.Drain()
			s.stopAll(ctx, pipelines)
			collector.Close()
			reason := core.ReasonConfig
			if errors.Is(err, core.ErrSpawn) {
				reason = core.ReasonSpawnFailed
			}
			return fail(reason, fmt.Errorf("start %s: %w", t.Path, err))
		}
		registry.Attach(t.ID, p)
		collector.Add(p)
		pipelines = append(pipelines, p)
		s.opts.Metrics.PipelineStarted()
	}
	s.opts.Metrics.SetActive(registry.ActiveCount())

	// Workers outlive the run deadline so that shutdown can stop pipelines
	// before the collector goes away.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	g, gctx := errgroup.WithContext(workCtx)

	sinkErr := make(chan error, 1)
	g.Go(func() error {
		err := collector.Run(gctx)
		if err != nil {
			sinkErr <- err
		}
		return err
	})

	monitor := NewLivenessMonitor(registry, LivenessOptions{
		Interval: s.opts.PollInterval,
		Stat:     s.opts.Stat,
		Retire:   func(id core.TargetID, cause error) { s.retire(ctx, registry, id, cause, retireMissing) },
		Watch:    s.opts.Watch,
		Logger:   s.logger,
	})
	g.Go(func() error { return monitor.Run(gctx) })

	s.opts.Notify(daemon.SdNotifyReady)
	s.setState(core.RunRunning)
	s.logger.InfoContext(ctx, "monitoring started", "targets", len(targets), "timeout", s.opts.Timeout)

	var runErr error
loop:
	for {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				sum.Reason = core.ReasonCancelled
			} else {
				sum.Reason = core.ReasonDeadline
			}
			break loop
		case <-registry.Empty():
			sum.Reason = core.ReasonAllRetired
			break loop
		case err := <-sinkErr:
			sum.Reason = core.ReasonStreamBroken
			runErr = err
			break loop
		case ex := <-collector.Exits():
			s.retire(ctx, registry, ex.ID, ex.Err, retireEnded)
		}
	}

	s.setState(core.RunShuttingDown)
	s.opts.Notify(daemon.SdNotifyStopping)
	s.logger.InfoContext(ctx, "shutting down", "reason", string(sum.Reason))

	drained := registry.Drain()
	s.logger.DebugContext(ctx, "stopping pipelines", "live", len(drained), "total", len(pipelines))
	s.stopAll(ctx, pipelines)
	s.opts.Metrics.SetActive(0)

	cancelWork()
	_ = g.Wait()

	s.mu.Lock()
	sum.Retired = s.retired
	s.mu.Unlock()
	sum.Matches = collector.Emitted()
	sum.Stopped = time.Now()

	s.setState(core.RunTerminated)
	s.logger.InfoContext(ctx, "monitoring finished",
		"reason", string(sum.Reason),
		"duration", sum.Stopped.Sub(sum.Started).Round(time.Millisecond),
		"targets", sum.Targets,
		"retired", sum.Retired,
		"matches", sum.Matches,
	)
	return sum, runErr
}

func (s *Supervisor) validate(paths []string) error {
	var errs []error
	if len(paths) == 0 {
		errs = append(errs, errors.New("no files to monitor"))
	}
	if s.opts.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if s.opts.Reader == nil || s.opts.Filter == nil || s.opts.Sink == nil {
		errs = append(errs, errors.New("reader, filter and sink are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// retire takes a target out of the run. Both the liveness monitor and
// pipeline exits land here; only the first call per target has an effect.
func (s *Supervisor) retire(ctx context.Context, r *Registry, id core.TargetID, cause error, reason string) {
	p, ok := r.Retire(id, cause)
	if !ok {
		return
	}
	if p != nil {
		p.Stop()
	}

	s.mu.Lock()
	s.retired++
	s.mu.Unlock()

	attrs := []any{"target", id.String(), "reason", reason, "remaining", r.ActiveCount()}
	if p != nil {
		attrs = append(attrs, "path", p.Target().Path)
	}
	if cause != nil {
		attrs = append(attrs, "err", cause)
	}
	s.logger.InfoContext(ctx, "target retired", attrs...)

	s.opts.Metrics.Retired(reason)
	s.opts.Metrics.SetActive(r.ActiveCount())
}

// stopAll stops every pipeline and waits, bounded by grace plus one second,
// for their follow stages to end.
func (s *Supervisor) stopAll(ctx context.Context, pipelines []*Pipeline) {
	for _, p := range pipelines {
		p.Stop()
	}

	timer := time.NewTimer(s.opts.Grace + time.Second)
	defer timer.Stop()
	for _, p := range pipelines {
		select {
		case <-p.Done():
		case <-timer.C:
			s.logger.WarnContext(ctx, "pipeline did not finish in time", "target", p.ID().String(), "path", p.Target().Path)
			// The timer has fired; check the rest without waiting.
			for _, rest := range pipelines {
				select {
				case <-rest.Done():
				default:
					if rest != p {
						s.logger.WarnContext(ctx, "pipeline did not finish in time", "target", rest.ID().String(), "path", rest.Target().Path)
					}
				}
			}
			return
		}
	}
}
