package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ei12134/monitor/internal/buildinfo"
	"github.com/ei12134/monitor/internal/log"
	"github.com/ei12134/monitor/pkg/config"
	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/metrics"
	"github.com/ei12134/monitor/pkg/providers/filetail"
	"github.com/ei12134/monitor/pkg/providers/grep"
	"github.com/ei12134/monitor/pkg/providers/tailexec"
	"github.com/ei12134/monitor/pkg/transport/status"
	tuimodel "github.com/ei12134/monitor/pkg/tui/model"
	"github.com/ei12134/monitor/pkg/watch"
)

const usageLine = "Usage: monitor <seconds> <pattern> <file1> [file2 ...]"

func main() {
	// A closed stdout must surface as EPIPE rather than kill the process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, newRootCmd(os.Stdout, os.Stderr))
	stop()
	os.Exit(core.ExitCode(err))
}

type options struct {
	configPath   string
	match        string
	follow       string
	pollInterval time.Duration
	grace        time.Duration
	poll         bool
	watch        bool
	color        bool
	tui          bool
	statusAddr   string
	logLevel     string
	logFormat    string
	verbose      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "monitor <seconds> <pattern> <file1> [file2 ...]",
		Short: "Follow files and print lines matching a pattern",
		Long: "monitor follows every file like tail -f for the given number of seconds and prints\n" +
			"each new line containing pattern as: <timestamp> - <file> - \"<line>\".",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 3 {
				return fmt.Errorf("%w: expected at least 3 arguments, got %d", core.ErrConfig, len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts, args)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", core.ErrConfig, err)
	})

	envConfig := os.Getenv("MONITOR_CONFIG")
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", envConfig, "path to monitor.yaml (env MONITOR_CONFIG)")
	f.StringVar(&opts.match, "match", string(def.Match), "match mode: word or substring")
	f.StringVar(&opts.follow, "follow", def.Follow, "follow backend: tail or exec")
	f.DurationVar(&opts.pollInterval, "poll-interval", def.PollInterval, "how often to check that files still exist")
	f.DurationVar(&opts.grace, "grace", def.Grace, "time a follower gets to exit before it is killed")
	f.BoolVar(&opts.poll, "poll", def.Poll, "poll files instead of using inotify")
	f.BoolVar(&opts.watch, "watch", def.Watch, "react to file removal events between checks")
	f.BoolVar(&opts.color, "color", def.Color, "colorize timestamps and paths on a terminal")
	f.BoolVar(&opts.tui, "tui", false, "show matches in an interactive viewer")
	f.StringVar(&opts.statusAddr, "status-addr", def.StatusAddr, "serve /healthz and /metrics on this address")
	f.StringVar(&opts.logLevel, "log-level", def.LogLevel, "log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", def.LogFormat, "log format: text or json")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "shorthand for --log-level debug")

	return cmd
}

// execute runs cmd and reports its error on stderr, followed by the usage
// line for argument and configuration errors.
func execute(ctx context.Context, cmd *cobra.Command) error {
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "monitor: %v\n", err)
		if errors.Is(err, core.ErrConfig) {
			fmt.Fprintln(cmd.ErrOrStderr(), usageLine)
		}
	}
	return err
}

func run(cmd *cobra.Command, opts *options, args []string) error {
	seconds, err := parseSeconds(args[0])
	if err != nil {
		return err
	}
	pattern, files := args[1], args[2:]

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logOut := cmd.ErrOrStderr()
	if opts.tui {
		logOut = io.Discard
	}
	logger := log.New(log.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: logOut})

	ctx := log.ContextAttrs(cmd.Context(),
		slog.String("run_id", uuid.NewString()),
		slog.Int("pid", os.Getpid()),
	)

	filter, err := grep.New(cfg.Match, pattern)
	if err != nil {
		return err
	}

	var reader core.FollowReader
	switch cfg.Follow {
	case config.FollowExec:
		reader = tailexec.New(logger)
	default:
		reader = filetail.New(logger, filetail.WithPoll(cfg.Poll))
	}

	m := metrics.New()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	supOpts := watch.Options{
		Reader:       reader,
		Filter:       filter,
		Timeout:      seconds,
		PollInterval: cfg.PollInterval,
		Grace:        cfg.Grace,
		Watch:        cfg.Watch,
		Metrics:      m,
		Logger:       logger,
	}

	var tuiSink *tuimodel.Sink
	if opts.tui {
		tuiSink = tuimodel.NewSink()
		supOpts.Sink = tuiSink
	} else {
		supOpts.Sink = watch.NewWriterSink(cmd.OutOrStdout(), watch.WriterOptions{
			TimeLayout: cfg.TimeLayout,
			Color:      cfg.Color,
		})
	}
	sup := watch.NewSupervisor(supOpts)

	if cfg.StatusAddr != "" {
		srv := status.New(cfg.StatusAddr, sup, m, logger)
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("%w: status server: %w", core.ErrConfig, err)
		}
		srvCtx, stopSrv := context.WithCancel(ctx)
		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := srv.Serve(srvCtx); err != nil {
				logger.ErrorContext(ctx, "status server", "err", err)
			}
		}()
		defer func() {
			stopSrv()
			<-served
		}()
	}

	if tuiSink == nil {
		_, err := sup.Run(runCtx, files)
		return err
	}

	app := tuimodel.New(tuimodel.Config{
		Pattern:    pattern,
		Deadline:   time.Now().Add(seconds),
		TimeLayout: cfg.TimeLayout,
		Source:     sup,
		Cancel:     cancel,
	})
	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	tuiSink.Attach(program)
	return runTUI(runCtx, cancel, program, sup, files)
}

// runTUI runs the supervisor behind the viewer. The run ends the viewer and
// quitting the viewer cancels the run.
func runTUI(ctx context.Context, cancel context.CancelFunc, program *tea.Program, sup *watch.Supervisor, files []string) error {
	done := make(chan error, 1)
	go func() {
		sum, err := sup.Run(ctx, files)
		program.Send(tuimodel.DoneMsg{Reason: sum.Reason, Err: err})
		done <- err
	}()

	_, perr := program.Run()

	// The viewer may exit before the run (for example without a terminal).
	cancel()
	if err := <-done; err != nil {
		return err
	}
	if perr != nil && !errors.Is(perr, tea.ErrProgramKilled) {
		return fmt.Errorf("viewer: %w", perr)
	}
	return nil
}

func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return config.Config{}, err
	}

	f := cmd.Flags()
	if f.Changed("match") {
		cfg.Match = grep.Mode(opts.match)
	}
	if f.Changed("follow") {
		cfg.Follow = opts.follow
	}
	if f.Changed("poll-interval") {
		cfg.PollInterval = opts.pollInterval
	}
	if f.Changed("grace") {
		cfg.Grace = opts.grace
	}
	if f.Changed("poll") {
		cfg.Poll = opts.poll
	}
	if f.Changed("watch") {
		cfg.Watch = opts.watch
	}
	if f.Changed("color") {
		cfg.Color = opts.color
	}
	if f.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		return config.Config{}, fmt.Errorf("%w: %w", core.ErrConfig, errors.Join(errs...))
	}
	return cfg, nil
}

// parseSeconds accepts a positive decimal integer with nothing around it.
func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: seconds %q: %w", core.ErrConfig, s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: seconds must be greater than zero", core.ErrConfig)
	}
	if n > math.MaxInt64/uint64(time.Second) {
		return 0, fmt.Errorf("%w: seconds %d is too large", core.ErrConfig, n)
	}
	return time.Duration(n) * time.Second, nil
}
