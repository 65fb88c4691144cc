package config

import (
	"fmt"
	"time"

	"github.com/ei12134/monitor/internal/log"
	"github.com/ei12134/monitor/pkg/providers/grep"
)

// Validate checks the configuration for correctness.
func Validate(c Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	switch c.Match {
	case grep.ModeWord, grep.ModeSubstring:
	default:
		errs = append(errs, fmt.Errorf("match must be word or substring; got %q", c.Match))
	}

	switch c.Follow {
	case FollowTail, FollowExec:
	default:
		errs = append(errs, fmt.Errorf("follow must be tail or exec; got %q", c.Follow))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.Grace <= 0 {
		errs = append(errs, fmt.Errorf("grace must be positive, got %s", c.Grace))
	}

	// A layout without any reference element formats to itself.
	if c.TimeLayout == "" || time.Unix(0, 0).Format(c.TimeLayout) == c.TimeLayout {
		errs = append(errs, fmt.Errorf("time_layout %q has no time elements", c.TimeLayout))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json; got %q", c.LogFormat))
	}

	return errs
}
