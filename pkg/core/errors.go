package core

import "errors"

var (
	// ErrConfig covers bad arguments and invalid configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrTargetUnavailable means a target file could not be opened.
	ErrTargetUnavailable = errors.New("target unavailable")
	// ErrSpawn means a stage worker could not be created.
	ErrSpawn = errors.New("cannot spawn worker")
	// ErrTargetRemoved means a target's file went away during the run.
	ErrTargetRemoved = errors.New("target removed")
	// ErrStreamBroken means matches can no longer be delivered.
	ErrStreamBroken = errors.New("output stream broken")
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfig       = 2
	ExitSpawn        = 3
	ExitStreamBroken = 4
)

// ExitCode maps the error returned by a run to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig), errors.Is(err, ErrTargetUnavailable):
		return ExitConfig
	case errors.Is(err, ErrSpawn):
		return ExitSpawn
	case errors.Is(err, ErrStreamBroken):
		return ExitStreamBroken
	default:
		return ExitFailure
	}
}
