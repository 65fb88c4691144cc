package core

import (
	"context"
	"time"
)

// FollowReader starts a follow stage for a file.
type FollowReader interface {
	// Follow begins streaming lines appended to path from now on.
	// It fails with ErrTargetUnavailable if the file cannot be opened and
	// with ErrSpawn if the stage's worker cannot be created.
	Follow(ctx context.Context, path string) (Follower, error)
}

// Follower is a running follow stage.
type Follower interface {
	// Lines delivers appended lines in file order. It is closed when the
	// stage ends, either after Stop or because the file became unreadable.
	Lines() <-chan string

	// Err reports why Lines was closed. It is nil after Stop and for a file
	// that went away.
	Err() error

	// Stop terminates the stage. It is safe to call more than once. A stage
	// that has not exited after grace is forced.
	Stop(grace time.Duration) error
}

// LineFilter decides whether a line belongs in the output.
type LineFilter interface {
	Match(line string) bool
}
