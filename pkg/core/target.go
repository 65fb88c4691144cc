package core

import "fmt"

// TargetID identifies a watched file. IDs are assigned 1..N in argument order.
type TargetID int

func (id TargetID) String() string {
	return fmt.Sprintf("target-%d", int(id))
}

// Target is one file the run was asked to watch.
type Target struct {
	ID    TargetID `json:"id"`
	Path  string   `json:"path"`
	Alive bool     `json:"alive"`
}

// PipelineState is the lifecycle state of a single target's pipeline.
type PipelineState string

const (
	PipelineRunning  PipelineState = "running"
	PipelineStopping PipelineState = "stopping"
	PipelineDone     PipelineState = "done"
)

// CanTransition reports whether a pipeline may move from one state to another.
// Pipelines only move forward: running -> stopping -> done, or running -> done
// when the follow stage ends on its own.
func CanTransition(from, to PipelineState) bool {
	switch from {
	case PipelineRunning:
		return to == PipelineStopping || to == PipelineDone
	case PipelineStopping:
		return to == PipelineDone
	default:
		return false
	}
}

// RunState is the supervisor's state.
type RunState string

const (
	RunInitializing RunState = "initializing"
	RunRunning      RunState = "running"
	RunShuttingDown RunState = "shutting-down"
	RunTerminated   RunState = "terminated"
)

// StopReason records what moved the supervisor out of the running state.
type StopReason string

const (
	ReasonNone         StopReason = ""
	ReasonDeadline     StopReason = "deadline"
	ReasonCancelled    StopReason = "cancelled"
	ReasonAllRetired   StopReason = "all-retired"
	ReasonStreamBroken StopReason = "stream-broken"
	ReasonSpawnFailed  StopReason = "spawn-failed"
	ReasonConfig       StopReason = "config"
)
