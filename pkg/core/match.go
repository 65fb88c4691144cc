package core

import "time"

// MatchRecord is a single line that passed the filter stage of a pipeline.
type MatchRecord struct {
	Time     time.Time `json:"time"`
	TargetID TargetID  `json:"target_id"`
	Path     string    `json:"path"`
	Line     string    `json:"line"`
}
