package model

import (
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ei12134/monitor/pkg/core"
)

// Sink forwards match records to a running program.
type Sink struct {
	p atomic.Pointer[tea.Program]
}

// NewSink returns a sink with no program attached yet.
func NewSink() *Sink {
	return &Sink{}
}

// Attach sets the program that receives MatchMsg.
func (s *Sink) Attach(p *tea.Program) {
	s.p.Store(p)
}

// Emit hands rec to the program. Records are dropped while no program is
// attached and after it exits.
func (s *Sink) Emit(rec core.MatchRecord) error {
	if p := s.p.Load(); p != nil {
		p.Send(MatchMsg(rec))
	}
	return nil
}
