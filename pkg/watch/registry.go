package watch

import (
	"sync"

	"github.com/ei12134/monitor/pkg/core"
)

// Registry tracks every target of a run and the pipeline attached to it.
// All mutation is serialized by its mutex; callers only ever see copies.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	byID    map[core.TargetID]*entry
	active  int
	empty   chan struct{}
	closed  bool
}

type entry struct {
	target   core.Target
	pipeline *Pipeline
	cause    error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[core.TargetID]*entry),
		empty: make(chan struct{}),
	}
}

// Add registers path as a live target. Ids are assigned from 1 in call order.
func (r *Registry) Add(path string) core.Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := core.Target{ID: core.TargetID(len(r.entries) + 1), Path: path, Alive: true}
	e := &entry{target: t}
	r.entries = append(r.entries, e)
	r.byID[t.ID] = e
	r.active++
	return t
}

// Attach records the pipeline following target id.
func (r *Registry) Attach(id core.TargetID, p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.pipeline = p
	}
}

// Active returns the live targets in insertion order.
func (r *Registry) Active() []core.Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.Target, 0, r.active)
	for _, e := range r.entries {
		if e.target.Alive {
			out = append(out, e.target)
		}
	}
	return out
}

// Targets returns every target, live or retired.
func (r *Registry) Targets() []core.Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.Target, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.target
	}
	return out
}

// ActiveCount returns the number of live targets.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Cause returns the error a target was retired with.
func (r *Registry) Cause(id core.TargetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		return e.cause
	}
	return nil
}

// Retire marks target id as no longer alive. Only the first call for an id
// reports true, together with the pipeline that was attached to it.
func (r *Registry) Retire(id core.TargetID, cause error) (*Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || !e.target.Alive {
		return nil, false
	}
	e.target.Alive = false
	e.cause = cause
	r.active--
	r.signalEmpty()
	return e.pipeline, true
}

// Drain retires every remaining target and returns their pipelines.
func (r *Registry) Drain() []*Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Pipeline
	for _, e := range r.entries {
		if !e.target.Alive {
			continue
		}
		e.target.Alive = false
		r.active--
		if e.pipeline != nil {
			out = append(out, e.pipeline)
		}
	}
	r.signalEmpty()
	return out
}

// Empty is closed once no live target remains.
func (r *Registry) Empty() <-chan struct{} {
	return r.empty
}

func (r *Registry) signalEmpty() {
	if r.active == 0 && !r.closed {
		r.closed = true
		close(r.empty)
	}
}
