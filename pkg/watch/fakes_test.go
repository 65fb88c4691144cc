package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ei12134/monitor/pkg/core"
)

type fakeReader struct {
	mu        sync.Mutex
	followers map[string]*fakeFollower
	fail      map[string]error
	calls     int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		followers: make(map[string]*fakeFollower),
		fail:      make(map[string]error),
	}
}

func (r *fakeReader) Follow(_ context.Context, path string) (core.Follower, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err := r.fail[path]; err != nil {
		return nil, err
	}
	f := &fakeFollower{
		in:   make(chan string),
		out:  make(chan string),
		stop: make(chan struct{}),
		end:  make(chan error, 1),
	}
	go f.run()
	r.followers[path] = f
	return f, nil
}

func (r *fakeReader) follower(t *testing.T, path string) *fakeFollower {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.followers[path]
	if !ok {
		t.Fatalf("no follower for %s", path)
	}
	return f
}

func (r *fakeReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeFollower hands lines pushed by a test to the pipeline.
type fakeFollower struct {
	in   chan string
	out  chan string
	stop chan struct{}
	end  chan error

	once  sync.Once
	stops atomic.Int32

	mu  sync.Mutex
	err error
}

func (f *fakeFollower) run() {
	defer close(f.out)
	for {
		select {
		case <-f.stop:
			return
		case err := <-f.end:
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			return
		case line := <-f.in:
			select {
			case f.out <- line:
			case <-f.stop:
				return
			}
		}
	}
}

func (f *fakeFollower) push(t *testing.T, line string) {
	t.Helper()
	select {
	case f.in <- line:
	case <-time.After(2 * time.Second):
		t.Errorf("push %q: follower not reading", line)
	}
}

// finish ends the follower as if its file went away.
func (f *fakeFollower) finish(err error) {
	f.end <- err
}

func (f *fakeFollower) Lines() <-chan string { return f.out }

func (f *fakeFollower) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeFollower) Stop(time.Duration) error {
	f.stops.Add(1)
	f.once.Do(func() { close(f.stop) })
	return nil
}

// prefixFilter matches lines starting with its value.
type prefixFilter string

func (p prefixFilter) Match(line string) bool {
	return len(line) >= len(p) && line[:len(p)] == string(p)
}

type fakeSink struct {
	mu      sync.Mutex
	records []core.MatchRecord
	err     error
	emitted chan core.MatchRecord
}

func newFakeSink() *fakeSink {
	return &fakeSink{emitted: make(chan core.MatchRecord, 64)}
}

func (s *fakeSink) Emit(rec core.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	select {
	case s.emitted <- rec:
	default:
	}
	return nil
}

func (s *fakeSink) Records() []core.MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.MatchRecord(nil), s.records...)
}

func (s *fakeSink) next(t *testing.T) core.MatchRecord {
	t.Helper()
	select {
	case rec := <-s.emitted:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record emitted")
		return core.MatchRecord{}
	}
}

func tempFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%d.log", i+1))
		if err := os.WriteFile(paths[i], nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func waitClosed[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("%s not closed", what)
		}
	}
}
