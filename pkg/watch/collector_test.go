package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ei12134/monitor/pkg/core"
)

func TestFormatLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"ERROR disk full", `ts - /var/log/a.log - "ERROR disk full"`},
		{"ERROR crlf\r\n", `ts - /var/log/a.log - "ERROR crlf"`},
		{"ERROR lf\n", `ts - /var/log/a.log - "ERROR lf"`},
		{`say "hi"`, `ts - /var/log/a.log - "say "hi""`},
		{"", `ts - /var/log/a.log - ""`},
	}
	for _, tt := range tests {
		if got := FormatLine("ts", "/var/log/a.log", tt.line); got != tt.want {
			t.Errorf("FormatLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, WriterOptions{})

	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	require.NoError(t, s.Emit(core.MatchRecord{Time: ts, TargetID: 1, Path: "app.log", Line: "ERROR boom"}))
	require.NoError(t, s.Emit(core.MatchRecord{Time: ts, TargetID: 2, Path: "db.log", Line: "ERROR again"}))

	require.Equal(t,
		"2024-03-09T14:05:07 - app.log - \"ERROR boom\"\n"+
			"2024-03-09T14:05:07 - db.log - \"ERROR again\"\n",
		buf.String())
}

func TestWriterSinkColorOnPlainWriter(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, WriterOptions{Color: true, TimeLayout: time.Kitchen})

	ts := time.Date(2024, 3, 9, 14, 5, 0, 0, time.Local)
	require.NoError(t, s.Emit(core.MatchRecord{Time: ts, Path: "app.log", Line: "x"}))
	require.Equal(t, "2:05PM - app.log - \"x\"\n", buf.String())
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestWriterSinkError(t *testing.T) {
	s := NewWriterSink(failingWriter{syscall.EPIPE}, WriterOptions{})
	err := s.Emit(core.MatchRecord{Path: "a", Line: "b"})
	require.ErrorIs(t, err, syscall.EPIPE)
}

func TestCollectorMergesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newFakeReader()
	sink := newFakeSink()
	c := NewCollector(sink, CollectorOptions{})

	var pipes []*Pipeline
	for i, path := range []string{"a.log", "b.log"} {
		p, err := StartPipeline(t.Context(), core.Target{ID: core.TargetID(i + 1), Path: path}, reader, prefixFilter("ERROR"), PipelineOptions{})
		require.NoError(t, err)
		c.Add(p)
		pipes = append(pipes, p)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	fa, fb := reader.follower(t, "a.log"), reader.follower(t, "b.log")
	for i := range 5 {
		fa.push(t, fmt.Sprintf("ERROR a%d", i))
		fb.push(t, fmt.Sprintf("ERROR b%d", i))
	}

	var gotA, gotB []string
	for range 10 {
		rec := sink.next(t)
		switch rec.Path {
		case "a.log":
			gotA = append(gotA, rec.Line)
		case "b.log":
			gotB = append(gotB, rec.Line)
		}
	}
	require.Equal(t, []string{"ERROR a0", "ERROR a1", "ERROR a2", "ERROR a3", "ERROR a4"}, gotA)
	require.Equal(t, []string{"ERROR b0", "ERROR b1", "ERROR b2", "ERROR b3", "ERROR b4"}, gotB)
	require.Equal(t, int64(10), c.Emitted())

	for _, p := range pipes {
		p.Stop()
	}
	cancel()
	require.NoError(t, <-done)
	for _, p := range pipes {
		waitClosed(t, p.Done(), "done")
	}
}

func TestCollectorReportsExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newFakeReader()
	c := NewCollector(newFakeSink(), CollectorOptions{})
	p, err := StartPipeline(t.Context(), core.Target{ID: 7, Path: "gone.log"}, reader, prefixFilter("ERROR"), PipelineOptions{})
	require.NoError(t, err)
	c.Add(p)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	reader.follower(t, "gone.log").finish(nil)

	select {
	case ex := <-c.Exits():
		require.Equal(t, core.TargetID(7), ex.ID)
		require.ErrorIs(t, ex.Err, core.ErrTargetRemoved)
	case <-time.After(2 * time.Second):
		t.Fatal("no exit reported")
	}

	cancel()
	require.NoError(t, <-done)
	waitClosed(t, p.Done(), "done")
}

func TestCollectorBrokenSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newFakeReader()
	sink := newFakeSink()
	sink.err = syscall.EPIPE
	var emitted int
	c := NewCollector(sink, CollectorOptions{OnEmit: func(core.MatchRecord) { emitted++ }})

	p, err := StartPipeline(t.Context(), core.Target{ID: 1, Path: "a.log"}, reader, prefixFilter("ERROR"), PipelineOptions{})
	require.NoError(t, err)
	c.Add(p)

	done := make(chan error, 1)
	go func() { done <- c.Run(t.Context()) }()

	reader.follower(t, "a.log").push(t, "ERROR x")

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrStreamBroken)
		require.True(t, errors.Is(err, syscall.EPIPE))
	case <-time.After(2 * time.Second):
		t.Fatal("collector kept running after write failure")
	}
	require.Zero(t, emitted)
	require.Zero(t, c.Emitted())

	p.Stop()
	waitClosed(t, p.Done(), "done")
}

// gatedSink holds every Emit until release is closed.
type gatedSink struct {
	entered chan string
	release chan struct{}

	mu    sync.Mutex
	lines []string
}

func (s *gatedSink) Emit(rec core.MatchRecord) error {
	s.entered <- rec.Line
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, rec.Line)
	return nil
}

func (s *gatedSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestCollectorNothingWrittenAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newFakeReader()
	sink := &gatedSink{entered: make(chan string, 4), release: make(chan struct{})}
	c := NewCollector(sink, CollectorOptions{})

	p, err := StartPipeline(t.Context(), core.Target{ID: 1, Path: "a.log"}, reader, prefixFilter("ERROR"), PipelineOptions{})
	require.NoError(t, err)
	c.Add(p)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	f := reader.follower(t, "a.log")
	f.push(t, "ERROR one")
	select {
	case line := <-sink.entered:
		require.Equal(t, "ERROR one", line)
	case <-time.After(2 * time.Second):
		t.Fatal("first record never reached the sink")
	}
	// The second record is in flight while the sink is still busy.
	f.push(t, "ERROR two")

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a write was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	waitClosed(t, stopped, "stop")
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, []string{"ERROR one"}, sink.Lines())
	require.Equal(t, int64(1), c.Emitted())

	cancel()
	require.NoError(t, <-done)
	waitClosed(t, p.Done(), "done")
}
