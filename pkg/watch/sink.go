package watch

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ei12134/monitor/pkg/core"
)

// DefaultTimeLayout is the local ISO-8601 layout used for match timestamps.
const DefaultTimeLayout = "2006-01-02T15:04:05"

// WriterOptions configures a WriterSink.
type WriterOptions struct {
	TimeLayout string
	Color      bool
}

// WriterSink writes one line per record:
//
//	<timestamp> - <path> - "<line>"
type WriterSink struct {
	w      io.Writer
	layout string
	color  bool

	tsStyle   lipgloss.Style
	pathStyle lipgloss.Style
}

// NewWriterSink returns a sink writing to w. Colors are only rendered when w
// is a terminal that supports them.
func NewWriterSink(w io.Writer, opts WriterOptions) *WriterSink {
	if opts.TimeLayout == "" {
		opts.TimeLayout = DefaultTimeLayout
	}
	r := lipgloss.NewRenderer(w)
	return &WriterSink{
		w:         w,
		layout:    opts.TimeLayout,
		color:     opts.Color,
		tsStyle:   r.NewStyle().Foreground(lipgloss.Color("245")),
		pathStyle: r.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	}
}

// Emit writes rec as a single line.
func (s *WriterSink) Emit(rec core.MatchRecord) error {
	_, err := io.WriteString(s.w, s.Format(rec)+"\n")
	return err
}

// Format renders rec without the trailing newline.
func (s *WriterSink) Format(rec core.MatchRecord) string {
	ts := rec.Time.Local().Format(s.layout)
	path := rec.Path
	if s.color {
		ts = s.tsStyle.Render(ts)
		path = s.pathStyle.Render(path)
	}
	return FormatLine(ts, path, rec.Line)
}

// FormatLine joins the three fields of an output line. Trailing line
// terminators are removed from line.
func FormatLine(ts, path, line string) string {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	var b strings.Builder
	b.Grow(len(ts) + len(path) + len(line) + 8)
	b.WriteString(ts)
	b.WriteString(" - ")
	b.WriteString(path)
	b.WriteString(` - "`)
	b.WriteString(line)
	b.WriteByte('"')
	return b.String()
}
