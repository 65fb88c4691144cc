package model

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/watch"
)

// MaxRecords is how many matches the viewer keeps.
const MaxRecords = 1000

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
)

// Source reports the state of the run being shown.
type Source interface {
	State() core.RunState
	Counts() (active, total int)
}

// Config describes the run the viewer is attached to.
type Config struct {
	Pattern    string
	Deadline   time.Time
	TimeLayout string
	Source     Source
	// Cancel stops the run. The viewer quits once DoneMsg arrives.
	Cancel context.CancelFunc
}

// App is the root Bubble Tea model.
type App struct {
	cfg Config

	// State
	records []core.MatchRecord
	state   core.RunState
	active  int
	total   int
	now     time.Time
	paused  bool
	done    bool

	// UI
	mode     Mode
	search   textinput.Model
	viewport viewport.Model
	width    int
	height   int

	statusMsg string
}

// New creates a new viewer model.
func New(cfg Config) App {
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = watch.DefaultTimeLayout
	}
	si := textinput.New()
	si.Placeholder = "filter..."
	si.CharLimit = 64

	return App{
		cfg:      cfg,
		state:    core.RunInitializing,
		now:      time.Now(),
		search:   si,
		viewport: viewport.New(0, 0),
	}
}

// Init starts the refresh ticker.
func (a App) Init() tea.Cmd {
	return tea.Batch(tickCmd(), tea.SetWindowTitle("monitor "+a.cfg.Pattern))
}

// MatchMsg carries a record written by the collector.
type MatchMsg core.MatchRecord

// DoneMsg reports that the run has finished.
type DoneMsg struct {
	Reason core.StopReason
	Err    error
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)
		a.refreshViewport()
		return a, nil

	case tickMsg:
		a.now = time.Time(msg)
		a.refreshCounts()
		if a.done {
			return a, nil
		}
		return a, tickCmd()

	case MatchMsg:
		a.records = append(a.records, core.MatchRecord(msg))
		if len(a.records) > MaxRecords {
			a.records = a.records[len(a.records)-MaxRecords:]
		}
		if !a.paused {
			a.refreshViewport()
		}
		return a, nil

	case DoneMsg:
		a.done = true
		a.refreshCounts()
		a.state = core.RunTerminated
		a.statusMsg = "finished: " + string(msg.Reason)
		if msg.Err != nil {
			a.statusMsg = "error: " + msg.Err.Error()
		}
		return a, tea.Quit

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			a.refreshViewport()
			return a, cmd
		}
		a.refreshViewport()
		return a, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if a.cfg.Cancel != nil {
			a.cfg.Cancel()
		}
		a.statusMsg = "stopping..."
		return a, nil

	case " ":
		a.paused = !a.paused
		if !a.paused {
			a.refreshViewport()
		}
		return a, nil

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) refreshCounts() {
	if a.cfg.Source == nil {
		return
	}
	a.state = a.cfg.Source.State()
	a.active, a.total = a.cfg.Source.Counts()
}

func (a *App) refreshViewport() {
	atBottom := a.viewport.AtBottom() || a.viewport.TotalLineCount() == 0
	a.viewport.SetContent(a.renderRecords())
	if atBottom {
		a.viewport.GotoBottom()
	}
}

func (a App) filteredRecords() []core.MatchRecord {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.records
	}
	var filtered []core.MatchRecord
	for _, rec := range a.records {
		if strings.Contains(strings.ToLower(rec.Line), q) ||
			strings.Contains(strings.ToLower(rec.Path), q) {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}
