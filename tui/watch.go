package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/schemas"
)

const maxLines = 20

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	finishedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type WatchOptions struct {
	// TaskID limits the view to one task. Empty shows every task of the owner.
	TaskID string
	// UntilDone quits once TaskID completes or fails.
	UntilDone bool
}

type eventMsg schemas.Event

type streamClosedMsg struct{}

type watchModel struct {
	events  <-chan schemas.Event
	opts    WatchOptions
	spinner spinner.Model
	lines   []string
	status  string
	done    bool
}

// Watch renders events until the user quits, the stream ends, or the watched
// task settles.
func Watch(events <-chan schemas.Event, opts WatchOptions) error {
	_, err := tea.NewProgram(newWatchModel(events, opts)).Run()
	return err
}

func newWatchModel(events <-chan schemas.Event, opts WatchOptions) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return watchModel{events: events, opts: opts, spinner: s}
}

func waitForEvent(events <-chan schemas.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(event)
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		}
	case eventMsg:
		event := schemas.Event(msg)
		if m.opts.TaskID != "" && event.TaskID != m.opts.TaskID {
			return m, waitForEvent(m.events)
		}
		m.lines = append(m.lines, FormatEvent(event, true))
		if len(m.lines) > maxLines {
			m.lines = m.lines[len(m.lines)-maxLines:]
		}
		m.status = event.Status
		if m.opts.UntilDone && Settled(event) {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.done = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	title := "Watching all tasks"
	if m.opts.TaskID != "" {
		title = "Watching task " + m.opts.TaskID
	}
	lines := []string{titleStyle.Render(title), ""}
	if len(m.lines) == 0 {
		lines = append(lines, mutedStyle.Render("no events yet"))
	}
	lines = append(lines, m.lines...)
	lines = append(lines, "")
	if m.done {
		lines = append(lines, mutedStyle.Render("stream closed"))
	} else {
		footer := m.spinner.View() + " waiting for events"
		if m.status != "" {
			footer += " (last status: " + m.status + ")"
		}
		lines = append(lines, footer, mutedStyle.Render("q: quit"))
	}
	return strings.Join(lines, "\n") + "\n"
}

// Settled reports whether event leaves its task with nothing in flight.
func Settled(event schemas.Event) bool {
	return event.Type == notify.EventSegmentFailed || event.Status == "completed"
}

// FormatEvent renders one event as a single line, styled when color is set.
func FormatEvent(event schemas.Event, color bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s segment %d %s", event.TaskID, event.SegmentID, event.Type)
	if event.Status != "" {
		fmt.Fprintf(&b, " status=%s", event.Status)
	}
	if len(event.Resources) > 0 {
		fmt.Fprintf(&b, " resources=%d", len(event.Resources))
	}
	if event.Error != "" {
		fmt.Fprintf(&b, " error=%q", event.Error)
	}
	line := b.String()
	if !color {
		return line
	}
	if event.Type == notify.EventSegmentFailed {
		return failedStyle.Render(line)
	}
	return finishedStyle.Render(line)
}
