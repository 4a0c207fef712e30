// Package tui is the live per-task status display shown for `run`/
// `clean` when stdout is a TTY (SPEC_FULL §15). It replaces the
// teacher's chat/activity TUI loop with a tea.Model that renders
// scheduler bus events (SPEC_FULL §4.2 step 6): one row per
// in-flight or recently-completed task, colored by terminal status,
// plus a summary line once the run completes.
//
// Adapted from the teacher's internal/tui/tui.go (the tea.Program
// wiring, ctx-cancellation-races-p.Run shutdown race, and
// bestEffortResetTTY teardown) and internal/tui/activity.go (the
// rolling bounded-length item list with per-row age/duration
// rendering via lipgloss), repointed at bus.TaskStatusChangedEvent
// instead of a polled Snapshot and an ad hoc ActivityItem feed.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/cobble/internal/bus"
)

// maxRows bounds the visible task list the way activity.go bounded
// its feed; older completed rows scroll off so a run with hundreds of
// tasks doesn't grow the frame without bound.
const maxRows = 20

var (
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleSkip    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func statusStyle(status bus.TaskStatus) lipgloss.Style {
	switch status {
	case bus.StatusRunning:
		return styleRunning
	case bus.StatusOK:
		return styleOK
	case bus.StatusFail:
		return styleFail
	case bus.StatusBlocked:
		return styleBlocked
	case bus.StatusSkip:
		return styleSkip
	default:
		return styleDim
	}
}

type row struct {
	name      string
	status    bus.TaskStatus
	err       string
	startedAt time.Time
	doneAt    time.Time
}

type model struct {
	events <-chan bus.Event

	taskCount int
	rows      []row
	index     map[string]int

	done       bool
	ok, skip   int
	fail, blkd int
	duration   time.Duration
}

type eventMsg bus.Event
type tickMsg time.Time

func waitForEvent(ch <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tickCmd()
	case eventMsg:
		switch payload := bus.Event(msg).Payload.(type) {
		case bus.TaskStatusChangedEvent:
			m.applyStatus(payload)
		case bus.RunStartedEvent:
			m.taskCount = payload.TaskCount
		case bus.RunCompletedEvent:
			m.done = true
			m.ok, m.skip, m.fail, m.blkd = payload.OK, payload.Skipped, payload.Failed, payload.Blocked
			m.duration = time.Duration(payload.DurationMs) * time.Millisecond
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *model) applyStatus(ev bus.TaskStatusChangedEvent) {
	now := time.Now()
	if i, ok := m.index[ev.TaskName]; ok {
		m.rows[i].status = ev.Status
		m.rows[i].err = ev.Err
		if ev.Status != bus.StatusRunning {
			m.rows[i].doneAt = now
		}
		return
	}
	if m.index == nil {
		m.index = make(map[string]int)
	}
	m.rows = append(m.rows, row{name: ev.TaskName, status: ev.Status, startedAt: now})
	m.index[ev.TaskName] = len(m.rows) - 1
	if len(m.rows) > maxRows {
		dropped := m.rows[0].name
		m.rows = m.rows[1:]
		delete(m.index, dropped)
		for name, i := range m.index {
			m.index[name] = i - 1
		}
	}
}

func (m model) View() string {
	var out strings.Builder
	header := fmt.Sprintf("cobble run — %d/%d tasks", len(m.doneRows()), m.taskCount)
	out.WriteString(styleDim.Render(header) + "\n")

	for _, r := range m.rows {
		age := time.Since(r.startedAt)
		if !r.doneAt.IsZero() {
			age = r.doneAt.Sub(r.startedAt)
		}
		line := fmt.Sprintf("%-8s %s (%s)", r.status, r.name, age.Truncate(10*time.Millisecond))
		if r.err != "" {
			line += ": " + humanError(fmt.Errorf("%s", r.err))
		}
		out.WriteString(statusStyle(r.status).Render(line) + "\n")
	}

	if m.done {
		summary := fmt.Sprintf("\nOK %d  SKIP %d  FAIL %d  BLOCKED %d  (%s)", m.ok, m.skip, m.fail, m.blkd, m.duration.Truncate(time.Millisecond))
		out.WriteString(styleDim.Render(summary) + "\n")
	}
	return out.String()
}

func (m model) doneRows() []row {
	var done []row
	for _, r := range m.rows {
		if !r.doneAt.IsZero() {
			done = append(done, r)
		}
	}
	return done
}

// Run drives the live status display against b until the bus reports
// the run complete or ctx is cancelled. The scheduler's Run call and
// this display run concurrently: the caller subscribes b before
// invoking scheduler.Run and passes the subscription channel here.
func Run(ctx context.Context, events <-chan bus.Event) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(model{events: events})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
