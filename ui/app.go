// Package ui is the operator dashboard: a small fullscreen terminal view of
// collector health, pipeline counters and recent alarms.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/intellimaint/edge/engine"
	"github.com/intellimaint/edge/model"
)

// Page identifies the current screen.
type Page int

const (
	PageCollectors Page = iota
	PagePipeline
	PageAlarms
	pageCount
)

var pageNames = []string{"Collectors", "Pipeline", "Alarms"}

type tickMsg time.Time

// Model is the bubbletea model over a running engine.
type Model struct {
	eng    *engine.Engine
	stats  engine.Stats
	page   Page
	width  int
	height int
}

// NewModel builds the dashboard model.
func NewModel(eng *engine.Engine) Model {
	return Model{eng: eng, stats: eng.Stats()}
}

// Run drives the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, eng *engine.Engine) error {
	p := tea.NewProgram(NewModel(eng), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err == tea.ErrProgramKilled && ctx.Err() != nil {
		return nil // shutdown from outside, not a dashboard failure
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.stats = m.eng.Stats()
		return m, tick()
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "1":
			m.page = PageCollectors
		case "2":
			m.page = PagePipeline
		case "3":
			m.page = PageAlarms
		case "tab", "right":
			m.page = (m.page + 1) % pageCount
		case "left":
			m.page = (m.page + pageCount - 1) % pageCount
		}
	}
	return m, nil
}

func (m Model) View() string {
	var body string
	switch m.page {
	case PagePipeline:
		body = m.viewPipeline()
	case PageAlarms:
		body = m.viewAlarms()
	default:
		body = m.viewCollectors()
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.header(), body, m.footer())
}

func (m Model) header() string {
	var tabs []string
	for i, name := range pageNames {
		label := fmt.Sprintf(" %d %s ", i+1, name)
		if Page(i) == m.page {
			tabs = append(tabs, titleStyle.Render(label))
		} else {
			tabs = append(tabs, labelStyle.Render(label))
		}
	}
	status := fmt.Sprintf("rules %d | windows %d | queue %d",
		m.stats.RulesLoaded, m.stats.Windows, m.stats.Queue.Depth)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("imedge"), "  ",
		strings.Join(tabs, ""), "  ",
		labelStyle.Render(status))
}

func (m Model) footer() string {
	return helpStyle.Render(" 1-3/tab switch page • q quit")
}

func (m Model) viewCollectors() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-12s %6s %8s %8s %6s  %s\n",
		"ENDPOINT", "PROTO", "STATE", "CONNS", "AVG MS", "P95 MS", "TAGS", "LAST ERROR")
	for _, h := range m.stats.Collectors {
		state := stateStyle(h.State).Render(h.State.String())
		fmt.Fprintf(&b, "%-20s %-10s %-21s %6d %8.1f %8.1f %3d/%-3d  %s\n",
			h.EndpointID, h.Protocol, state,
			h.ActiveConnections, h.AvgLatencyMs, h.P95LatencyMs,
			h.HealthyTags, h.TotalTags, truncate(h.LastError, 40))
	}
	if len(m.stats.Collectors) == 0 {
		b.WriteString(labelStyle.Render("no collectors running"))
	}
	return panelStyle.Render(b.String())
}

func (m Model) viewPipeline() string {
	q := m.stats.Queue
	w := m.stats.Writer

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Fan-in queue"))
	fmt.Fprintf(&b, "  received %d  written %d  dropped %s  depth %d\n\n",
		q.Received, q.Written, countStyle(q.Dropped).Render(fmt.Sprint(q.Dropped)), q.Depth)

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Dispatch targets"))
	fmt.Fprintf(&b, "  %-12s %10s %10s %8s\n", "TARGET", "SLOW PATH", "DROPPED", "DEPTH")
	for _, t := range m.stats.Targets {
		fmt.Fprintf(&b, "  %-12s %10d %19s %8d\n",
			t.Name, t.SlowPath, countStyle(t.Dropped).Render(fmt.Sprint(t.Dropped)), t.Depth)
	}

	fmt.Fprintf(&b, "\n%s\n", titleStyle.Render("Batch writer"))
	fmt.Fprintf(&b, "  written %d  batches %d  retries %d  overflowed %s\n",
		w.Written, w.Batches, w.Retries, countStyle(w.Overflowed).Render(fmt.Sprint(w.Overflowed)))
	fmt.Fprintf(&b, "  buffered %d  last write %.1f ms  p95 %.1f ms\n",
		w.Buffered, w.LastWriteMs, w.P95Ms)
	return panelStyle.Render(b.String())
}

func (m Model) viewAlarms() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-16s %-12s %4s %-12s  %s\n",
		"TIME", "DEVICE", "TAG", "SEV", "STATUS", "MESSAGE")
	for _, a := range m.stats.RecentAlarms {
		sev := severityStyle(a.Severity).Render(fmt.Sprintf("S%d", a.Severity))
		fmt.Fprintf(&b, "%-24s %-16s %-12s %13s %-12s  %s\n",
			time.UnixMilli(a.Ts).UTC().Format("2006-01-02 15:04:05"),
			a.DeviceID, a.TagID, sev, a.Status.String(), truncate(a.Message, 48))
	}
	if len(m.stats.RecentAlarms) == 0 {
		b.WriteString(okStyle.Render("no recent alarms"))
	}
	return panelStyle.Render(b.String())
}

func stateStyle(s model.CollectorState) lipgloss.Style {
	switch s {
	case model.StateConnected:
		return okStyle
	case model.StateDegraded:
		return warnStyle
	}
	return critStyle
}

// countStyle highlights error-shaped counters once they move off zero.
func countStyle(n int64) lipgloss.Style {
	if n > 0 {
		return warnStyle
	}
	return valueStyle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
