// Package tui renders a terminal dashboard of migration progress.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rdsync/rdsync/internal/metrics"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#374151")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))

	statusStyles = map[metrics.TableStatus]lipgloss.Style{
		metrics.TablePending: lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		metrics.TableCopying: lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		metrics.TableCopied:  lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		metrics.TableFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
	}

	progressFull  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	progressEmpty = lipgloss.NewStyle().Foreground(lipgloss.Color("#374151"))
)

// snapshotMsg carries a new metrics snapshot into the Bubble Tea update loop.
type snapshotMsg metrics.Snapshot

// doneMsg signals that the migration run finished.
type doneMsg struct{ err error }

// Model is the Bubble Tea model for the rdsync dashboard.
type Model struct {
	collector *metrics.Collector
	sub       chan metrics.Snapshot
	errCh     <-chan error
	snapshot  metrics.Snapshot

	width  int
	height int
	ready  bool
	err    error
}

// NewModel creates a TUI model connected to the given metrics collector.
// errCh delivers the run result; the dashboard quits when it fires.
func NewModel(collector *metrics.Collector, errCh <-chan error) *Model {
	return &Model{
		collector: collector,
		sub:       collector.Subscribe(),
		errCh:     errCh,
	}
}

// Run starts the dashboard and blocks until it quits.
func Run(collector *metrics.Collector, errCh <-chan error) error {
	m := NewModel(collector, errCh)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return err
	}
	return m.err
}

// Init starts the subscription to metrics updates.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.sub), waitForDone(m.errCh))
}

func waitForSnapshot(sub chan metrics.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func waitForDone(errCh <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-errCh}
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.collector.Unsubscribe(m.sub)
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = metrics.Snapshot(msg)
		return m, waitForSnapshot(m.sub)

	case doneMsg:
		m.err = msg.err
		m.collector.Unsubscribe(m.sub)
		return m, tea.Quit
	}

	return m, nil
}

// View renders the dashboard.
func (m *Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	snap := m.snapshot
	w := m.width

	var sections []string
	sections = append(sections, headerStyle.Width(w).Render(" rdsync"))

	head := fmt.Sprintf("%s %s   %s %.0fs   %s %s   %s %s",
		labelStyle.Render("phase:"), snap.Phase,
		labelStyle.Render("elapsed:"), snap.ElapsedSec,
		labelStyle.Render("recv:"), snap.RecvLSN,
		labelStyle.Render("lag:"), snap.LagFormatted)
	sections = append(sections, boxStyle.Width(w-2).Render(head))

	sections = append(sections, boxStyle.Width(w-2).Render(renderProgress(snap, w-6)))

	tableRows := m.height - 12
	if tableRows < 3 {
		tableRows = 3
	}
	sections = append(sections, boxStyle.Width(w-2).Render(renderTables(snap, tableRows)))

	if snap.LastError != "" {
		sections = append(sections,
			statusStyles[metrics.TableFailed].Render("last error: "+snap.LastError))
	}
	sections = append(sections, labelStyle.Render("  q to quit"))

	return strings.Join(sections, "\n")
}

func renderProgress(snap metrics.Snapshot, width int) string {
	if snap.TablesTotal == 0 {
		return "no tables to copy"
	}
	pct := float64(snap.TablesCopied) / float64(snap.TablesTotal) * 100

	barWidth := width - 30
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(float64(barWidth) * pct / 100)
	if filled > barWidth {
		filled = barWidth
	}
	bar := progressFull.Render(strings.Repeat("█", filled)) +
		progressEmpty.Render(strings.Repeat("░", barWidth-filled))

	return fmt.Sprintf("%s %5.1f%% (%d/%d tables, %.0f rows/s)",
		bar, pct, snap.TablesCopied, snap.TablesTotal, snap.RowsPerSec)
}

func renderTables(snap metrics.Snapshot, maxRows int) string {
	var sb strings.Builder
	shown := 0
	for _, tp := range snap.Tables {
		if shown >= maxRows {
			fmt.Fprintf(&sb, "… %d more\n", len(snap.Tables)-shown)
			break
		}
		style, ok := statusStyles[tp.Status]
		if !ok {
			style = labelStyle
		}
		name := tp.Name
		if tp.Schema != "" {
			name = tp.Schema + "." + tp.Name
		}
		fmt.Fprintf(&sb, "%-40s %s %12d rows\n",
			name, style.Render(fmt.Sprintf("%-8s", tp.Status)), tp.RowsCopied)
		shown++
	}
	return strings.TrimRight(sb.String(), "\n")
}
