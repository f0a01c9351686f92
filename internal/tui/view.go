package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(12)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("otter watch"))
	if !m.polledAt.IsZero() {
		b.WriteString(dimStyle.Render("  updated " + m.polledAt.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	b.WriteString(panelStyle.Render(m.queueView()))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(m.consumerView()))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
	}
	if m.notice != "" {
		b.WriteString(dimStyle.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func (m *Model) queueView() string {
	ratio := 0.0
	if m.depth.Cap > 0 {
		ratio = float64(m.depth.Len) / float64(m.depth.Cap)
	}
	return strings.Join([]string{
		row("Queue", fmt.Sprintf("%d / %d", m.depth.Len, m.depth.Cap)),
		labelStyle.Render("") + m.progress.ViewAs(ratio),
	}, "\n")
}

func (m *Model) consumerView() string {
	if !m.bound {
		return row("Consumer", warnStyle.Render("not bound (worker restarting?)"))
	}
	st := m.status
	state := okStyle.Render(st.State)
	if st.Paused {
		state = warnStyle.Render(st.State + " (paused)")
	}
	lines := []string{
		row("Consumer", st.ID),
		row("Transport", st.Transport),
		row("State", state),
		row("Uptime", formatUptime(m.now().Sub(st.Started))),
		row("Sent", fmt.Sprintf("%d", st.Sent)),
		row("Dropped", fmt.Sprintf("%d", st.Dropped)),
		row("Reconnects", fmt.Sprintf("%d", st.Reconnects)),
	}
	if st.LastError != "" {
		lines = append(lines, row("Last error", errStyle.Render(st.LastError)))
	}
	return strings.Join(lines, "\n")
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
