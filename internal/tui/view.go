package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/parleyhq/parley/internal/domain/conversation"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	youStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	agentStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("12"))
	panelStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m Model) View() string {
	if !m.ready {
		return "starting parley chat..."
	}

	var b strings.Builder

	title := "parley"
	if m.conversationID != "" {
		title += " · " + m.conversationID
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")

	switch m.mode {
	case modeApproval:
		b.WriteString(m.approvalPanel())
	case modeEdit:
		b.WriteString(m.editPanel())
	default:
		b.WriteString(m.input.View())
		b.WriteString("\n")
		if m.selector.Active() {
			b.WriteString(m.suggestionList())
		}
	}
	return b.String()
}

func (m Model) statusLine() string {
	if m.streaming {
		text := m.thinking
		if text == "" {
			text = m.status
		}
		return m.spin.View() + " " + statusStyle.Render(text)
	}
	return statusStyle.Render(m.status)
}

func (m Model) suggestionList() string {
	var b strings.Builder
	for i, s := range m.selector.Items() {
		line := s.Value
		if s.Description != "" {
			line += "  " + s.Description
		}
		if i == m.selector.Index() {
			b.WriteString(selectedStyle.Render("▸ " + line))
		} else {
			b.WriteString(dimStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) approvalPanel() string {
	req := m.pending
	if req == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("approval · " + req.Type))
	b.WriteString("\n")
	if req.Prompt != "" {
		b.WriteString(req.Prompt)
		b.WriteString("\n")
	}
	// Peek rather than the captured request: local edits must show as soon
	// as they are saved.
	if snap, ok := m.approvals.Peek(req.ID); ok {
		values := snap.FieldValues()
		for _, k := range sortedKeys(values) {
			b.WriteString(dimStyle.Render(k+": ") + values[k])
			b.WriteString("\n")
		}
		if snap.Failure != "" {
			b.WriteString(errStyle.Render("last attempt: " + snap.Failure))
			b.WriteString("\n")
		}
	}
	b.WriteString(dimStyle.Render("a approve · d decline · e edit"))
	return panelStyle.Render(b.String()) + "\n"
}

func (m Model) editPanel() string {
	field := m.editFields[m.editIndex]

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("edit %s (%d/%d)", field, m.editIndex+1, len(m.editFields))))
	b.WriteString("\n")
	b.WriteString(m.editInput.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("enter saves the field · esc discards the edit"))
	return panelStyle.Render(b.String()) + "\n"
}

func citationLine(i int, c conversation.Citation) string {
	if c.Page > 0 {
		return fmt.Sprintf("  [%d] %s p.%d", i+1, c.Source, c.Page)
	}
	return fmt.Sprintf("  [%d] %s", i+1, c.Source)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
