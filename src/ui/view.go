package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/orchestra-mcp/chatsync/src/command"
	"github.com/orchestra-mcp/chatsync/src/store"
	"github.com/orchestra-mcp/chatsync/src/summary"
	"github.com/orchestra-mcp/chatsync/src/types"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	badgeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("161")).Padding(0, 1)
	mineStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	theirsStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	offlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// View renders the current screen.
func (m Model) View() string {
	var b strings.Builder
	if m.screen == chatScreen {
		b.WriteString(titleStyle.Render(m.friend.Name))
		b.WriteString(m.connectionBadge())
		b.WriteString("\n")
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
		b.WriteString(m.input.View())
	} else {
		b.WriteString(m.listView())
	}
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
	} else {
		b.WriteString(mutedStyle.Render(m.helpLine()))
	}
	return b.String()
}

func (m Model) listView() string {
	var b strings.Builder
	total := 0
	for _, r := range m.rows {
		total += r.UnreadCount
	}
	title := "Recent Chats"
	if badge := summary.Badge(total); badge != "" {
		title += " (" + badge + ")"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString(m.connectionBadge())
	b.WriteString("\n\n")

	if m.list == nil {
		b.WriteString(mutedStyle.Render("loading..."))
		return b.String()
	}
	if len(m.rows) == 0 {
		b.WriteString(mutedStyle.Render("no conversations yet"))
		return b.String()
	}
	for i, r := range m.rows {
		b.WriteString(renderRow(r, i == m.cursor))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) connectionBadge() string {
	if m.state == types.Connected {
		return ""
	}
	return " " + offlineStyle.Render("["+m.state.String()+"]")
}

func (m Model) helpLine() string {
	if m.screen == chatScreen {
		return "enter send - esc back - pgup/pgdown scroll"
	}
	return "j/k move - enter open - r refresh - q quit"
}

func renderRow(r types.Summary, selected bool) string {
	cursor := "  "
	name := r.Name
	if selected {
		cursor = "> "
		name = selectedStyle.Render(name)
	}
	line := cursor + name
	if badge := summary.Badge(r.UnreadCount); badge != "" {
		line += " " + badgeStyle.Render(badge)
	}
	when := ""
	if !r.Timestamp.IsZero() {
		when = r.Timestamp.Local().Format("Jan 2 15:04")
	}
	return line + "\n    " + mutedStyle.Render(truncate(r.LastMessage, 60)+"  "+when)
}

func renderEntries(entries []store.Entry, friend string, width int) string {
	if len(entries) == 0 {
		return mutedStyle.Render("no messages yet")
	}
	var b strings.Builder
	for _, e := range entries {
		who, style := friend, theirsStyle
		if e.Mine {
			who, style = "me", mineStyle
		}
		header := fmt.Sprintf("%s #%d %s", who, e.ID, e.CreatedAt.Local().Format("15:04"))
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.After(e.CreatedAt) {
			header += " (edited)"
		}
		b.WriteString(mutedStyle.Render(header))
		b.WriteString("\n")
		b.WriteString(style.Width(max(width, 10)).Render(e.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// describe turns an action error into a status line.
func describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, command.ErrNotConnected):
		return "not connected, nothing was sent"
	case errors.Is(err, command.ErrRateLimited):
		return "slow down, nothing was sent"
	case errors.Is(err, store.ErrEmptyText):
		return "message is empty"
	case errors.Is(err, store.ErrNotLive):
		return "conversation is still loading"
	default:
		return err.Error()
	}
}
