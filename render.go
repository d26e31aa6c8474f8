package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"monios/auth"
	"monios/chat"
	"monios/stream"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	autocompleteStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	autocompleteSelectedStyle = lipgloss.NewStyle().
					Foreground(lipgloss.Color("0")).
					Background(lipgloss.Color("12"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func renderEntry(e chat.Entry) string {
	if e.Role == chat.RoleUser {
		return promptStyle.Render("> ") + eventText(e.Event)
	}
	if e.Synthetic {
		return errorStyle.Render("✗ ") + eventText(e.Event)
	}

	switch ev := e.Event.(type) {
	case stream.ToolUse:
		line := toolStyle.Render("🔧 ") + ev.Name
		if input := compactJSON(ev.Input); input != "" {
			line += " " + resultStyle.Render(input)
		}
		return line
	case stream.ToolResult:
		label := resultStyle.Render("  └─ Result: ")
		if ev.IsError {
			label = errorStyle.Render("  └─ Error: ")
		}
		content := ev.Content
		if content == "" {
			content = "(empty output)"
		}
		return label + content
	case stream.Plain:
		return ev.Content
	default:
		return responseStyle.Render("⏺ ") + eventText(e.Event)
	}
}

func eventText(ev stream.Event) string {
	switch ev := ev.(type) {
	case stream.Text:
		return ev.Content
	case stream.Plain:
		return ev.Content
	case stream.ToolUse:
		return ev.Name
	case stream.ToolResult:
		return ev.Content
	default:
		return ""
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func renderStatus(st auth.Status) string {
	switch st.State {
	case auth.StateAuthenticated:
		if st.Identity != nil && st.Identity.Email != "" {
			return "signed in as " + st.Identity.Email
		}
		return "signed in"
	case auth.StateAuthenticating:
		return "signing in..."
	case auth.StateError:
		return fmt.Sprintf("guest %s (sign-in failed: %s)", st.GuestLabel, st.Err)
	default:
		return "guest " + st.GuestLabel
	}
}

// replyPrinter writes assistant entries as they arrive. Consecutive text
// chunks are joined on one line.
type replyPrinter struct {
	w      io.Writer
	inText bool
}

func (p *replyPrinter) entry(e chat.Entry) {
	if e.Role != chat.RoleAssistant {
		return
	}
	if txt, ok := e.Event.(stream.Text); ok && !e.Synthetic {
		if !p.inText {
			fmt.Fprint(p.w, responseStyle.Render("⏺ "))
			p.inText = true
		}
		fmt.Fprint(p.w, txt.Content)
		return
	}
	p.finish()
	fmt.Fprintln(p.w, renderEntry(e))
}

func (p *replyPrinter) finish() {
	if p.inText {
		fmt.Fprintln(p.w)
		p.inText = false
	}
}
