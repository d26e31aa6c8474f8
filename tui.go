package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"monios/api"
	"monios/auth"
	"monios/chat"
	"monios/stream"
)

var availableCommands = []string{"/clear", "/guest", "/logout", "/quit", "/whoami"}

type line struct {
	text   string
	system bool
	// textRun lines keep absorbing streamed text chunks.
	textRun bool
}

type chatModel struct {
	ctx     context.Context
	env     *env
	updates chan tea.Msg
	cancels []func()

	lines                 []line
	status                auth.Status
	input                 string
	waiting               bool
	err                   error
	width                 int
	showAutocomplete      bool
	autocompleteOptions   []string
	autocompleteSelection int
}

type entryMsg chat.Entry
type statusMsg auth.Status
type sentMsg struct{ err error }
type systemMsg string
type errMsg error

func newChatModel(ctx context.Context, e *env) chatModel {
	updates := make(chan tea.Msg, 64)

	// Entries arrive on the Send goroutine and may wait for room.
	cancelEntries := e.ctrl.Subscribe(func(entry chat.Entry) {
		select {
		case updates <- entryMsg(entry):
		case <-ctx.Done():
		}
	})
	// Status changes can fire on the update goroutine itself, so they never
	// block. A dropped status is superseded by the next one.
	cancelStatus := e.session.Subscribe(func(st auth.Status) {
		select {
		case updates <- statusMsg(st):
		default:
		}
	})

	return chatModel{
		ctx:     ctx,
		env:     e,
		updates: updates,
		cancels: []func(){cancelEntries, cancelStatus},
		status:  e.session.Status(),
	}
}

// close unregisters the model's subscriptions.
func (m chatModel) close() {
	for _, cancel := range m.cancels {
		cancel()
	}
}

// listen delivers the next controller or session update.
func (m chatModel) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.updates:
			return msg
		case <-m.ctx.Done():
			return nil
		}
	}
}

func filterCommands(input string) []string {
	if !strings.HasPrefix(input, "/") || strings.Contains(input, " ") {
		return []string{}
	}

	var matches []string
	for _, cmd := range availableCommands {
		if strings.HasPrefix(cmd, input) {
			matches = append(matches, cmd)
		}
	}
	return matches
}

func (m *chatModel) updateAutocomplete() {
	m.autocompleteOptions = filterCommands(m.input)
	m.showAutocomplete = len(m.autocompleteOptions) > 0
	if m.autocompleteSelection >= len(m.autocompleteOptions) {
		m.autocompleteSelection = 0
	}
}

func (m chatModel) Init() tea.Cmd {
	return m.listen()
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if msg.Type == tea.KeyEnter && msg.Alt {
			m.input += "\n"
			return m, nil
		}

		switch msg.Type {
		case tea.KeyEsc:
			if m.showAutocomplete {
				m.showAutocomplete = false
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyEnter:
			if m.showAutocomplete && len(m.autocompleteOptions) > 0 {
				m.input = m.autocompleteOptions[m.autocompleteSelection]
				m.showAutocomplete = false
				m.autocompleteSelection = 0
				return m, nil
			}
			return m.submit()

		case tea.KeyTab:
			if m.showAutocomplete && len(m.autocompleteOptions) > 0 {
				m.input = m.autocompleteOptions[m.autocompleteSelection]
				m.showAutocomplete = false
				m.autocompleteSelection = 0
			}

		case tea.KeyUp:
			if m.showAutocomplete && len(m.autocompleteOptions) > 0 {
				m.autocompleteSelection--
				if m.autocompleteSelection < 0 {
					m.autocompleteSelection = len(m.autocompleteOptions) - 1
				}
			}

		case tea.KeyDown:
			if m.showAutocomplete && len(m.autocompleteOptions) > 0 {
				m.autocompleteSelection++
				if m.autocompleteSelection >= len(m.autocompleteOptions) {
					m.autocompleteSelection = 0
				}
			}

		case tea.KeyBackspace:
			if len(m.input) > 0 {
				runes := []rune(m.input)
				m.input = string(runes[:len(runes)-1])
				m.updateAutocomplete()
			}

		case tea.KeySpace:
			m.input += " "
			m.showAutocomplete = false

		case tea.KeyRunes:
			m.input += string(msg.Runes)
			m.updateAutocomplete()
		}

	case entryMsg:
		m.addEntry(chat.Entry(msg))
		return m, m.listen()

	case statusMsg:
		m.status = auth.Status(msg)
		return m, m.listen()

	case sentMsg:
		m.waiting = false
		// The failure is already in the transcript as a synthetic entry.
		if errors.Is(msg.err, chat.ErrBusy) {
			m.err = msg.err
		}

	case systemMsg:
		m.lines = append(m.lines, line{text: string(msg), system: true})

	case errMsg:
		m.err = msg

	case tea.WindowSizeMsg:
		m.width = msg.Width
	}

	return m, nil
}

func (m *chatModel) addEntry(e chat.Entry) {
	txt, isText := e.Event.(stream.Text)
	streamed := isText && e.Role == chat.RoleAssistant && !e.Synthetic

	if streamed && len(m.lines) > 0 && m.lines[len(m.lines)-1].textRun {
		m.lines[len(m.lines)-1].text += txt.Content
		return
	}
	m.lines = append(m.lines, line{text: renderEntry(e), textRun: streamed})
}

// submit sends the input, or runs it when it is a slash command.
func (m chatModel) submit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input)
	if input == "" {
		return m, nil
	}
	m.input = ""
	m.err = nil

	if strings.HasPrefix(input, "/") {
		return m.command(input)
	}
	if m.waiting {
		m.err = chat.ErrBusy
		return m, nil
	}

	m.waiting = true
	ctrl, ctx := m.env.ctrl, m.ctx
	return m, func() tea.Msg {
		_, err := ctrl.Send(ctx, input)
		return sentMsg{err: err}
	}
}

func (m chatModel) command(input string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(input, " ")
	e, ctx := m.env, m.ctx

	switch name {
	case "/quit":
		return m, tea.Quit

	case "/clear":
		m.lines = nil
		return m, func() tea.Msg {
			if err := e.ctrl.Clear(ctx); err != nil {
				return errMsg(fmt.Errorf("clear history: %s", api.Describe(err)))
			}
			return systemMsg("History cleared")
		}

	case "/guest":
		e.session.SetGuestLabel(arg)
		m.status = e.session.Status()
		m.lines = append(m.lines, line{text: "Guest label set to " + e.session.Context().GuestLabel, system: true})
		return m, nil

	case "/logout":
		return m, func() tea.Msg {
			if err := e.session.SignOut(); err != nil {
				return errMsg(err)
			}
			return systemMsg("Signed out")
		}

	case "/whoami":
		if m.status.State != auth.StateAuthenticated {
			m.lines = append(m.lines, line{text: renderStatus(m.status), system: true})
			return m, nil
		}
		return m, func() tea.Msg {
			user, err := e.session.Validate(ctx)
			if err != nil {
				return errMsg(fmt.Errorf("validate session: %s", api.Describe(err)))
			}
			return systemMsg(fmt.Sprintf("Signed in as %s (%s)", user.Email, user.ID))
		}

	default:
		m.lines = append(m.lines, line{text: "Unknown command: " + input, system: true})
		return m, nil
	}
}

func (m chatModel) View() string {
	var s strings.Builder

	if len(m.lines) == 0 {
		s.WriteString(lipgloss.NewStyle().Bold(true).Render("monios") + "  " + statusStyle.Render(m.env.cfg.BaseURL) + "\n\n")
	}

	for _, l := range m.lines {
		if l.system {
			s.WriteString(systemStyle.Render(l.text) + "\n\n")
		} else {
			s.WriteString(l.text + "\n\n")
		}
	}

	if m.waiting {
		s.WriteString(responseStyle.Render("⏺ Thinking...") + "\n\n")
	}
	if m.err != nil {
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ %v", m.err)) + "\n\n")
	}

	borderLine := strings.Repeat("─", max(m.width, 1))
	s.WriteString(borderLine + "\n")
	for i, l := range strings.Split(m.input, "\n") {
		if i == 0 {
			s.WriteString("> " + l + "\n")
		} else {
			s.WriteString("  " + l + "\n")
		}
	}
	s.WriteString(borderLine + "\n")

	if m.showAutocomplete {
		for i, opt := range m.autocompleteOptions {
			if i == m.autocompleteSelection {
				s.WriteString(autocompleteSelectedStyle.Render(" "+opt+" ") + "\n")
			} else {
				s.WriteString(autocompleteStyle.Render(" "+opt) + "\n")
			}
		}
	}

	s.WriteString(statusStyle.Render("  ⏵⏵ "+renderStatus(m.status)) + "\n")
	return s.String()
}
