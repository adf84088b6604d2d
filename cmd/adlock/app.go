package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
	"github.com/mirkobrombin/go-adlock/v1/replica"
)

const actionTimeout = 3 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	freeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
	lockedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	timerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	urgentStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("229"))

	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	freePanel  = panelStyle.BorderForeground(lipgloss.Color("82"))
	lockPanel  = panelStyle.BorderForeground(lipgloss.Color("203"))
	expPanel   = panelStyle.Border(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("214"))
)

// Messages

type stateMsg replica.State
type connMsg bool
type errorMsg struct{ err error }
type successMsg struct{ msg string }

// actions is the subset of the replica driven by the keyboard.
type actions interface {
	Request(ctx context.Context) error
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	Acknowledge() error
}

// App is the root Bubble Tea model.
type App struct {
	replica actions
	states  <-chan replica.State
	conns   <-chan bool

	state     replica.State
	connected bool
	status    string
	statusErr bool
	width     int
}

// NewApp returns a model rendering the replica whose updates arrive on states.
func NewApp(r actions, states <-chan replica.State, conns <-chan bool) App {
	return App{replica: r, states: states, conns: conns}
}

// Init starts listening for replica and connection updates.
func (a App) Init() tea.Cmd {
	return tea.Batch(waitState(a.states), waitConn(a.conns))
}

func waitState(ch <-chan replica.State) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return tea.Quit()
		}
		return stateMsg(st)
	}
}

func waitConn(ch <-chan bool) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return nil
		}
		return connMsg(c)
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if a.state.Phase == replica.LockedBySelf {
				// Leave the lock to the next editor.
				ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
				_ = a.replica.Release(ctx)
				cancel()
			}
			return a, tea.Quit
		case "c":
			return a, a.act("lock requested", a.replica.Request)
		case "r":
			return a, a.act("renewal requested", a.replica.Renew)
		case "s":
			return a, a.act("saved and released", a.replica.Release)
		case "n":
			if err := a.replica.Acknowledge(); err != nil {
				return a.fail(err), nil
			}
			a.status, a.statusErr = "new session started", false
		}

	case stateMsg:
		a.state = replica.State(msg)
		if a.state.Notice != "" {
			a.status, a.statusErr = a.state.Notice, true
		}
		return a, waitState(a.states)

	case connMsg:
		a.connected = bool(msg)
		return a, waitConn(a.conns)

	case successMsg:
		a.status, a.statusErr = msg.msg, false

	case errorMsg:
		return a.fail(msg.err), nil
	}
	return a, nil
}

func (a App) act(done string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			return errorMsg{err}
		}
		return successMsg{done}
	}
}

func (a App) fail(err error) App {
	switch {
	case errors.Is(err, adlockerrors.ErrNotPermitted):
		a.status = "not available right now"
	case errors.Is(err, adlockerrors.ErrConnectionClosed):
		a.status = "not connected, retrying"
	default:
		a.status = err.Error()
	}
	a.statusErr = true
	return a
}

// View renders the editor.
func (a App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Ad Editor: "+a.state.ResourceID) + "\n\n")

	if a.state.Phase == replica.Expired {
		body := lipgloss.JoinVertical(lipgloss.Left,
			timerStyle.Render("Session Expired"),
			"",
			"Your editing time has run out and the lock has been released.",
			"",
			keyStyle.Render("[n]")+" Start New Session",
		)
		b.WriteString(expPanel.Render(body))
	} else {
		b.WriteString(a.lockPanel())
	}

	b.WriteString("\n\n")
	if a.status != "" {
		if a.statusErr {
			b.WriteString(errorStyle.Render(a.status))
		} else {
			b.WriteString(successStyle.Render(a.status))
		}
		b.WriteString("\n")
	}
	conn := "disconnected"
	if a.connected {
		conn = "connected"
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("session %s · %s · q quit", a.state.SelfID, conn)))
	return b.String()
}

func (a App) lockPanel() string {
	var lines []string
	panel := freePanel
	if a.state.Locked {
		panel = lockPanel
		editor := "User " + a.state.OwnerID
		if a.state.Phase == replica.LockedBySelf {
			editor = "You (Current Session)"
		}
		countdown := timerStyle
		if a.state.SecondsRemaining < 4 {
			countdown = urgentStyle
		}
		lines = append(lines,
			lockedStyle.Render("Ad is Locked"),
			"Editor: "+editor,
			countdown.Render(fmt.Sprintf("Time remaining: %ds", a.state.SecondsRemaining)),
		)
	} else {
		lines = append(lines,
			freeStyle.Render("Ad is Available"),
			"Nobody is currently editing this advertisement.",
		)
	}
	lines = append(lines, "", strings.Join([]string{
		key("c", "Claim Edit Lock", a.state.Phase == replica.Free),
		key("r", "Add more time", a.state.Phase == replica.LockedBySelf),
		key("s", "Save & Release", a.state.Phase == replica.LockedBySelf),
	}, "   "))
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func key(k, label string, enabled bool) string {
	if !enabled {
		return dimStyle.Render("[" + k + "] " + label)
	}
	return keyStyle.Render("["+k+"]") + " " + label
}
