package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateRequesting       // request sent, waiting for the response
	stateRefreshing       // refresh exchange in flight
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for fleetctl progress output.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	method string
	url    string
	queued int

	statusCode int
	summary    string
	errMsg     string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgTokensFound:
		text := "Found stored credentials"
		if msg.Subject != "" {
			text = "Signed in as " + msg.Subject
		}
		if msg.ExpiresIn > 0 {
			text += fmt.Sprintf(" (expires in %s)", formatDuration(msg.ExpiresIn))
		}
		m.addStatus(statusOK, text)
		return m, nil

	case MsgTokenExpired:
		m.addStatus(statusWarn, "Access token expired")
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusInfo, "No stored credentials")
		return m, nil

	case MsgRequesting:
		m.method = msg.Method
		m.url = msg.URL
		m.state = stateRequesting
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401)")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.state = stateRequesting
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgQueued:
		m.queued++
		return m, nil

	case MsgReplaying:
		if m.queued > 0 {
			m.queued--
		}
		m.addStatus(statusInfo, "Retrying "+msg.URL)
		return m, nil

	case MsgSessionExpired:
		m.addStatus(statusWarn, "Session expired, run 'fleetctl login'")
		return m, nil

	case MsgLoggedIn:
		m.addStatus(statusOK, "Tokens saved to "+msg.Location)
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Credentials removed")
		return m, nil

	case MsgDone:
		m.statusCode = msg.StatusCode
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  fleetctl  "))
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	switch m.state {
	case stateRequesting:
		b.WriteString(" " + styleBold.Render(m.method) + " " + m.url)
	case stateRefreshing:
		b.WriteString(" Refreshing access token...")
		if m.queued > 0 {
			b.WriteString(styleDim.Render(fmt.Sprintf("  %d waiting", m.queued)))
		}
	default:
		b.WriteString(" Initializing...")
	}
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.statusCode > 0 {
		b.WriteString(styleOK.Render(fmt.Sprintf("  ✓ HTTP %d", m.statusCode)))
		if m.summary != "" {
			b.WriteString(styleDim.Render("  " + m.summary))
		}
	} else {
		b.WriteString(styleOK.Render("  ✓ " + m.summary))
	}
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Request failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
