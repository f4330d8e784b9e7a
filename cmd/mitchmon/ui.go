package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/srg/mitchmon/internal/config"
	"github.com/srg/mitchmon/internal/mitch"
	"github.com/srg/mitchmon/internal/protocol"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type tickMsg time.Time

type refreshDoneMsg struct{}

type discoveredMsg struct {
	session *mitch.Session
}

type notActiveMsg struct {
	err error
}

type opDoneMsg struct {
	name string
	op   string
	err  error
}

// ---------------------------------------------------------------------------
// Key bindings
// ---------------------------------------------------------------------------

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	Record     key.Binding
	Stop       key.Binding
	Quit       key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/↓", "select unit")),
		Down:       key.NewBinding(key.WithKeys("down", "j")),
		Connect:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "connect")),
		Disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect")),
		Record:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "record")),
		Stop:       key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop stream")),
		Quit:       key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Connect, k.Disconnect, k.Record, k.Stop, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	statusBarStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("236")).Padding(0, 1)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	activeRowStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	stateUpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stateBootStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stateErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// monitorModel drives the fleet view. The registry is single-writer:
// every structural mutation happens in Update. While a refresh command is
// in flight, new discoveries are queued and applied when it completes, so
// the background poll never races an insert.
type monitorModel struct {
	registry *mitch.Registry
	cfg      *config.Config
	logger   *logrus.Logger
	keys     keyMap

	width  int
	height int

	status    string
	statusErr bool

	refreshing bool
	pending    []*mitch.Session

	fatalErr error
}

func newMonitorModel(registry *mitch.Registry, cfg *config.Config, logger *logrus.Logger) monitorModel {
	return monitorModel{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		keys:     newKeyMap(),
		status:   "Scanning for mitch units...",
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd(m.cfg.TickInterval)
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func refreshCmd(registry *mitch.Registry, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		registry.RefreshAll(ctx)
		return refreshDoneMsg{}
	}
}

// sessionCmd runs one user-requested session operation off the UI loop.
func sessionCmd(op string, s *mitch.Session, timeout time.Duration, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return opDoneMsg{name: s.Name(), op: op, err: fn(ctx)}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if !m.refreshing && m.registry.Len() > 0 {
			m.refreshing = true
			return m, tea.Batch(
				refreshCmd(m.registry, m.cfg.CommandTimeout),
				tickCmd(m.cfg.TickInterval),
			)
		}
		return m, tickCmd(m.cfg.TickInterval)

	case refreshDoneMsg:
		m.refreshing = false
		for _, s := range m.pending {
			m.registry.Insert(s)
		}
		m.pending = nil
		return m, nil

	case discoveredMsg:
		if m.refreshing {
			m.pending = append(m.pending, msg.session)
			return m, nil
		}
		if m.registry.Insert(msg.session) {
			m.status = fmt.Sprintf("Discovered %s (%s)", msg.session.Name(), msg.session.Addr())
			m.statusErr = false
		}
		return m, nil

	case notActiveMsg:
		m.fatalErr = msg.err
		return m, tea.Quit

	case opDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %s", msg.name, msg.op, FormatUserError(msg.err))
			m.statusErr = true
		} else {
			m.status = fmt.Sprintf("%s: %s ok", msg.name, msg.op)
			m.statusErr = false
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m monitorModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		m.registry.SelectPrev()
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.registry.SelectNext()
		return m, nil
	}

	active, err := m.registry.Active()
	if err != nil {
		m.status = "No units discovered yet"
		m.statusErr = true
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Connect):
		m.status = fmt.Sprintf("Connecting to %s...", active.Name())
		m.statusErr = false
		return m, sessionCmd("connect", active, m.cfg.ConnectTimeout, active.Connect)

	case key.Matches(msg, m.keys.Disconnect):
		return m, sessionCmd("disconnect", active, m.cfg.CommandTimeout, func(context.Context) error {
			return active.Disconnect()
		})

	case key.Matches(msg, m.keys.Record):
		return m, sessionCmd("start recording", active, m.cfg.ConnectTimeout, active.StartRecording)

	case key.Matches(msg, m.keys.Stop):
		return m, sessionCmd("stop recording", active, m.cfg.ConnectTimeout, active.StopRecording)
	}

	return m, nil
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

func (m monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("mitchmon"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d unit(s)", m.registry.Len())))
	b.WriteString("\n\n")

	sessions := m.registry.Sessions()
	if len(sessions) == 0 {
		b.WriteString(dimStyle.Render("  Waiting for mitch units to appear..."))
		b.WriteString("\n")
	}

	activeIdx := m.registry.ActiveIndex()
	for i, s := range sessions {
		// Pad before styling so ANSI codes don't break the columns
		marker := "  "
		name := fmt.Sprintf("%-24s", s.Name())
		if i == activeIdx {
			marker = "▸ "
			name = activeRowStyle.Render(name)
		}

		line := fmt.Sprintf("%s%s %-20s %s %s",
			marker, name, s.Addr(), renderConnection(s), renderState(s))
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	status := m.status
	if m.statusErr {
		status = errorStyle.Render(status)
	}
	b.WriteString(statusBarStyle.Width(max(m.width, 40)).Render(status))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select · c connect · d disconnect · r record · s stop · q quit"))

	return b.String()
}

// renderConnection pads its plain text before styling for the same
// column-alignment reason as the name field. The count after "connected"
// is telemetry frames received this session.
func renderConnection(s *mitch.Session) string {
	if !s.IsConnected() {
		return dimStyle.Render(fmt.Sprintf("%-16s", "disconnected"))
	}
	text := "connected"
	if frames := s.TelemetryFrames(); frames > 0 {
		text = fmt.Sprintf("connected %d", frames)
	}
	return stateUpStyle.Render(fmt.Sprintf("%-16s", text))
}

func renderState(s *mitch.Session) string {
	state := s.State()
	switch {
	case state == protocol.StateNone:
		return dimStyle.Render("-")
	case state == protocol.SysError:
		return stateErrorStyle.Render(state.String())
	case state == protocol.BootStartup, state == protocol.BootIdle, state == protocol.BootDownload:
		return stateBootStyle.Render(state.String())
	default:
		return stateUpStyle.Render(state.String())
	}
}
