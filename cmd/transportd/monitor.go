package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/event"
	"github.com/dcherniev/sdl-core/pkg/registry"
)

// Message types
type messageType int

const (
	msgInfo messageType = iota
	msgWarning
	msgError
	msgSuccess
)

// userMessage is a transient status line.
type userMessage struct {
	msgType messageType
	text    string
}

const (
	maxLogLines  = 300
	refreshEvery = 500 * time.Millisecond
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4")).
		PaddingLeft(2)

	paneStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#7D56F4")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#A8A8A8"))

	selectedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7D56F4")).
		Bold(true)

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF5555"))

	diagStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFB800"))

	infoMessageStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#00A9E0")).
		PaddingLeft(2)

	warningMessageStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFB800")).
		PaddingLeft(2)

	errorMessageStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF5555")).
		PaddingLeft(2)

	successMessageStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#50FA7B")).
		PaddingLeft(2)
)

// controller is the part of the manager the monitor drives.
type controller interface {
	Snapshot() registry.Snapshot
	SearchDevices(adapterID string) error
	Connect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error
	DisconnectDevice(dev adapter.DeviceUID) error
	Subscribe(ctx context.Context, f event.Filter) (event.Subscription, error)
	Errors() *event.ErrorBus
}

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Search     key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	Quit       key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Search, k.Connect, k.Disconnect, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Search:     key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "search")),
	Connect:    key.NewBinding(key.WithKeys("c", "enter"), key.WithHelp("c", "connect app 1")),
	Disconnect: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "disconnect device")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Messages
type eventMsg event.Event

type diagMsg event.ErrorEvent

type refreshMsg struct{}

type feedClosedMsg struct{}

// monitor is the live view.
type monitor struct {
	ctl    controller
	sub    event.Subscription
	errSub *event.ErrorSubscription

	snap      registry.Snapshot
	cursor    int
	searching int
	lines     []string
	lastSeq   uint64

	log     viewport.Model
	spin    spinner.Model
	help    help.Model
	width   int
	height  int
	message *userMessage
}

func newMonitor(ctx context.Context, ctl controller) (*monitor, error) {
	sub, err := ctl.Subscribe(ctx, event.Filter{})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	errSub, err := ctl.Errors().Subscribe(ctx)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe diagnostics: %w", err)
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &monitor{
		ctl:    ctl,
		sub:    sub,
		errSub: errSub,
		snap:   ctl.Snapshot(),
		log:    viewport.New(80, 10),
		spin:   sp,
		help:   help.New(),
	}, nil
}

func (m *monitor) close() {
	m.sub.Close()
	m.errSub.Close()
}

func (m *monitor) Init() tea.Cmd {
	return tea.Batch(m.waitEvent(), m.waitDiag(), refresh(), m.spin.Tick)
}

func (m *monitor) waitEvent() tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-m.sub.Events()
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg(evt)
	}
}

func (m *monitor) waitDiag() tea.Cmd {
	return func() tea.Msg {
		d, ok := <-m.errSub.Events()
		if !ok {
			return nil
		}
		return diagMsg(d)
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshEvery, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m *monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = max(msg.Width-4, 20)
		m.log.Height = max(msg.Height-lipgloss.Height(m.renderTables())-8, 5)
		m.syncLog()

	case eventMsg:
		evt := event.Event(msg)
		m.lastSeq = evt.Seq
		switch evt.Type {
		case event.TypeSearchDone, event.TypeSearchFailed:
			if m.searching > 0 {
				m.searching--
			}
		}
		m.appendLine(formatEvent(evt))
		m.snap = m.ctl.Snapshot()
		m.clampCursor()
		cmds = append(cmds, m.waitEvent())

	case diagMsg:
		d := event.ErrorEvent(msg)
		if d.Severity >= event.WarningSeverity {
			m.appendLine(diagStyle.Render(formatDiag(d)))
		}
		cmds = append(cmds, m.waitDiag())

	case feedClosedMsg:
		m.message = &userMessage{msgWarning, "event feed closed"}

	case refreshMsg:
		m.snap = m.ctl.Snapshot()
		m.clampCursor()
		cmds = append(cmds, refresh())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *monitor) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		m.message = nil

	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.snap.Devices)-1 {
			m.cursor++
		}
		m.message = nil

	case key.Matches(msg, keys.Search):
		n := 0
		for _, a := range m.snap.Adapters {
			if err := m.ctl.SearchDevices(a.ID); err != nil {
				m.message = &userMessage{msgError, err.Error()}
				continue
			}
			n++
		}
		m.searching += n
		if n > 0 {
			m.message = &userMessage{msgInfo, fmt.Sprintf("searching on %d adapter(s)", n)}
		}

	case key.Matches(msg, keys.Connect):
		if dev, ok := m.selected(); ok {
			m.report(m.ctl.Connect(dev, 1), "connect requested: "+string(dev))
		}

	case key.Matches(msg, keys.Disconnect):
		if dev, ok := m.selected(); ok {
			m.report(m.ctl.DisconnectDevice(dev), "disconnect requested: "+string(dev))
		}

	default:
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *monitor) report(err error, ok string) {
	if err != nil {
		m.message = &userMessage{msgError, err.Error()}
		return
	}
	m.message = &userMessage{msgSuccess, ok}
}

func (m *monitor) selected() (adapter.DeviceUID, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Devices) {
		return "", false
	}
	return m.snap.Devices[m.cursor].Device.UID, true
}

func (m *monitor) clampCursor() {
	if m.cursor >= len(m.snap.Devices) {
		m.cursor = max(len(m.snap.Devices)-1, 0)
	}
}

func (m *monitor) appendLine(s string) {
	m.lines = append(m.lines, s)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.syncLog()
}

func (m *monitor) syncLog() {
	atBottom := m.log.AtBottom()
	m.log.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.log.GotoBottom()
	}
}

func (m *monitor) View() string {
	var b strings.Builder
	title := fmt.Sprintf("Transport Manager  v%d  seq %d", m.snap.Version, m.lastSeq)
	if m.searching > 0 {
		title += "  " + m.spin.View() + " searching"
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(m.renderTables() + "\n")
	b.WriteString(paneStyle.Render(m.log.View()) + "\n")
	if m.message != nil {
		b.WriteString(m.renderUserMessage() + "\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

func (m *monitor) renderTables() string {
	var adapters strings.Builder
	adapters.WriteString(headerStyle.Render("ADAPTERS") + "\n")
	for _, a := range m.snap.Adapters {
		fmt.Fprintf(&adapters, "%-10s %-8s gen %d\n", a.ID, a.Type, a.Generation)
	}
	if len(m.snap.Pending) > 0 {
		adapters.WriteString("\n" + headerStyle.Render("PENDING") + "\n")
		for _, p := range m.snap.Pending {
			fmt.Fprintf(&adapters, "%s/%d\n", p.Key.Device, p.Key.App)
		}
	}

	open := make(map[adapter.DeviceUID][]string)
	for _, c := range m.snap.Connections {
		label := c.Key.App.String()
		if c.State == registry.ConnDisconnecting {
			label += "…"
		}
		open[c.Key.Device] = append(open[c.Key.Device], label)
	}

	var devices strings.Builder
	devices.WriteString(headerStyle.Render("DEVICES") + "\n")
	for i, d := range m.snap.Devices {
		line := fmt.Sprintf("%-24s %-14s %-8s apps [%s]",
			d.Device.UID, d.Device.Name, d.AdapterID, strings.Join(open[d.Device.UID], " "))
		if i == m.cursor {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		devices.WriteString(line + "\n")
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		paneStyle.Render(strings.TrimRight(adapters.String(), "\n")),
		paneStyle.Render(strings.TrimRight(devices.String(), "\n")),
	)
}

func (m *monitor) renderUserMessage() string {
	var style lipgloss.Style
	switch m.message.msgType {
	case msgInfo:
		style = infoMessageStyle
	case msgWarning:
		style = warningMessageStyle
	case msgError:
		style = errorMessageStyle
	case msgSuccess:
		style = successMessageStyle
	}
	return style.Render(m.message.text)
}

// formatEvent renders one event as a log line.
func formatEvent(evt event.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %-28s %s", evt.Timestamp.Format("15:04:05.000"), evt.Seq, evt.Type, evt.Source)
	if evt.Device != "" {
		fmt.Fprintf(&b, " %s/%d", evt.Device, evt.App)
	}
	if evt.Size > 0 {
		fmt.Fprintf(&b, " %dB", evt.Size)
	}
	if evt.Failed() {
		return failedStyle.Render(b.String() + " " + string(evt.Code) + ": " + evt.Reason)
	}
	return b.String()
}

func formatDiag(d event.ErrorEvent) string {
	return fmt.Sprintf("%s %s %s %s", d.Timestamp.Format("15:04:05.000"), d.Severity, d.Code, d.Message)
}
