package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpn-session-manager/vpn"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// StateStyle returns the color used for a session state.
func StateStyle(s vpn.SessionState) lipgloss.Style {
	color := lipgloss.Color("245")
	switch s {
	case vpn.StateConnected:
		color = lipgloss.Color("42")
	case vpn.StateConnecting, vpn.StateDisconnecting:
		color = lipgloss.Color("214")
	}
	return lipgloss.NewStyle().Bold(true).Foreground(color)
}

type tickMsg time.Time

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type disconnectedMsg struct{ err error }

// Model is the bubbletea model of the monitor.
type Model struct {
	source   Source
	interval time.Duration
	timeout  time.Duration
	spinner  spinner.Model

	snap     Snapshot
	err      error
	loaded   bool
	prev     *vpn.Statistics
	rateIn   float64
	rateOut  float64
	stopping bool
}

// New creates a Model polling source every interval.
func New(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		source:   source,
		interval: interval,
		timeout:  2 * time.Second,
		spinner:  sp,
	}
}

// Run starts the monitor and blocks until the user quits.
func Run(source Source, interval time.Duration) error {
	_, err := tea.NewProgram(New(source, interval)).Run()
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		snap, err := m.source.Snapshot(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) disconnect() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return disconnectedMsg{err: m.source.Disconnect(ctx)}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "d":
			if m.snap.State != vpn.StateDisconnected && !m.stopping {
				m.stopping = true
				return m, m.disconnect()
			}
		}
		return m, nil

	case tickMsg:
		return m, m.fetch()

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.observe(msg.snap)
		}
		return m, m.tick()

	case disconnectedMsg:
		m.stopping = false
		m.err = msg.err
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// observe stores a snapshot and derives transfer rates from the previous one.
func (m *Model) observe(snap Snapshot) {
	m.loaded = true
	m.snap = snap

	if snap.Stats == nil || snap.State != vpn.StateConnected {
		m.prev = nil
		m.rateIn, m.rateOut = 0, 0
		return
	}
	if m.prev != nil {
		elapsed := snap.Stats.SampledAt.Sub(m.prev.SampledAt).Seconds()
		if elapsed > 0 && snap.Stats.BytesReceived >= m.prev.BytesReceived && snap.Stats.BytesSent >= m.prev.BytesSent {
			m.rateIn = float64(snap.Stats.BytesReceived-m.prev.BytesReceived) / elapsed
			m.rateOut = float64(snap.Stats.BytesSent-m.prev.BytesSent) / elapsed
		}
	}
	stats := *snap.Stats
	m.prev = &stats
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("VPN Session") + "\n\n")

	if !m.loaded {
		b.WriteString(m.spinner.View() + " Loading...\n")
		return boxStyle.Render(b.String())
	}

	state := StateStyle(m.snap.State).Render(m.snap.State.Label())
	if m.snap.State.Busy() && m.snap.State != vpn.StateConnected {
		state = m.spinner.View() + " " + state
	}
	row(&b, "Status", state)

	if m.snap.Profile != "" {
		row(&b, "Profile", m.snap.Profile)
	}
	if m.snap.State == vpn.StateConnected {
		if !m.snap.StartedAt.IsZero() {
			row(&b, "Duration", FormatDuration(time.Since(m.snap.StartedAt)))
		}
		row(&b, "Health", m.snap.Health)
		if s := m.snap.Stats; s != nil {
			row(&b, "Received", fmt.Sprintf("%s (%s/s)", FormatBytes(s.BytesReceived), FormatBytes(uint64(m.rateIn))))
			row(&b, "Sent", fmt.Sprintf("%s (%s/s)", FormatBytes(s.BytesSent), FormatBytes(uint64(m.rateOut))))
		}
	}
	if m.snap.LastError != "" {
		row(&b, "Last error", errorStyle.Render(m.snap.LastError))
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}

	help := "q quit"
	if m.snap.State != vpn.StateDisconnected {
		help = "d disconnect • " + help
	}
	b.WriteString("\n" + helpStyle.Render(help))
	return boxStyle.Render(b.String())
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label) + value + "\n")
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders d as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	mins := d / time.Minute
	d -= mins * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, mins, d/time.Second)
}
