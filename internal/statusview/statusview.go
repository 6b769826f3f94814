// Package statusview is an optional live dashboard: a small
// bubbletea/lipgloss program that renders a session controller's state,
// peers, and tracked files, refreshed on a tea.Tick-driven interval. It
// is strictly read-only; the daemon never renders document content.
package statusview

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ethersync/internal/daemon"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	ownerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

const refreshInterval = 500 * time.Millisecond

// Snapshot is one render's worth of session-controller state, assembled by
// snapshotOf only through the daemon's exported accessors, which do their
// own locking; the bubbletea update loop calls snapshotOf on each tick and
// never touches the daemon's fields directly.
type Snapshot struct {
	State      string
	SocketPath string
	PeerCount  int
	ReadOnly   bool
	Paths      []string
}

func snapshotOf(d *daemon.Daemon) Snapshot {
	s := Snapshot{
		State:      d.State().String(),
		SocketPath: d.SocketPath(),
		PeerCount:  d.Peers(),
		ReadOnly:   d.ReadOnly(),
	}
	if store := d.Store(); store != nil {
		s.Paths = store.Paths()
		sort.Strings(s.Paths)
	}
	return s
}

type tickMsg time.Time

type model struct {
	d    *daemon.Daemon
	snap Snapshot
	once bool // --once mode: render once and quit
}

func (m model) Init() tea.Cmd {
	if m.once {
		return tea.Quit
	}
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = snapshotOf(m.d)
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	fmt.Fprintln(&b, headerStyle.Render("ethersync"))
	state := m.snap.State
	if m.snap.ReadOnly {
		state += " " + ownerStyle.Render("(read-only: snapshot writes are failing)")
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("state:"), state)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("socket:"), m.snap.SocketPath)
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("peers:"), m.snap.PeerCount)
	fmt.Fprintln(&b, labelStyle.Render("files:"))
	if len(m.snap.Paths) == 0 {
		fmt.Fprintln(&b, "  (none tracked yet)")
	}
	for _, p := range m.snap.Paths {
		fmt.Fprintf(&b, "  %s\n", ownerStyle.Render(p))
	}
	if !m.once {
		fmt.Fprintln(&b, labelStyle.Render("\npress q to quit"))
	}
	return b.String()
}

// Run starts the interactive dashboard against d until the user quits.
func Run(d *daemon.Daemon) error {
	m := model{d: d, snap: snapshotOf(d)}
	_, err := tea.NewProgram(m).Run()
	return err
}

// RenderOnce prints a single static snapshot, for `ethersync status
// --once` scripting use.
func RenderOnce(d *daemon.Daemon) string {
	m := model{d: d, snap: snapshotOf(d), once: true}
	return m.View()
}
