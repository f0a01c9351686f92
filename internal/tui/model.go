// Package tui is the live watch view of a running agent, driven over the
// control socket.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/otter/internal/model"
)

// DefaultInterval is how often the view polls the agent.
const DefaultInterval = time.Second

// Source is the control surface the view polls and drives.
// *socketrpc.Client satisfies it.
type Source interface {
	Status() (model.ConsumerStatus, error)
	Depth() (model.Depth, error)
	Pause() error
	Resume() error
	Reconnect() error
}

// Unbound reports whether an error means no consumer is currently bound.
// Nil treats every error as a failure.
type Unbound func(err error) bool

type tickMsg time.Time

type snapshotMsg struct {
	status   model.ConsumerStatus
	depth    model.Depth
	bound    bool
	err      error
	polledAt time.Time
}

type actionMsg struct {
	name string
	err  error
}

// Model is the Bubble Tea model for the watch view.
type Model struct {
	src      Source
	unbound  Unbound
	interval time.Duration
	now      func() time.Time

	keys     KeyMap
	help     help.Model
	progress progress.Model

	status   model.ConsumerStatus
	depth    model.Depth
	bound    bool
	err      error
	notice   string
	polledAt time.Time
	polls    int

	width  int
	height int
}

// NewModel returns a watch view polling src every interval.
func NewModel(src Source, interval time.Duration, unbound Unbound) *Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Model{
		src:      src,
		unbound:  unbound,
		interval: interval,
		now:      time.Now,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func (m *Model) Init() tea.Cmd {
	return m.poll()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.progress.Width = max(10, min(60, msg.Width-24))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, m.poll()

	case snapshotMsg:
		m.polls++
		m.polledAt = msg.polledAt
		m.err = msg.err
		m.bound = msg.bound
		m.depth = msg.depth
		if msg.bound {
			m.status = msg.status
		}
		return m, m.tick()

	case actionMsg:
		if msg.err != nil {
			m.notice = msg.name + " failed: " + msg.err.Error()
		} else {
			m.notice = msg.name + " sent"
		}
		return m, m.poll()
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit), key.Matches(msg, m.keys.ForceQuit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Refresh):
		return m, m.poll()
	case key.Matches(msg, m.keys.Pause):
		return m, m.action("pause", m.src.Pause)
	case key.Matches(msg, m.keys.Resume):
		return m, m.action("resume", m.src.Resume)
	case key.Matches(msg, m.keys.Reconnect):
		return m, m.action("reconnect", m.src.Reconnect)
	}
	return m, nil
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// poll fetches depth, which is always served, then the bound consumer.
func (m *Model) poll() tea.Cmd {
	src, unbound, now := m.src, m.unbound, m.now
	return func() tea.Msg {
		snap := snapshotMsg{polledAt: now()}
		snap.depth, snap.err = src.Depth()
		if snap.err != nil {
			return snap
		}
		st, err := src.Status()
		switch {
		case err == nil:
			snap.status, snap.bound = st, true
		case unbound != nil && unbound(err):
		default:
			snap.err = err
		}
		return snap
	}
}

func (m *Model) action(name string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{name: name, err: fn()}
	}
}
