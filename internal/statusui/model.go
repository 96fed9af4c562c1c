// Package statusui is a terminal status indicator for a running agent. It
// polls the Status API, lists recent notifications and can fire the manual
// sync trigger.
package statusui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"rentsync/internal/notify"
	"rentsync/internal/syncer"
)

const (
	defaultPollEvery = 2 * time.Second
	notificationRows = 5
)

type Options struct {
	Context   context.Context
	Client    StatusFetcher
	PollEvery time.Duration
}

type Model struct {
	ctx       context.Context
	client    StatusFetcher
	pollEvery time.Duration
	keys      keyMap

	status      syncer.Status
	notes       []notify.Notification
	err         error
	lastUpdated time.Time

	triggering bool
	flash      string
	width      int
}

func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	poll := opts.PollEvery
	if poll <= 0 {
		poll = defaultPollEvery
	}
	return Model{ctx: ctx, client: opts.Client, pollEvery: poll, keys: defaultKeyMap()}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.ctx, m.client), tickCmd(m.pollEvery))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.ctx, m.client), tickCmd(m.pollEvery))

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.notes = msg.notes
			m.lastUpdated = msg.at
		}
		return m, nil

	case syncDoneMsg:
		m.triggering = false
		switch {
		case errors.Is(msg.err, ErrSyncInProgress):
			m.flash = "A sync is already running."
		case msg.err != nil:
			m.flash = "Sync failed: " + msg.err.Error()
		default:
			m.flash = summaryLine(msg.sum)
		}
		return m, fetchCmd(m.ctx, m.client)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Refresh):
		return m, fetchCmd(m.ctx, m.client)
	case key.Matches(msg, m.keys.Sync):
		if m.triggering {
			return m, nil
		}
		m.triggering = true
		m.flash = "Syncing..."
		return m, syncCmd(m.ctx, m.client)
	}
	return m, nil
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#BD93F9"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	levelStyles = map[notify.Level]lipgloss.Style{
		notify.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD")),
		notify.LevelSuccess: onlineStyle,
		notify.LevelWarning: pendingStyle,
		notify.LevelError:   offlineStyle,
	}
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("rentsync"))
	b.WriteString("  ")
	b.WriteString(m.connectionBadge())
	b.WriteString("\n\n")

	box := boxStyle
	if m.width > 4 {
		box = box.Width(min(m.width-4, 60))
	}
	b.WriteString(box.Render(m.renderStatus()))
	b.WriteString("\n")

	if len(m.notes) > 0 {
		b.WriteString(titleStyle.Render("Recent"))
		b.WriteString("\n")
		for i, n := range m.notes {
			if i == notificationRows {
				break
			}
			style, ok := levelStyles[n.Level]
			if !ok {
				style = mutedStyle
			}
			b.WriteString(style.Render(fmt.Sprintf("%-8s", n.Level)))
			b.WriteString(" ")
			b.WriteString(n.Message)
			b.WriteString(mutedStyle.Render("  " + n.At.Local().Format("15:04:05")))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if m.flash != "" {
		b.WriteString(m.flash)
		b.WriteString("\n")
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) connectionBadge() string {
	switch {
	case m.err != nil:
		return offlineStyle.Render("● agent unreachable")
	case m.lastUpdated.IsZero():
		return mutedStyle.Render("● connecting")
	case m.status.IsOnline:
		return onlineStyle.Render("● online")
	default:
		return offlineStyle.Render("● offline")
	}
}

func (m Model) renderStatus() string {
	if m.err != nil {
		return offlineStyle.Render(m.err.Error())
	}
	var lines []string
	switch {
	case m.status.IsSyncing:
		lines = append(lines, pendingStyle.Render(fmt.Sprintf("Syncing %d pending action(s)...", m.status.QueueLength)))
	case m.status.QueueLength > 0:
		lines = append(lines, pendingStyle.Render(fmt.Sprintf("%d action(s) waiting to sync", m.status.QueueLength)))
	default:
		lines = append(lines, "All changes synced")
	}
	lines = append(lines, "Last sync: "+relative(m.status.LastSync, time.Now()))
	lines = append(lines, mutedStyle.Render(fmt.Sprintf("synced %d · abandoned %d", m.status.Synced, m.status.Abandoned)))
	return strings.Join(lines, "\n")
}

func (m Model) renderHelp() string {
	parts := make([]string, 0, 3)
	for _, k := range m.keys.bindings() {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return mutedStyle.Render(strings.Join(parts, " · "))
}

func summaryLine(s syncer.Summary) string {
	msg := fmt.Sprintf("Synced %d", s.Synced)
	if s.Retrying > 0 {
		msg += fmt.Sprintf(", %d will retry", s.Retrying)
	}
	if s.Abandoned > 0 {
		msg += fmt.Sprintf(", %d failed", s.Abandoned)
	}
	return msg + "."
}

func relative(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

// Messages

type tickMsg time.Time

type statusMsg struct {
	status syncer.Status
	notes  []notify.Notification
	err    error
	at     time.Time
}

type syncDoneMsg struct {
	sum syncer.Summary
	err error
}

// Commands

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(ctx context.Context, client StatusFetcher) tea.Cmd {
	return func() tea.Msg {
		st, err := client.FetchStatus(ctx)
		if err != nil {
			return statusMsg{err: err}
		}
		notes, err := client.FetchNotifications(ctx, notificationRows)
		if err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{status: st, notes: notes, at: time.Now()}
	}
}

func syncCmd(ctx context.Context, client StatusFetcher) tea.Cmd {
	return func() tea.Msg {
		sum, err := client.TriggerSync(ctx)
		return syncDoneMsg{sum: sum, err: err}
	}
}

// Run starts the Bubble Tea program and blocks until the user quits.
func Run(opts Options) error {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	p := tea.NewProgram(New(opts), tea.WithContext(opts.Context))
	_, err := p.Run()
	return err
}
