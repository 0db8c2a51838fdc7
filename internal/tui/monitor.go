// Package tui renders the live coordination monitor: a rolling feed of lock,
// session, and webhook events from the bus, with counters on top. Read-only;
// all state changes happen elsewhere.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/portside/anchor/internal/bus"
)

const maxFeedItems = 50

// Counters is the aggregate view across all event types since the monitor
// started.
type Counters struct {
	LocksAcquired  int
	LocksReleased  int
	StaleReleases  int
	SessionWrites  int
	Transitions    int
	WebhooksOK     int
	WebhookRetries int
	DeadLetters    int
}

// feedItem is one rendered line in the rolling event feed.
type feedItem struct {
	At      time.Time
	Icon    string
	Message string
	Warn    bool
}

type model struct {
	events <-chan bus.Event

	counters Counters
	feed     []feedItem
	started  time.Time
	paused   bool
	width    int
}

type tickMsg time.Time

type busMsg bus.Event

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForEvent blocks on the subscription channel and hands the next event to
// Update. A closed channel quits the program.
func waitForEvent(events <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return tea.Quit()
		}
		return busMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tickCmd()
	case busMsg:
		if !m.paused {
			m.apply(bus.Event(msg))
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

// apply folds one bus event into the counters and the feed.
func (m *model) apply(ev bus.Event) {
	item := feedItem{At: time.Now()}
	switch payload := ev.Payload.(type) {
	case bus.LockEvent:
		switch ev.Topic {
		case bus.TopicLockAcquired:
			m.counters.LocksAcquired++
			item.Icon = "+"
			item.Message = fmt.Sprintf("lock %s acquired (waited %dms)", payload.Key, payload.WaitMs)
		case bus.TopicLockReleased:
			m.counters.LocksReleased++
			item.Icon = "-"
			item.Message = fmt.Sprintf("lock %s released", payload.Key)
		case bus.TopicLockStaleRelease:
			m.counters.StaleReleases++
			item.Icon = "!"
			item.Warn = true
			item.Message = fmt.Sprintf("lock %s expired before release", payload.Key)
		default:
			return
		}
	case bus.SessionEvent:
		m.counters.SessionWrites++
		item.Icon = "*"
		switch ev.Topic {
		case bus.TopicSessionCreated:
			item.Message = fmt.Sprintf("session %s created", payload.SessionID)
		case bus.TopicSessionDeleted:
			item.Message = fmt.Sprintf("session %s deleted", payload.SessionID)
		default:
			item.Message = fmt.Sprintf("session %s rev %d", payload.SessionID, payload.Revision)
		}
	case bus.TaskTransitionEvent:
		m.counters.Transitions++
		item.Icon = ">"
		item.Message = fmt.Sprintf("task %s/%s %s -> %s", payload.SessionID, payload.TaskID, payload.From, payload.To)
	case bus.WebhookEvent:
		switch ev.Topic {
		case bus.TopicWebhookCompleted:
			m.counters.WebhooksOK++
			item.Icon = "+"
			item.Message = fmt.Sprintf("webhook %s completed", payload.EventID)
		case bus.TopicWebhookRetryScheduled:
			m.counters.WebhookRetries++
			item.Icon = "~"
			item.Warn = true
			item.Message = fmt.Sprintf("webhook %s retry %d in %s", payload.EventID, payload.Attempts, time.Duration(payload.NextRetryMs)*time.Millisecond)
		case bus.TopicWebhookDeadLetter:
			m.counters.DeadLetters++
			item.Icon = "x"
			item.Warn = true
			item.Message = fmt.Sprintf("webhook %s dead-lettered after %d attempts", payload.EventID, payload.Attempts)
		case bus.TopicWebhookAccepted, bus.TopicWebhookRequeued:
			item.Icon = "*"
			item.Message = fmt.Sprintf("webhook %s %s", payload.EventID, payload.Status)
		default:
			return
		}
	default:
		return
	}

	m.feed = append(m.feed, item)
	if len(m.feed) > maxFeedItems {
		m.feed = m.feed[1:]
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	lineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func (m model) View() string {
	var out strings.Builder

	out.WriteString(titleStyle.Render("Anchor Monitor") + "\n")
	out.WriteString(dimStyle.Render(fmt.Sprintf("uptime %s", time.Since(m.started).Truncate(time.Second))))
	if m.paused {
		out.WriteString(warnStyle.Render("  [paused]"))
	}
	out.WriteString("\n\n")

	c := m.counters
	out.WriteString(lineStyle.Render(fmt.Sprintf(
		"locks: %d acquired / %d released / %d stale", c.LocksAcquired, c.LocksReleased, c.StaleReleases)) + "\n")
	out.WriteString(lineStyle.Render(fmt.Sprintf(
		"sessions: %d writes / %d task transitions", c.SessionWrites, c.Transitions)) + "\n")
	out.WriteString(lineStyle.Render(fmt.Sprintf(
		"webhooks: %d completed / %d retries / %d dead-lettered", c.WebhooksOK, c.WebhookRetries, c.DeadLetters)) + "\n\n")

	out.WriteString(dimStyle.Render("── events ──") + "\n")
	if len(m.feed) == 0 {
		out.WriteString(dimStyle.Render("(waiting for activity)") + "\n")
	}
	start := 0
	if len(m.feed) > 15 {
		start = len(m.feed) - 15
	}
	for _, it := range m.feed[start:] {
		line := fmt.Sprintf("%s %s %s", it.At.Format("15:04:05"), it.Icon, it.Message)
		if it.Warn {
			out.WriteString(warnStyle.Render(line) + "\n")
		} else {
			out.WriteString(lineStyle.Render(line) + "\n")
		}
	}

	out.WriteString("\n" + dimStyle.Render("p pause · q quit") + "\n")
	return out.String()
}

// Run starts the monitor over a fresh subscription to every topic on the bus
// and blocks until the user quits or the context is canceled.
func Run(ctx context.Context, eventBus *bus.Bus) error {
	defer bestEffortResetTTY()

	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	m := model{events: sub.Ch(), started: time.Now()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
