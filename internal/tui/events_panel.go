package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dirigent-dev/dirigent/internal/events"
)

// LogLevel represents the severity of an activity entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// eventEntry is a single rendered line in the activity log.
type eventEntry struct {
	Timestamp time.Time
	Level     LogLevel
	AgentID   string
	Message   string
}

// EventsPanel displays a filterable, scrollable activity log built from
// engine events.
type EventsPanel struct {
	entries       []eventEntry
	filter        string   // "all" or a truncated agent ID
	filterOptions []string // Available filter options
	filterIndex   int
	scrollOffset  int
	autoScroll    bool
	width         int
	height        int
	focused       bool
	maxEntries    int

	// Styles
	titleStyle   lipgloss.Style
	filterStyle  lipgloss.Style
	infoStyle    lipgloss.Style
	warnStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	timeStyle    lipgloss.Style
	agentStyle   lipgloss.Style
	messageStyle lipgloss.Style
	emptyStyle   lipgloss.Style
}

// NewEventsPanel creates a new EventsPanel instance.
func NewEventsPanel() *EventsPanel {
	return &EventsPanel{
		entries:       make([]eventEntry, 0),
		filter:        "all",
		filterOptions: []string{"all"},
		autoScroll:    true,
		maxEntries:    1000,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		filterStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),

		infoStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")), // Green

		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")), // Red

		timeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		agentStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")), // Blue

		messageStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		emptyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),
	}
}

// AddEvent converts an engine event into a log entry and appends it.
func (p *EventsPanel) AddEvent(ev events.Event) {
	entry := eventEntry{
		Timestamp: ev.Timestamp,
		Level:     eventLevel(ev),
		AgentID:   ev.AgentID,
		Message:   eventMessage(ev),
	}
	p.entries = append(p.entries, entry)

	if len(p.entries) > p.maxEntries {
		p.entries = p.entries[len(p.entries)-p.maxEntries:]
	}

	if entry.AgentID != "" {
		p.addFilterOption(entry.AgentID)
	}

	if p.autoScroll {
		p.scrollToBottom()
	}
}

// eventLevel maps an event type to a display severity.
func eventLevel(ev events.Event) LogLevel {
	switch ev.Type {
	case events.TaskFailed, events.DeadlockDetected:
		return LogLevelError
	case events.TaskCancelled, events.BreakerStateChange, events.ConflictReported:
		return LogLevelWarn
	default:
		if ev.Error != nil {
			return LogLevelError
		}
		return LogLevelInfo
	}
}

// eventMessage builds the log line text for an event.
func eventMessage(ev events.Event) string {
	var b strings.Builder
	b.WriteString(string(ev.Type))

	switch {
	case ev.TaskID != "":
		b.WriteString(" " + ev.TaskID)
	case ev.ResourceID != "":
		b.WriteString(" " + ev.ResourceID)
	case ev.BreakerName != "":
		b.WriteString(" " + ev.BreakerName)
	case ev.ConflictID != "":
		b.WriteString(" " + ev.ConflictID)
	}

	if ev.FromState != "" && ev.ToState != "" {
		b.WriteString(fmt.Sprintf(" %s>%s", ev.FromState, ev.ToState))
	}
	if ev.SourceAgent != "" && ev.TargetAgent != "" {
		b.WriteString(fmt.Sprintf(" %s>%s (%d tasks)", ev.SourceAgent, ev.TargetAgent, len(ev.TaskIDs)))
	}
	if ev.Message != "" {
		b.WriteString(": " + ev.Message)
	}
	if ev.Error != nil {
		b.WriteString(": " + ev.Error.Error())
	}
	return b.String()
}

// addFilterOption adds an agent ID to filter options if not already present.
func (p *EventsPanel) addFilterOption(agentID string) {
	displayID := truncate(agentID, 8)
	for _, opt := range p.filterOptions {
		if opt == displayID {
			return
		}
	}
	p.filterOptions = append(p.filterOptions, displayID)
}

// SetSize updates the panel dimensions.
func (p *EventsPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// SetFocused sets whether this panel has keyboard focus.
func (p *EventsPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles input messages.
func (p *EventsPanel) Update(msg tea.Msg) (*EventsPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if p.scrollOffset > 0 {
				p.scrollOffset--
				p.autoScroll = false
			}
		case "down", "j":
			filtered := p.filteredEntries()
			if p.scrollOffset < len(filtered)-p.visibleLines() {
				p.scrollOffset++
			}
		case "f":
			p.filterIndex = (p.filterIndex + 1) % len(p.filterOptions)
			p.filter = p.filterOptions[p.filterIndex]
			p.scrollToBottom()
		case "g":
			p.scrollOffset = 0
			p.autoScroll = false
		case "G":
			p.scrollToBottom()
			p.autoScroll = true
		case "a":
			p.autoScroll = !p.autoScroll
			if p.autoScroll {
				p.scrollToBottom()
			}
		}
	}

	return p, nil
}

// visibleLines returns the number of visible log lines.
func (p *EventsPanel) visibleLines() int {
	lines := p.height - 5
	if lines < 1 {
		lines = 1
	}
	return lines
}

// scrollToBottom scrolls to the bottom of the log.
func (p *EventsPanel) scrollToBottom() {
	filtered := p.filteredEntries()
	p.scrollOffset = len(filtered) - p.visibleLines()
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
}

// filteredEntries returns entries filtered by the current agent filter.
func (p *EventsPanel) filteredEntries() []eventEntry {
	if p.filter == "all" {
		return p.entries
	}

	filtered := make([]eventEntry, 0)
	for _, entry := range p.entries {
		if truncate(entry.AgentID, 8) == p.filter {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// View renders the events panel.
func (p *EventsPanel) View() string {
	var b strings.Builder

	title := "Events"
	if p.focused {
		title = "[Events]"
	}
	b.WriteString(p.titleStyle.Render(title))

	filterText := fmt.Sprintf(" [%s]", p.filter)
	if p.autoScroll {
		filterText += " (auto)"
	}
	b.WriteString(p.filterStyle.Render(filterText))
	b.WriteString("\n")

	filtered := p.filteredEntries()
	visibleLines := p.visibleLines()

	if len(filtered) == 0 {
		b.WriteString(p.emptyStyle.Render("  No events"))
	} else {
		endIdx := p.scrollOffset + visibleLines
		if endIdx > len(filtered) {
			endIdx = len(filtered)
		}
		startIdx := p.scrollOffset
		if startIdx < 0 {
			startIdx = 0
		}

		for i := startIdx; i < endIdx; i++ {
			b.WriteString(p.renderEntry(filtered[i]))
			b.WriteString("\n")
		}

		if len(filtered) > visibleLines {
			scrollPct := float64(p.scrollOffset) / float64(len(filtered)-visibleLines) * 100
			b.WriteString(p.timeStyle.Render(fmt.Sprintf(" [%d/%d %.0f%%]", endIdx, len(filtered), scrollPct)))
		}
	}

	borderColor := lipgloss.Color("240")
	if p.focused {
		borderColor = lipgloss.Color("63")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Width(p.width - 2).
		Height(p.height - 2).
		Render(b.String())
}

// renderEntry renders a single log line.
func (p *EventsPanel) renderEntry(entry eventEntry) string {
	var parts []string

	parts = append(parts, p.timeStyle.Render(entry.Timestamp.Format("15:04:05")))

	levelStyle := p.infoStyle
	levelIcon := "I"
	switch entry.Level {
	case LogLevelWarn:
		levelStyle = p.warnStyle
		levelIcon = "W"
	case LogLevelError:
		levelStyle = p.errorStyle
		levelIcon = "E"
	}
	parts = append(parts, levelStyle.Render(levelIcon))

	if entry.AgentID != "" && p.filter == "all" {
		parts = append(parts, p.agentStyle.Render("["+truncate(entry.AgentID, 6)+"]"))
	}

	parts = append(parts, p.messageStyle.Render(truncate(entry.Message, maxWidth(p.width-25, 20))))

	return strings.Join(parts, " ")
}

// EntryCount returns the total number of entries.
func (p *EventsPanel) EntryCount() int {
	return len(p.entries)
}

// FilteredCount returns the number of entries matching the current filter.
func (p *EventsPanel) FilteredCount() int {
	return len(p.filteredEntries())
}

// CurrentFilter returns the current filter value.
func (p *EventsPanel) CurrentFilter() string {
	return p.filter
}
