package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dirigent-dev/dirigent/internal/breaker"
)

// AgentCardData contains the data needed to render an agent card.
type AgentCardData struct {
	// ID is the agent's unique identifier.
	ID string
	// Type classifies the agent.
	Type string
	// Breaker is the state of the agent's circuit breaker.
	Breaker breaker.State
	// Running is the number of tasks currently executing.
	Running int
	// MaxConcurrent is the agent's concurrency cap.
	MaxConcurrent int
	// QueueDepth is the number of tasks queued behind the running ones.
	QueueDepth int
	// Utilization is the agent's load figure (0..1).
	Utilization float64
	// RegisteredAt is when the agent joined the pool.
	RegisteredAt time.Time
}

// AgentCard renders a single agent as a card.
type AgentCard struct {
	data   *AgentCardData
	width  int
	height int

	// Styles
	borderStyle   lipgloss.Style
	idStyle       lipgloss.Style
	statusBusy    lipgloss.Style
	statusIdle    lipgloss.Style
	statusTripped lipgloss.Style
	statusProbing lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
}

// NewAgentCard creates a new AgentCard instance.
func NewAgentCard() *AgentCard {
	return &AgentCard{
		width:  22,
		height: 9,

		borderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),

		idStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),

		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")), // Green

		statusIdle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")), // Gray

		statusTripped: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")), // Red

		statusProbing: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
	}
}

// SetData updates the card data.
func (c *AgentCard) SetData(data *AgentCardData) {
	c.data = data
}

// SetSize updates the card dimensions.
func (c *AgentCard) SetSize(width, height int) {
	c.width = width
	c.height = height
}

// View renders the agent card.
func (c *AgentCard) View() string {
	if c.data == nil {
		return c.borderStyle.Width(c.width - 4).Height(c.height - 2).Render("No agent")
	}

	var b strings.Builder

	b.WriteString(c.idStyle.Render(truncate(c.data.ID, c.width-6)))
	b.WriteString("\n")

	b.WriteString(c.renderStatus())
	b.WriteString("\n")

	b.WriteString(c.labelStyle.Render("Run: "))
	b.WriteString(c.valueStyle.Render(fmt.Sprintf("%d/%d", c.data.Running, c.data.MaxConcurrent)))
	b.WriteString("\n")

	b.WriteString(c.labelStyle.Render("Queue: "))
	b.WriteString(c.valueStyle.Render(fmt.Sprintf("%d", c.data.QueueDepth)))
	b.WriteString("\n")

	b.WriteString(c.labelStyle.Render("Load: "))
	b.WriteString(c.valueStyle.Render(fmt.Sprintf("%.0f%%", c.data.Utilization*100)))
	b.WriteString("\n")

	b.WriteString(c.labelStyle.Render("Up: "))
	if c.data.RegisteredAt.IsZero() {
		b.WriteString(c.valueStyle.Render("-"))
	} else {
		b.WriteString(c.valueStyle.Render(formatDuration(time.Since(c.data.RegisteredAt))))
	}

	return c.borderStyle.
		Width(c.width - 4).
		Height(c.height - 2).
		Render(b.String())
}

// renderStatus renders the status line with icon. The breaker state wins
// over load: a tripped agent is the thing worth seeing.
func (c *AgentCard) renderStatus() string {
	switch c.data.Breaker {
	case breaker.StateOpen:
		return c.statusTripped.Render(iconFailed + " Tripped")
	case breaker.StateHalfOpen:
		return c.statusProbing.Render(iconWaiting + " Probing")
	}
	if c.data.Running > 0 {
		return c.statusBusy.Render(iconRunning + " Busy")
	}
	return c.statusIdle.Render(iconPending + " Idle")
}

// Width returns the card width.
func (c *AgentCard) Width() int {
	return c.width
}

// Height returns the card height.
func (c *AgentCard) Height() int {
	return c.height
}
