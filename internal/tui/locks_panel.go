package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// lockRow is one resource with its holder and wait queue.
type lockRow struct {
	resourceID string
	holderID   string
	lockedAt   time.Time
	waiters    []models.WaitRequest
}

// LocksPanel displays resource allocations and their wait queues.
type LocksPanel struct {
	rows         []lockRow
	scrollOffset int
	width        int
	height       int
	focused      bool

	// Styles
	titleStyle   lipgloss.Style
	emptyStyle   lipgloss.Style
	heldStyle    lipgloss.Style
	waiterStyle  lipgloss.Style
	holderStyle  lipgloss.Style
	sectionStyle lipgloss.Style
}

// NewLocksPanel creates a new LocksPanel instance.
func NewLocksPanel() *LocksPanel {
	return &LocksPanel{
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		emptyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),

		heldStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")), // Green

		waiterStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange

		holderStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")), // Blue

		sectionStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),
	}
}

// SetLocks rebuilds the rows from an allocation and wait-queue snapshot.
func (p *LocksPanel) SetLocks(allocations map[string]models.Resource, waiting map[string][]models.WaitRequest) {
	ids := make(map[string]bool, len(allocations)+len(waiting))
	for id := range allocations {
		ids[id] = true
	}
	for id := range waiting {
		ids[id] = true
	}

	p.rows = p.rows[:0]
	for id := range ids {
		row := lockRow{resourceID: id}
		if r, ok := allocations[id]; ok && r.Locked {
			row.holderID = r.HolderID
			row.lockedAt = r.LockedAt
		}
		row.waiters = waiting[id]
		p.rows = append(p.rows, row)
	}
	sort.Slice(p.rows, func(i, j int) bool { return p.rows[i].resourceID < p.rows[j].resourceID })

	if p.scrollOffset >= len(p.rows) {
		p.scrollOffset = len(p.rows) - 1
	}
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
}

// SetSize updates the panel dimensions.
func (p *LocksPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// SetFocused sets whether this panel has keyboard focus.
func (p *LocksPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles input messages.
func (p *LocksPanel) Update(msg tea.Msg) (*LocksPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if p.scrollOffset > 0 {
				p.scrollOffset--
			}
		case "down", "j":
			if p.scrollOffset < len(p.rows)-1 {
				p.scrollOffset++
			}
		case "g":
			p.scrollOffset = 0
		}
	}

	return p, nil
}

// View renders the locks panel.
func (p *LocksPanel) View() string {
	var b strings.Builder

	title := "Locks"
	if p.focused {
		title = "[Locks]"
	}
	b.WriteString(p.titleStyle.Render(title))
	b.WriteString("\n")

	if len(p.rows) == 0 {
		b.WriteString(p.emptyStyle.Render("  No locks held or contested"))
	} else {
		held := 0
		contested := 0
		for _, row := range p.rows {
			if row.holderID != "" {
				held++
			}
			if len(row.waiters) > 0 {
				contested++
			}
		}
		b.WriteString(p.sectionStyle.Render(fmt.Sprintf(" %d held, %d contested", held, contested)))
		b.WriteString("\n")

		visibleRows := p.height - 5
		if visibleRows < 1 {
			visibleRows = 1
		}

		lines := 0
		for i := p.scrollOffset; i < len(p.rows) && lines < visibleRows; i++ {
			row := p.rows[i]
			b.WriteString(p.renderRow(row))
			lines++
			if len(row.waiters) > 0 && lines < visibleRows {
				b.WriteString("\n")
				b.WriteString(p.renderWaiters(row))
				lines++
			}
			if i < len(p.rows)-1 && lines < visibleRows {
				b.WriteString("\n")
			}
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

// renderRow renders one resource line.
func (p *LocksPanel) renderRow(row lockRow) string {
	if row.holderID == "" {
		return fmt.Sprintf(" %s %s %s",
			p.emptyStyle.Render(iconPending),
			truncate(row.resourceID, 24),
			p.emptyStyle.Render("unheld"))
	}
	heldFor := ""
	if !row.lockedAt.IsZero() {
		heldFor = fmt.Sprintf(" (%s)", formatDuration(time.Since(row.lockedAt)))
	}
	return fmt.Sprintf(" %s %s held by %s%s",
		p.heldStyle.Render(iconDone),
		truncate(row.resourceID, 24),
		p.holderStyle.Render(truncate(row.holderID, 16)),
		heldFor)
}

// renderWaiters renders the wait queue line under a resource.
func (p *LocksPanel) renderWaiters(row lockRow) string {
	parts := make([]string, 0, len(row.waiters))
	for _, w := range row.waiters {
		parts = append(parts, fmt.Sprintf("%s (%s)", truncate(w.AgentID, 12), w.Priority))
	}
	return "     └─ " + p.waiterStyle.Render(truncate("waiting: "+strings.Join(parts, ", "), maxWidth(p.width-12, 20)))
}

// RowCount returns the number of resource rows.
func (p *LocksPanel) RowCount() int {
	return len(p.rows)
}
