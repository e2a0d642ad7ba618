package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// TasksPanel displays a scrollable list of tasks with status indicators.
// Active work sorts to the top; finished tasks sink to the bottom.
type TasksPanel struct {
	tasks        []*models.Task
	selected     int
	scrollOffset int
	width        int
	height       int
	focused      bool
	expanded     map[string]bool // task ID -> show dependency/resource detail

	// Styles
	titleStyle    lipgloss.Style
	selectedStyle lipgloss.Style
	normalStyle   lipgloss.Style
	pendingStyle  lipgloss.Style
	runningStyle  lipgloss.Style
	doneStyle     lipgloss.Style
	failedStyle   lipgloss.Style
	blockedStyle  lipgloss.Style
	sectionStyle  lipgloss.Style
	detailStyle   lipgloss.Style
	urgentStyle   lipgloss.Style
}

// NewTasksPanel creates a new TasksPanel instance.
func NewTasksPanel() *TasksPanel {
	return &TasksPanel{
		tasks:    make([]*models.Task, 0),
		expanded: make(map[string]bool),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		selectedStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("15")).
			Bold(true),

		normalStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")), // Gray

		runningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")), // Green

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")), // Dark green

		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")), // Red

		blockedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange

		sectionStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),

		detailStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		urgentStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
	}
}

// statusRank orders tasks for display: active work first, finished last.
func statusRank(s models.TaskStatus) int {
	switch s {
	case models.TaskStatusRunning:
		return 0
	case models.TaskStatusAssigned:
		return 1
	case models.TaskStatusQueued:
		return 2
	case models.TaskStatusPending:
		return 3
	case models.TaskStatusFailed:
		return 4
	case models.TaskStatusCancelled:
		return 5
	case models.TaskStatusCompleted:
		return 6
	default:
		return 3
	}
}

// SetTasks replaces the task list and re-sorts it for display.
func (p *TasksPanel) SetTasks(tasks []*models.Task) {
	p.tasks = append(p.tasks[:0], tasks...)
	sort.SliceStable(p.tasks, func(i, j int) bool {
		a, b := p.tasks[i], p.tasks[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if pa, pb := a.Priority.Rank(), b.Priority.Rank(); pa != pb {
			return pa > pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if p.selected >= len(p.tasks) {
		p.selected = len(p.tasks) - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
}

// SetSize updates the panel dimensions.
func (p *TasksPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// SetFocused sets whether this panel has keyboard focus.
func (p *TasksPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles input messages.
func (p *TasksPanel) Update(msg tea.Msg) (*TasksPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if p.selected > 0 {
				p.selected--
				p.ensureVisible()
			}
		case "down", "j":
			if p.selected < len(p.tasks)-1 {
				p.selected++
				p.ensureVisible()
			}
		case "enter":
			if task := p.SelectedTask(); task != nil {
				p.expanded[task.ID] = !p.expanded[task.ID]
			}
		}
	}

	return p, nil
}

// ensureVisible adjusts scroll offset to keep the selected row visible.
func (p *TasksPanel) ensureVisible() {
	visibleRows := p.height - 5
	if visibleRows < 1 {
		visibleRows = 1
	}

	if p.selected < p.scrollOffset {
		p.scrollOffset = p.selected
	} else if p.selected >= p.scrollOffset+visibleRows {
		p.scrollOffset = p.selected - visibleRows + 1
	}
}

// View renders the tasks panel.
func (p *TasksPanel) View() string {
	var b strings.Builder

	title := "Tasks"
	if p.focused {
		title = "[Tasks]"
	}
	b.WriteString(p.titleStyle.Render(title))
	b.WriteString("\n")

	if len(p.tasks) == 0 {
		b.WriteString(p.normalStyle.Render("  No tasks"))
	} else {
		active := 0
		finished := 0
		for _, task := range p.tasks {
			if task.Status.Terminal() {
				finished++
			} else {
				active++
			}
		}
		b.WriteString(p.sectionStyle.Render(fmt.Sprintf(" %d active, %d finished", active, finished)))
		b.WriteString("\n")

		visibleRows := p.height - 5
		if visibleRows < 1 {
			visibleRows = 1
		}
		end := p.scrollOffset + visibleRows
		if end > len(p.tasks) {
			end = len(p.tasks)
		}
		start := p.scrollOffset
		if start < 0 {
			start = 0
		}

		for i := start; i < end; i++ {
			b.WriteString(p.renderTaskLine(p.tasks[i], i == p.selected))
			if i < end-1 {
				b.WriteString("\n")
			}
		}

		if len(p.tasks) > visibleRows {
			b.WriteString("\n")
			b.WriteString(p.sectionStyle.Render(fmt.Sprintf(" [%d-%d/%d]", start+1, end, len(p.tasks))))
		}
	}

	borderColor := lipgloss.Color("240")
	if p.focused {
		borderColor = lipgloss.Color("63") // Blue when focused
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Width(p.width - 2).
		Height(p.height - 2).
		Render(b.String())
}

// renderTaskLine renders one task row, plus detail lines when expanded.
func (p *TasksPanel) renderTaskLine(task *models.Task, selected bool) string {
	icon := p.statusIcon(task.Status)

	marker := ""
	switch task.Priority {
	case models.PriorityCritical:
		marker = p.urgentStyle.Render("‼ ")
	case models.PriorityHigh:
		marker = p.blockedStyle.Render("! ")
	}

	agentSuffix := ""
	if task.AssignedTo != "" {
		agentSuffix = fmt.Sprintf(" [%s]", truncate(task.AssignedTo, 8))
	}
	retrySuffix := ""
	if task.RetryCount > 0 {
		retrySuffix = p.blockedStyle.Render(fmt.Sprintf(" r%d", task.RetryCount))
	}

	maxIDLen := p.width - 12 - len(agentSuffix)
	if maxIDLen < 10 {
		maxIDLen = 10
	}
	line := fmt.Sprintf(" %s %s%s%s%s", icon, marker, truncate(task.ID, maxIDLen),
		p.detailStyle.Render(agentSuffix), retrySuffix)

	if task.Status == models.TaskStatusFailed && task.Error != "" {
		line += "\n     " + p.failedStyle.Render(truncate(task.Error, maxWidth(p.width-10, 20)))
	}

	if p.expanded[task.ID] {
		if len(task.DependsOn) > 0 {
			line += "\n     " + p.detailStyle.Render(truncate("needs: "+strings.Join(task.DependsOn, ", "), maxWidth(p.width-10, 20)))
		}
		if len(task.Resources) > 0 {
			line += "\n     " + p.detailStyle.Render(truncate("locks: "+strings.Join(task.Resources, ", "), maxWidth(p.width-10, 20)))
		}
		if task.Type != "" {
			line += "\n     " + p.detailStyle.Render(fmt.Sprintf("type: %s, priority: %s", task.Type, task.Priority))
		}
	}

	if selected {
		return p.selectedStyle.Render(line)
	}
	return p.normalStyle.Render(line)
}

// statusIcon returns the styled icon for a task status.
func (p *TasksPanel) statusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusRunning:
		return p.runningStyle.Render(iconRunning)
	case models.TaskStatusAssigned:
		return p.runningStyle.Render(iconWaiting)
	case models.TaskStatusQueued:
		return p.pendingStyle.Render(iconPending)
	case models.TaskStatusPending:
		return p.blockedStyle.Render(iconWaiting)
	case models.TaskStatusCompleted:
		return p.doneStyle.Render(iconDone)
	case models.TaskStatusFailed:
		return p.failedStyle.Render(iconFailed)
	case models.TaskStatusCancelled:
		return p.pendingStyle.Render(iconPaused)
	default:
		return p.pendingStyle.Render(iconPending)
	}
}

// SelectedTask returns the currently selected task, or nil if none.
func (p *TasksPanel) SelectedTask() *models.Task {
	if len(p.tasks) == 0 || p.selected < 0 || p.selected >= len(p.tasks) {
		return nil
	}
	return p.tasks[p.selected]
}

// TaskCount returns the total number of tasks.
func (p *TasksPanel) TaskCount() int {
	return len(p.tasks)
}

// maxWidth clamps a width to a floor.
func maxWidth(w, floor int) int {
	if w < floor {
		return floor
	}
	return w
}
