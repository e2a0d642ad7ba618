package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// TaskCounts holds the count of tasks in each status bucket.
type TaskCounts struct {
	Completed int
	Failed    int
	Running   int
	Waiting   int
}

// Footer renders the status bar, a run progress bar, and keyboard hints.
type Footer struct {
	message      string
	success      bool
	runDone      bool
	focusedPanel int
	activeTab    int
	width        int
	taskCounts   TaskCounts
	bar          progress.Model

	// Styles
	successStyle   lipgloss.Style
	errorStyle     lipgloss.Style
	hintStyle      lipgloss.Style
	separatorStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 14

	return &Footer{
		focusedPanel: PanelAgents,
		bar:          bar,

		successStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")).
			Bold(true),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		separatorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("236")),
	}
}

// SetRunDone marks the engine run as complete.
func (f *Footer) SetRunDone(success bool, message string) {
	f.runDone = true
	f.success = success
	f.message = message
}

// SetFocusedPanel sets which panel is currently focused.
func (f *Footer) SetFocusedPanel(panel int) {
	f.focusedPanel = panel
}

// SetActiveTab sets which tab is currently shown.
func (f *Footer) SetActiveTab(tab int) {
	f.activeTab = tab
}

// SetWidth sets the footer width.
func (f *Footer) SetWidth(width int) {
	f.width = width
}

// SetTaskCounts updates the task counts for display.
func (f *Footer) SetTaskCounts(counts TaskCounts) {
	f.taskCounts = counts
}

// View renders the footer.
func (f *Footer) View() string {
	var left string

	total := f.taskCounts.Completed + f.taskCounts.Failed + f.taskCounts.Running + f.taskCounts.Waiting
	if total > 0 {
		counts := fmt.Sprintf("✓%d", f.taskCounts.Completed)
		if f.taskCounts.Failed > 0 {
			counts += f.errorStyle.Render(fmt.Sprintf(" ✗%d", f.taskCounts.Failed))
		}
		if f.taskCounts.Running > 0 {
			counts += fmt.Sprintf(" ●%d", f.taskCounts.Running)
		}
		if f.taskCounts.Waiting > 0 {
			counts += fmt.Sprintf(" ○%d", f.taskCounts.Waiting)
		}
		done := float64(f.taskCounts.Completed+f.taskCounts.Failed) / float64(total)
		left = counts + " " + f.bar.ViewAs(done)
	}

	if f.runDone {
		if f.success {
			left = f.successStyle.Render("✓ " + f.message)
		} else {
			left = f.errorStyle.Render("✗ " + f.message)
		}
	}

	right := f.keyboardHints()

	sep := f.separatorStyle.Render(" │ ")
	if left != "" && right != "" {
		return left + sep + right
	} else if left != "" {
		return left
	}
	return right
}

// keyboardHints returns context-sensitive keyboard hints.
func (f *Footer) keyboardHints() string {
	if f.runDone {
		return f.hintStyle.Render("Press q to exit")
	}

	hints := "1/2/3 tabs"

	switch f.focusedPanel {
	case PanelTasks:
		hints += " │ ↑/↓ select │ enter details │ tab panel"
	case PanelAgents:
		hints += " │ ↑/↓/←/→ nav │ tab panel"
	case PanelLocks:
		hints += " │ ↑/↓ scroll"
	case PanelEvents:
		hints += " │ ↑/↓ scroll │ f filter │ a auto-scroll"
	}

	hints += " │ q quit"

	return f.hintStyle.Render(hints)
}
