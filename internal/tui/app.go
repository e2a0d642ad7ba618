package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dirigent-dev/dirigent/internal/breaker"
	"github.com/dirigent-dev/dirigent/internal/coordination"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// Panel indices.
const (
	PanelTasks  = 0
	PanelAgents = 1
	PanelLocks  = 2
	PanelEvents = 3
)

// View tab indices.
const (
	ViewTabMain   = 0 // Tasks + Agents combined
	ViewTabLocks  = 1 // Full-screen lock table
	ViewTabEvents = 2 // Full-screen activity log
)

// tabBarHeight is the height of the tab indicator bar.
const tabBarHeight = 1

// App is the main bubbletea model for the engine monitor.
type App struct {
	// Panels
	header      *Header
	tasksPanel  *TasksPanel
	agentsPanel *AgentsPanel
	locksPanel  *LocksPanel
	eventsPanel *EventsPanel
	footer      *Footer

	// Layout
	layout *LayoutManager

	// State
	activeTab    int
	focusedPanel int
	width        int
	height       int
	quitting     bool
	done         bool

	// showHeader controls whether the logo header is displayed.
	showHeader bool
}

// NewApp creates a new App instance.
func NewApp() *App {
	return &App{
		header:       NewHeader(),
		tasksPanel:   NewTasksPanel(),
		agentsPanel:  NewAgentsPanel(),
		locksPanel:   NewLocksPanel(),
		eventsPanel:  NewEventsPanel(),
		footer:       NewFooter(),
		layout:       NewLayoutManager(80, 24),
		focusedPanel: PanelAgents,
		showHeader:   true,
	}
}

// SetShowHeader controls whether the logo header is displayed.
func (a *App) SetShowHeader(show bool) {
	a.showHeader = show
	if show {
		a.layout.SetHeaderHeight(a.header.Height())
	} else {
		a.layout.SetHeaderHeight(0)
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit

		case "1":
			a.switchTab(ViewTabMain, PanelAgents)
		case "2":
			a.switchTab(ViewTabLocks, PanelLocks)
		case "3":
			a.switchTab(ViewTabEvents, PanelEvents)

		case "tab", "shift+tab":
			if a.activeTab == ViewTabMain {
				if a.focusedPanel == PanelTasks {
					a.focusedPanel = PanelAgents
				} else {
					a.focusedPanel = PanelTasks
				}
				a.updatePanelFocus()
			}

		case "left", "h", "right", "l":
			// Agents cards use left/right for their own navigation.
			if a.activeTab == ViewTabMain && a.focusedPanel == PanelTasks {
				a.focusedPanel = PanelAgents
				a.updatePanelFocus()
			}
		}

		cmds = append(cmds, a.forwardKey(msg))

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.layout.SetSize(msg.Width, msg.Height)
		a.updatePanelSizes()

	case SnapshotMsg:
		a.applySnapshot(msg.Snapshot)

	case EventMsg:
		a.eventsPanel.AddEvent(msg.Event)

	case RunDoneMsg:
		a.done = true
		if msg.Err != nil {
			a.footer.SetRunDone(false, msg.Err.Error())
		} else {
			a.footer.SetRunDone(true, "run complete")
		}
	}

	return a, tea.Batch(cmds...)
}

// switchTab changes the active tab and moves focus to its panel.
func (a *App) switchTab(tab, panel int) {
	if a.activeTab == tab {
		return
	}
	a.activeTab = tab
	a.focusedPanel = panel
	a.updatePanelFocus()
	a.updatePanelSizes()
	a.footer.SetActiveTab(tab)
}

// forwardKey sends a key message to the focused panel.
func (a *App) forwardKey(msg tea.KeyMsg) tea.Cmd {
	var cmd tea.Cmd
	switch a.focusedPanel {
	case PanelTasks:
		a.tasksPanel, cmd = a.tasksPanel.Update(msg)
	case PanelAgents:
		a.agentsPanel, cmd = a.agentsPanel.Update(msg)
	case PanelLocks:
		a.locksPanel, cmd = a.locksPanel.Update(msg)
	case PanelEvents:
		a.eventsPanel, cmd = a.eventsPanel.Update(msg)
	}
	return cmd
}

// applySnapshot refreshes every panel from an engine snapshot.
func (a *App) applySnapshot(snap coordination.Snapshot) {
	cards := make([]*AgentCardData, 0, len(snap.Agents))
	for _, agent := range snap.Agents {
		card := &AgentCardData{
			ID:            agent.ID,
			Type:          agent.Type,
			MaxConcurrent: agent.MaxConcurrent,
			RegisteredAt:  agent.RegisteredAt,
			Breaker:       breaker.StateClosed,
		}
		if state, ok := snap.BreakerStates[agent.ID]; ok {
			card.Breaker = state
		}
		if wl := snap.Workloads[agent.ID]; wl != nil {
			card.Running = wl.TaskCount
			card.QueueDepth = wl.QueueDepth
			card.Utilization = wl.Utilization
		}
		cards = append(cards, card)
	}
	a.agentsPanel.SetAgents(cards)

	a.tasksPanel.SetTasks(snap.Tasks)
	a.locksPanel.SetLocks(snap.Allocations, snap.Waiting)

	counts := TaskCounts{
		Completed: snap.TaskCounts[models.TaskStatusCompleted],
		Failed:    snap.TaskCounts[models.TaskStatusFailed],
	}
	counts.Running = snap.TaskCounts[models.TaskStatusRunning] + snap.TaskCounts[models.TaskStatusAssigned]
	counts.Waiting = snap.TaskCounts[models.TaskStatusPending] + snap.TaskCounts[models.TaskStatusQueued]
	a.footer.SetTaskCounts(counts)
}

// updatePanelFocus updates focus state on all panels.
func (a *App) updatePanelFocus() {
	a.tasksPanel.SetFocused(a.focusedPanel == PanelTasks)
	a.agentsPanel.SetFocused(a.focusedPanel == PanelAgents)
	a.locksPanel.SetFocused(a.focusedPanel == PanelLocks)
	a.eventsPanel.SetFocused(a.focusedPanel == PanelEvents)
	a.footer.SetFocusedPanel(a.focusedPanel)
}

// updatePanelSizes updates panel dimensions based on layout and active tab.
func (a *App) updatePanelSizes() {
	a.header.SetWidth(a.width)
	a.footer.SetWidth(a.width)

	switch a.activeTab {
	case ViewTabLocks:
		dims := a.layout.CalculateFullTab(tabBarHeight)
		a.locksPanel.SetSize(dims.FullWidth, dims.ContentHeight)
	case ViewTabEvents:
		dims := a.layout.CalculateFullTab(tabBarHeight)
		a.eventsPanel.SetSize(dims.FullWidth, dims.ContentHeight)
	default:
		dims := a.layout.CalculateMainTab(tabBarHeight)
		a.tasksPanel.SetSize(dims.TasksWidth, dims.ContentHeight)
		a.agentsPanel.SetSize(dims.AgentsWidth, dims.ContentHeight)
	}
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var content string

	switch a.activeTab {
	case ViewTabLocks:
		content = a.locksPanel.View()
	case ViewTabEvents:
		content = a.eventsPanel.View()
	default:
		dims := a.layout.CalculateMainTab(tabBarHeight)
		tasksView := lipgloss.NewStyle().
			Width(dims.TasksWidth).
			Height(dims.ContentHeight).
			Render(a.tasksPanel.View())
		agentsView := lipgloss.NewStyle().
			Width(dims.AgentsWidth).
			Height(dims.ContentHeight).
			Render(a.agentsPanel.View())
		content = lipgloss.JoinHorizontal(lipgloss.Top, tasksView, agentsView)
	}

	tabIndicator := a.renderTabIndicator()
	footer := a.footer.View()

	if a.showHeader {
		return a.header.View() + "\n" + tabIndicator + content + "\n" + footer
	}
	return tabIndicator + content + "\n" + footer
}

// renderTabIndicator renders the tab bar showing the active tab.
func (a *App) renderTabIndicator() string {
	activeStyle := lipgloss.NewStyle().Bold(true).Reverse(true)
	inactiveStyle := lipgloss.NewStyle().Faint(true)

	tabs := []string{" 1:Main ", " 2:Locks ", " 3:Events "}
	var rendered string
	for i, tab := range tabs {
		if i == a.activeTab {
			rendered += activeStyle.Render(tab)
		} else {
			rendered += inactiveStyle.Render(tab)
		}
	}
	return rendered + "\n"
}

// FocusedPanel returns the index of the currently focused panel.
func (a *App) FocusedPanel() int {
	return a.focusedPanel
}

// ActiveTab returns the currently active tab index.
func (a *App) ActiveTab() int {
	return a.activeTab
}

// Done reports whether the engine run has finished.
func (a *App) Done() bool {
	return a.done
}

// NewProgram creates a new bubbletea program running the monitor.
// The returned program receives engine updates via Send().
func NewProgram() (*tea.Program, *App) {
	app := NewApp()
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
