package tui

// PanelDimensions holds calculated dimensions for each panel in the layout.
type PanelDimensions struct {
	// TasksWidth is the width of the tasks panel (left).
	TasksWidth int
	// AgentsWidth is the width of the agents panel (right).
	AgentsWidth int
	// FullWidth is the width of a full-screen panel (locks or events tab).
	FullWidth int
	// ContentHeight is the height available for panel content.
	ContentHeight int
}

// LayoutManager calculates panel dimensions based on terminal size.
type LayoutManager struct {
	totalWidth   int
	totalHeight  int
	headerHeight int
	footerHeight int
}

// NewLayoutManager creates a new LayoutManager with the given terminal dimensions.
func NewLayoutManager(width, height int) *LayoutManager {
	return &LayoutManager{
		totalWidth:   width,
		totalHeight:  height,
		headerHeight: 12,
		footerHeight: 1,
	}
}

// SetSize updates the terminal dimensions.
func (l *LayoutManager) SetSize(width, height int) {
	l.totalWidth = width
	l.totalHeight = height
}

// SetHeaderHeight sets the header height (use 0 to disable the header).
func (l *LayoutManager) SetHeaderHeight(height int) {
	l.headerHeight = height
}

// HeaderHeight returns the height reserved for the header.
func (l *LayoutManager) HeaderHeight() int {
	return l.headerHeight
}

// CalculateMainTab returns dimensions for the main tab.
// Layout: Tasks 40%, Agents 60%.
func (l *LayoutManager) CalculateMainTab(tabBarHeight int) PanelDimensions {
	const minTasksWidth = 30

	tasksWidth := l.totalWidth * 40 / 100
	if tasksWidth < minTasksWidth {
		tasksWidth = minTasksWidth
	}
	agentsWidth := l.totalWidth - tasksWidth

	contentHeight := l.totalHeight - l.headerHeight - l.footerHeight - tabBarHeight
	if contentHeight < 1 {
		contentHeight = 1
	}

	return PanelDimensions{
		TasksWidth:    tasksWidth,
		AgentsWidth:   agentsWidth,
		ContentHeight: contentHeight,
	}
}

// CalculateFullTab returns dimensions for a full-screen tab (locks, events).
func (l *LayoutManager) CalculateFullTab(tabBarHeight int) PanelDimensions {
	contentHeight := l.totalHeight - l.headerHeight - l.footerHeight - tabBarHeight
	if contentHeight < 1 {
		contentHeight = 1
	}

	return PanelDimensions{
		FullWidth:     l.totalWidth,
		ContentHeight: contentHeight,
	}
}
