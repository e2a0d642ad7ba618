package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dirigent-dev/dirigent/internal/breaker"
)

func testCards() []*AgentCardData {
	now := time.Now()
	return []*AgentCardData{
		{ID: "coder-1", Type: "coder", Breaker: breaker.StateClosed, Running: 2, MaxConcurrent: 2, RegisteredAt: now},
		{ID: "coder-2", Type: "coder", Breaker: breaker.StateOpen, MaxConcurrent: 2, RegisteredAt: now},
		{ID: "researcher-1", Type: "researcher", Breaker: breaker.StateClosed, MaxConcurrent: 1, RegisteredAt: now},
	}
}

func TestAgentsPanel_SetAgents(t *testing.T) {
	p := NewAgentsPanel()

	p.SetAgents(testCards())

	if got := p.AgentCount(); got != 3 {
		t.Errorf("AgentCount = %d, want 3", got)
	}
	if got := p.BusyCount(); got != 1 {
		t.Errorf("BusyCount = %d, want 1", got)
	}
	if got := p.TrippedCount(); got != 1 {
		t.Errorf("TrippedCount = %d, want 1", got)
	}
}

func TestAgentsPanel_SetAgents_ClampsSelection(t *testing.T) {
	p := NewAgentsPanel()
	p.SetFocused(true)
	p.SetSize(80, 30)

	p.SetAgents(testCards())
	p.Update(tea.KeyMsg{Type: tea.KeyRight})
	p.Update(tea.KeyMsg{Type: tea.KeyRight})

	p.SetAgents(testCards()[:1])

	if p.selected != 0 {
		t.Errorf("selected = %d, want 0 after shrink", p.selected)
	}
}

func TestAgentsPanel_Navigation(t *testing.T) {
	p := NewAgentsPanel()
	p.SetFocused(true)
	p.SetSize(80, 30)
	p.SetAgents(testCards())

	// Left at the first card stays put.
	p.Update(tea.KeyMsg{Type: tea.KeyLeft})
	if p.selected != 0 {
		t.Errorf("selected = %d, want 0", p.selected)
	}

	p.Update(tea.KeyMsg{Type: tea.KeyRight})
	if got := p.SelectedAgent(); got == nil || got.ID != "coder-2" {
		t.Errorf("SelectedAgent = %v, want coder-2", got)
	}

	p.Update(tea.KeyMsg{Type: tea.KeyRight})
	// Right at the last card stays put.
	p.Update(tea.KeyMsg{Type: tea.KeyRight})
	if got := p.SelectedAgent(); got == nil || got.ID != "researcher-1" {
		t.Errorf("SelectedAgent = %v, want researcher-1", got)
	}
}

func TestAgentsPanel_IgnoresKeysWhenUnfocused(t *testing.T) {
	p := NewAgentsPanel()
	p.SetSize(80, 30)
	p.SetAgents(testCards())

	p.Update(tea.KeyMsg{Type: tea.KeyRight})

	if p.selected != 0 {
		t.Errorf("selected = %d, want 0 when unfocused", p.selected)
	}
}

func TestAgentsPanel_SelectedAgentEmpty(t *testing.T) {
	p := NewAgentsPanel()

	if got := p.SelectedAgent(); got != nil {
		t.Errorf("SelectedAgent = %v, want nil for empty panel", got)
	}
}

func TestAgentCard_StatusLine(t *testing.T) {
	tests := []struct {
		name string
		data AgentCardData
		want string
	}{
		{"tripped breaker wins", AgentCardData{ID: "a", Breaker: breaker.StateOpen, Running: 3}, "Tripped"},
		{"half-open probing", AgentCardData{ID: "a", Breaker: breaker.StateHalfOpen}, "Probing"},
		{"busy", AgentCardData{ID: "a", Breaker: breaker.StateClosed, Running: 1}, "Busy"},
		{"idle", AgentCardData{ID: "a", Breaker: breaker.StateClosed}, "Idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := NewAgentCard()
			card.SetData(&tt.data)

			if got := card.renderStatus(); !strings.Contains(got, tt.want) {
				t.Errorf("renderStatus = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestAgentCard_ViewShowsLoad(t *testing.T) {
	card := NewAgentCard()
	card.SetSize(22, 9)
	card.SetData(&AgentCardData{
		ID:            "coder-1",
		Type:          "coder",
		Breaker:       breaker.StateClosed,
		Running:       1,
		MaxConcurrent: 2,
		QueueDepth:    4,
		Utilization:   0.5,
		RegisteredAt:  time.Now().Add(-90 * time.Second),
	})

	view := card.View()
	for _, want := range []string{"coder-1", "Run:", "1/2", "Queue:", "Load:", "50%"} {
		if !strings.Contains(view, want) {
			t.Errorf("card view missing %q:\n%s", want, view)
		}
	}
}
