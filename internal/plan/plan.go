// Package plan loads and validates YAML task plans. A plan declares a
// batch of tasks with dependencies and resource requirements; validation
// catches duplicate ids, dangling references, and cycles before the
// batch reaches the engine.
package plan

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
	"go.yaml.in/yaml/v3"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// Plan is a declarative set of tasks submitted to the engine together.
type Plan struct {
	// Name labels the plan in logs and the audit trail.
	Name string `yaml:"name"`
	// Agents optionally declares the agent pool the plan expects. When
	// empty the caller supplies its own pool.
	Agents []AgentSpec `yaml:"agents"`
	// Tasks lists the work the plan declares.
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task in a plan file.
type TaskSpec struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Priority    string         `yaml:"priority"`
	DependsOn   []string       `yaml:"depends_on"`
	Resources   []string       `yaml:"resources"`
	Payload     map[string]any `yaml:"payload"`
}

// AgentSpec declares one agent in a plan's optional pool.
type AgentSpec struct {
	ID            string   `yaml:"id"`
	Type          string   `yaml:"type"`
	Priority      int      `yaml:"priority"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Domains       []string `yaml:"domains"`
	Tools         []string `yaml:"tools"`
	Languages     []string `yaml:"languages"`
	Frameworks    []string `yaml:"frameworks"`
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return p, nil
}

// Parse parses plan YAML.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &p, nil
}

// Validate checks the plan for structural problems: missing or duplicate
// task ids, invalid priorities, references to unknown dependencies,
// self-dependencies, and dependency cycles. On success it returns a
// suggested execution order (a topological sort of the declared tasks).
// The engine's dependency graph remains authoritative at submission; this
// is a fast pre-check so the CLI can fail before starting an engine.
func (p *Plan) Validate() ([]string, error) {
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("plan declares no tasks")
	}

	agentIDs := make(map[string]bool, len(p.Agents))
	for i, spec := range p.Agents {
		if spec.ID == "" {
			return nil, fmt.Errorf("agent at index %d has no id", i)
		}
		if agentIDs[spec.ID] {
			return nil, fmt.Errorf("duplicate agent id %q", spec.ID)
		}
		agentIDs[spec.ID] = true
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i, spec := range p.Tasks {
		if spec.ID == "" {
			return nil, fmt.Errorf("task at index %d has no id", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate task id %q", spec.ID)
		}
		seen[spec.ID] = true

		if spec.Priority != "" && !models.Priority(spec.Priority).Valid() {
			return nil, fmt.Errorf("task %q has invalid priority %q", spec.ID, spec.Priority)
		}
	}

	for _, spec := range p.Tasks {
		for _, dep := range spec.DependsOn {
			if dep == spec.ID {
				return nil, fmt.Errorf("task %q depends on itself", spec.ID)
			}
			if !seen[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", spec.ID, dep)
			}
		}
	}

	order, err := suggestedOrder(p.Tasks)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// suggestedOrder runs a topological sort over the declared tasks.
func suggestedOrder(specs []TaskSpec) ([]string, error) {
	sorted := make([]TaskSpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var edges []toposort.Edge
	for _, spec := range sorted {
		if len(spec.DependsOn) == 0 {
			// Edge from nil keeps dependency-free tasks in the result.
			edges = append(edges, toposort.Edge{nil, spec.ID})
			continue
		}
		deps := append([]string(nil), spec.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, spec.ID})
		}
	}

	result, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("plan contains a dependency cycle: %w", err)
	}

	order := make([]string, 0, len(result))
	for _, id := range result {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// Models converts the plan's task specs into engine tasks. Unset
// priorities stay empty; the scheduler fills in its defaults.
func (p *Plan) Models() []*models.Task {
	tasks := make([]*models.Task, 0, len(p.Tasks))
	for _, spec := range p.Tasks {
		tasks = append(tasks, &models.Task{
			ID:          spec.ID,
			Type:        spec.Type,
			Description: spec.Description,
			Priority:    models.Priority(spec.Priority),
			DependsOn:   append([]string(nil), spec.DependsOn...),
			Resources:   append([]string(nil), spec.Resources...),
			Payload:     spec.Payload,
		})
	}
	return tasks
}

// AgentModels converts the plan's agent specs into engine agents.
func (p *Plan) AgentModels() []*models.Agent {
	agents := make([]*models.Agent, 0, len(p.Agents))
	for _, spec := range p.Agents {
		agents = append(agents, &models.Agent{
			ID:            spec.ID,
			Type:          spec.Type,
			Priority:      spec.Priority,
			MaxConcurrent: spec.MaxConcurrent,
			Capabilities: models.Capabilities{
				Domains:    append([]string(nil), spec.Domains...),
				Tools:      append([]string(nil), spec.Tools...),
				Languages:  append([]string(nil), spec.Languages...),
				Frameworks: append([]string(nil), spec.Frameworks...),
			},
		})
	}
	return agents
}

// Summary returns a short human-readable description of the plan.
func (p *Plan) Summary() string {
	var b strings.Builder
	name := p.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&b, "plan %s: %d tasks", name, len(p.Tasks))
	if len(p.Agents) > 0 {
		fmt.Fprintf(&b, ", %d agents", len(p.Agents))
	}
	byPriority := make(map[string]int)
	for _, spec := range p.Tasks {
		prio := spec.Priority
		if prio == "" {
			prio = string(models.PriorityMedium)
		}
		byPriority[prio]++
	}
	prios := make([]string, 0, len(byPriority))
	for prio := range byPriority {
		prios = append(prios, prio)
	}
	sort.Strings(prios)
	for _, prio := range prios {
		fmt.Fprintf(&b, ", %d %s", byPriority[prio], prio)
	}
	return b.String()
}
