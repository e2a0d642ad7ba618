package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dirigent-dev/dirigent/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect and validate task plans",
	Long: `Inspect and validate task plan files without running them.

"plan validate" checks one or more files for structural problems:
missing ids, duplicate ids, bad priorities, references to unknown
dependencies, and dependency cycles. "plan show" prints a readable
breakdown of a single plan, including the order the scheduler would
consider the tasks in.`,
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <plan.yaml> [plan.yaml...]",
	Short: "Validate plan files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  validatePlans,
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan.yaml>",
	Short: "Show a plan's tasks, agents, and scheduling order",
	Args:  cobra.ExactArgs(1),
	RunE:  showPlan,
}

func init() {
	planCmd.AddCommand(planValidateCmd)
	planCmd.AddCommand(planShowCmd)
}

func validatePlans(cmd *cobra.Command, args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	failed := 0
	for _, path := range args {
		p, err := plan.Load(path)
		if err != nil {
			fmt.Printf("%s %s: %v\n", red("✗"), path, err)
			failed++
			continue
		}
		if _, err := p.Validate(); err != nil {
			fmt.Printf("%s %s: %v\n", red("✗"), path, err)
			failed++
			continue
		}
		fmt.Printf("%s %s: %s\n", green("✓"), path, p.Summary())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d plan(s) invalid", failed, len(args))
	}
	return nil
}

func showPlan(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	order, err := p.Validate()
	if err != nil {
		return fmt.Errorf("plan %s: %w", args[0], err)
	}

	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	name := p.Name
	if name == "" {
		name = args[0]
	}
	fmt.Printf("%s %s\n", bold("Plan:"), name)
	fmt.Printf("%s\n\n", dim(p.Summary()))

	if len(p.Agents) > 0 {
		fmt.Println(bold("Agents:"))
		for _, a := range p.Agents {
			line := fmt.Sprintf("  %s (%s)", a.ID, a.Type)
			if a.MaxConcurrent > 0 {
				line += fmt.Sprintf("  slots=%d", a.MaxConcurrent)
			}
			if len(a.Domains) > 0 {
				line += "  domains=" + strings.Join(a.Domains, ",")
			}
			if len(a.Languages) > 0 {
				line += "  languages=" + strings.Join(a.Languages, ",")
			}
			fmt.Println(line)
		}
		fmt.Println()
	}

	fmt.Println(bold("Tasks:"))
	for _, t := range p.Tasks {
		fmt.Printf("  %s [%s]", t.ID, t.Priority)
		if t.Type != "" {
			fmt.Printf(" (%s)", t.Type)
		}
		fmt.Println()
		if t.Description != "" {
			fmt.Printf("    %s\n", dim(t.Description))
		}
		if len(t.DependsOn) > 0 {
			fmt.Printf("    depends on: %s\n", strings.Join(t.DependsOn, ", "))
		}
		if len(t.Resources) > 0 {
			fmt.Printf("    resources: %s\n", strings.Join(t.Resources, ", "))
		}
	}

	fmt.Printf("\n%s %s\n", bold("Dependency order:"), strings.Join(order, " > "))
	return nil
}
