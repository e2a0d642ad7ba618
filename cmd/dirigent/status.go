package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dirigent-dev/dirigent/internal/config"
	"github.com/dirigent-dev/dirigent/internal/store"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

var (
	statusStorePath string
	statusRunID     string
	statusLimit     int
	statusJSON      bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active and recent runs from the audit store",
	Long: `Show what the engine has been doing.

Without flags this lists the active run (if any) and the most recent
finished runs. --run shows one run in detail: its task breakdown,
failed tasks, recorded conflicts, and the tail of its event log.

Runs only appear here when the audit store is enabled (store.path in
config, or --store on the run command).`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusStorePath, "store", "", "Audit store path (overrides config)")
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show this run in detail")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Maximum runs (or events with --run) to show")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func showStatus(cmd *cobra.Command, args []string) error {
	path := statusStorePath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Store.Path
	}
	if path == "" {
		path = store.DefaultPath()
	}

	// Stat first so status never creates an empty database.
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("No audit store at %s.\n", path)
		fmt.Println("Runs are recorded when the audit store is enabled (store.path in config).")
		return nil
	}

	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate audit store: %w", err)
	}

	if statusRunID != "" {
		return showRunDetail(st, statusRunID)
	}
	return showRunList(st)
}

func showRunList(st *store.Store) error {
	active, err := st.GetActiveRun()
	if err != nil {
		return err
	}
	runs, err := st.ListRuns(nil, statusLimit)
	if err != nil {
		return err
	}

	if statusJSON {
		out := struct {
			Active *store.Run  `json:"active"`
			Runs   []store.Run `json:"runs"`
		}{active, runs}
		return printJSON(out)
	}

	bold := color.New(color.Bold).SprintFunc()

	if active != nil {
		fmt.Printf("%s %s\n", bold("Active run:"), active.ID)
		if active.Plan != "" {
			fmt.Printf("  plan:    %s\n", active.Plan)
		}
		fmt.Printf("  started: %s (%s)\n", active.StartedAt.Format(time.RFC3339), humanSince(active.StartedAt))
		counts, err := st.CountTasksByStatus(active.ID)
		if err != nil {
			return err
		}
		fmt.Printf("  tasks:   %s\n", formatTaskCounts(counts))
		fmt.Println()
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Println(bold("Recent runs:"))
	for _, r := range runs {
		fmt.Printf("  %s  %-9s  %-20s  %s  ✓%d ✗%d\n",
			shortID(r.ID), colorRunStatus(r.Status), truncateLabel(r.Plan, 20),
			humanSince(r.StartedAt), r.TasksCompleted, r.TasksFailed)
	}
	fmt.Println("\nUse --run <id> for details.")
	return nil
}

func showRunDetail(st *store.Store, id string) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	counts, err := st.CountTasksByStatus(run.ID)
	if err != nil {
		return err
	}
	failedStatus := models.TaskStatusFailed
	failed, err := st.ListTasks(run.ID, &failedStatus)
	if err != nil {
		return err
	}
	conflicts, err := st.ListConflicts(run.ID)
	if err != nil {
		return err
	}
	records, err := st.ListEvents(run.ID, statusLimit)
	if err != nil {
		return err
	}

	if statusJSON {
		out := struct {
			Run       *store.Run                `json:"run"`
			Counts    map[models.TaskStatus]int `json:"task_counts"`
			Failed    []*models.Task            `json:"failed_tasks"`
			Conflicts []*models.Conflict        `json:"conflicts"`
			Events    []store.EventRecord       `json:"events"`
		}{run, counts, failed, conflicts, records}
		return printJSON(out)
	}

	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Printf("%s %s (%s)\n", bold("Run:"), run.ID, colorRunStatus(run.Status))
	if run.Plan != "" {
		fmt.Printf("  plan:     %s\n", run.Plan)
	}
	fmt.Printf("  started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("  finished: %s (took %s)\n",
			run.FinishedAt.Format(time.RFC3339), run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Printf("  tasks:    %s\n", formatTaskCounts(counts))

	if len(failed) > 0 {
		fmt.Printf("\n%s\n", bold("Failed tasks:"))
		for _, t := range failed {
			fmt.Printf("  %s: %s\n", t.ID, t.Error)
		}
	}

	if len(conflicts) > 0 {
		fmt.Printf("\n%s\n", bold("Conflicts:"))
		for _, c := range conflicts {
			line := fmt.Sprintf("  %s over %s", c.ID, c.Subject)
			if c.Resolution != nil {
				line += fmt.Sprintf(" (winner %s via %s)", c.Resolution.WinnerID, c.Resolution.Strategy)
			}
			fmt.Println(line)
		}
	}

	if len(records) > 0 {
		fmt.Printf("\n%s\n", bold("Last events:"))
		for i := len(records) - 1; i >= 0; i-- {
			r := records[i]
			line := fmt.Sprintf("  %s  %-26s", r.OccurredAt.Format("15:04:05"), r.Type)
			if r.TaskID != "" {
				line += " " + r.TaskID
			}
			if r.AgentID != "" {
				line += " " + dim("("+shortID(r.AgentID)+")")
			}
			if r.Message != "" {
				line += " " + dim(truncateLabel(r.Message, 48))
			}
			fmt.Println(line)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatTaskCounts renders a status breakdown in a fixed order, skipping
// zero counts.
func formatTaskCounts(counts map[models.TaskStatus]int) string {
	order := []models.TaskStatus{
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
		models.TaskStatusRunning,
		models.TaskStatusAssigned,
		models.TaskStatusQueued,
		models.TaskStatusPending,
	}
	out := ""
	for _, s := range order {
		if counts[s] == 0 {
			continue
		}
		if out != "" {
			out += "  "
		}
		out += fmt.Sprintf("%d %s", counts[s], s)
	}
	if out == "" {
		return "none"
	}
	return out
}

func colorRunStatus(s store.RunStatus) string {
	switch s {
	case store.RunActive:
		return color.GreenString(string(s))
	case store.RunCompleted:
		return color.CyanString(string(s))
	case store.RunFailed:
		return color.RedString(string(s))
	case store.RunCanceled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// humanSince renders how long ago a time was in coarse units.
func humanSince(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
