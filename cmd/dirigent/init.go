package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Scaffold a dirigent project",
	Long: `Set up a directory for running plans.

Creates a starter project config (.dirigent.yaml), a plans directory
with an example plan, and the data directory the audit store writes to.
Existing files are left alone unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: initProject,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

const projectConfigTemplate = `# dirigent project configuration.
# Every key is optional; built-in defaults apply when omitted.
# Environment variables (DIRIGENT_*) override anything set here.

engine:
  max_concurrent_tasks: 10
  max_retries: 3
  retry_delay: 1s
  resource_timeout: 30s
  deadlock_detection: true
  deadlock_interval: 10s

# breaker:
#   failure_threshold: 5
#   success_threshold: 2
#   timeout: 30s
#   half_open_limit: 1

balancer:
  strategy: hybrid        # round-robin | least-loaded | capability | hybrid
  prediction: true

executor:
  kind: sim               # command | api | sim
  # command: ./scripts/agent.sh
  # model: claude-sonnet-4-5
  # use_bedrock: false

store:
  path: .dirigent/audit.db
  purge_age: 720h

log:
  level: info
  format: console

# metrics:
#   addr: :9090

plans:
  dir: plans
  watch: false
`

const examplePlanTemplate = `name: example
agents:
  - id: builder-1
    type: builder
    max_concurrent: 2
    tools: [compiler]
  - id: checker-1
    type: checker
    max_concurrent: 1
tasks:
  - id: fetch-sources
    type: builder
    description: Fetch the source tree
    priority: high
  - id: build
    type: builder
    description: Compile everything
    priority: high
    depends_on: [fetch-sources]
    resources: [build-cache]
  - id: unit-checks
    type: checker
    description: Run the unit checks
    priority: medium
    depends_on: [build]
    resources: [build-cache]
  - id: report
    type: checker
    description: Publish the result report
    priority: low
    depends_on: [unit-checks]
`

func initProject(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	fmt.Printf("Initializing dirigent project in %s\n\n", dir)

	for _, sub := range []string{".dirigent", "plans"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		printStatus("✓", fmt.Sprintf("directory %s/", sub), color.FgGreen)
	}

	wrote, err := writeProjectFile(filepath.Join(dir, ".dirigent.yaml"), projectConfigTemplate)
	if err != nil {
		return err
	}
	reportFile(".dirigent.yaml", wrote)

	wrote, err = writeProjectFile(filepath.Join(dir, "plans", "example.yaml"), examplePlanTemplate)
	if err != nil {
		return err
	}
	reportFile("plans/example.yaml", wrote)

	fmt.Println("\nNext steps:")
	fmt.Println("  dirigent plan validate plans/example.yaml")
	fmt.Println("  dirigent run plans/example.yaml")
	fmt.Println("  dirigent status")
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Println("\nThe example config uses the sim executor. For the api executor,")
		fmt.Println("set ANTHROPIC_API_KEY and  executor.kind: api  in .dirigent.yaml.")
	}
	return nil
}

// writeProjectFile writes content unless the file already exists and
// --force was not given. Reports whether it wrote.
func writeProjectFile(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func reportFile(name string, wrote bool) {
	if wrote {
		printStatus("✓", name, color.FgGreen)
	} else {
		printStatus("-", name+" (exists, kept)", color.FgYellow)
	}
}

func printStatus(symbol, msg string, c color.Attribute) {
	fmt.Printf("  %s %s\n", color.New(c).Sprint(symbol), msg)
}
