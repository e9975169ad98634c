package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/sawmill"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recorded targets",
	Long:  "Lists every target in the build database with its dependency count and the runs that last built and last changed it.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return outputError("status", err)
	}
	defer engine.Close()

	targets, err := engine.Targets()
	if err != nil {
		return outputError("status", err)
	}

	count := len(targets)
	return outputResult(CLIResult{
		Command:    "status",
		Results:    targets,
		TotalCount: &count,
	})
}

// openEngine opens the build database for the current build root. It never
// creates one: status on an unbuilt tree is an error, not an empty listing.
func openEngine() (*sawmill.Engine, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting cwd: %w", err)
	}
	root := findBuildRoot(cwd)
	if root == "" {
		root = cwd
	}
	dbPath := resolveDBPath(root)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: %s (run 'sawmill build' first)", dbPath)
	}

	return sawmill.New(dbPath)
}
