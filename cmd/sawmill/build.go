package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jward/sawmill"
	"github.com/jward/sawmill/buildfile"
)

var flagFile string

var buildCmd = &cobra.Command{
	Use:   "build [target...]",
	Short: "Bring targets up to date",
	Long:  "Loads the build script and brings the named targets up to date. With no arguments the script's want() calls pick the targets.",
	Args:  cobra.ArbitraryArgs,
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&flagFile, "file", "f", "", "build script (default: "+buildfile.DefaultName+", searched upward)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	start := time.Now()

	script, root, err := locateBuildFile()
	if err != nil {
		return err
	}

	// Rule paths are relative to the build root.
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting cwd: %w", err)
	}
	if cwd != root {
		if err := os.Chdir(root); err != nil {
			return fmt.Errorf("entering %s: %w", root, err)
		}
		fmt.Fprintf(os.Stderr, "Entering directory %s\n", root)
	}

	ctx := context.Background()

	prog, err := buildfile.Load(ctx, script)
	if err != nil {
		return err
	}

	wants := args
	if len(wants) == 0 {
		wants = prog.Wants()
	}
	if len(wants) == 0 {
		return fmt.Errorf("nothing to build: no targets on the command line and no want() in %s", script)
	}

	dbPath := resolveDBPath(root)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dbPath), err)
	}

	opts := []sawmill.Option{
		sawmill.WithJobs(viper.GetInt("jobs")),
		sawmill.WithLint(viper.GetBool("lint")),
	}
	if flagVerbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, sawmill.WithLogger(logger))
	}

	engine, err := sawmill.New(dbPath, opts...)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer engine.Close()

	if err := engine.Build(ctx, func(r *sawmill.Rules) {
		prog.Install(r, args...)
	}); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Brought %d target(s) up to date in %s\n",
		len(wants), time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "Database: %s\n", dbPath)

	return nil
}

// locateBuildFile resolves the build script and the build root, from the
// --file flag or by searching upward from the working directory.
func locateBuildFile() (script, root string, err error) {
	if flagFile != "" {
		abs, err := filepath.Abs(flagFile)
		if err != nil {
			return "", "", fmt.Errorf("resolving path %q: %w", flagFile, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", "", fmt.Errorf("build script not found: %s", abs)
		}
		return abs, filepath.Dir(abs), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("getting cwd: %w", err)
	}
	root = findBuildRoot(cwd)
	if root == "" {
		return "", "", fmt.Errorf("no %s found in %s or any parent directory", buildfile.DefaultName, cwd)
	}
	return filepath.Join(root, buildfile.DefaultName), root, nil
}
