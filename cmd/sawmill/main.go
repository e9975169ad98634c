package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jward/sawmill/buildfile"
)

var (
	flagConfig  string
	flagFormat  string
	flagVerbose bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "sawmill",
	Short:         "File-based incremental builds scripted with Risor",
	Long:          "Sawmill rebuilds files from rules declared in a build.risor script, recording what each rule depended on in a SQLite database so later runs skip everything still up to date.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(flagConfig); err != nil {
			return err
		}
		return validateFormat(flagFormat)
	},
	// No Run — prints help by default.
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default: .sawmill.yaml in the working directory)")
	pf.StringVar(&flagFormat, "format", "text", "output format: json|text")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log rule execution to stderr")
	pf.String("db", "", "database path (default: .sawmill/build.db under the build root)")
	pf.IntP("jobs", "j", runtime.NumCPU(), "maximum rules running at once")
	pf.Bool("lint", false, "verify declared dependencies against observed file access")

	for _, key := range []string{"db", "jobs", "lint"} {
		if err := viper.BindPFlag(key, pf.Lookup(key)); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig initializes viper: defaults first, then an optional config
// file, then SAWMILL_* environment variables. Flags bound in init override
// all of them.
func loadConfig(cfgFile string) error {
	viper.SetDefault("jobs", runtime.NumCPU())
	viper.SetDefault("lint", false)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sawmill")
	}

	viper.SetEnvPrefix("SAWMILL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// findBuildRoot walks up from startDir looking for the build script.
// Returns the directory containing it, or "" if no ancestor has one.
func findBuildRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, buildfile.DefaultName)); err == nil && !info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding a build script.
			return ""
		}
		dir = parent
	}
}

// resolveDBPath returns the database path from configuration or the
// default under root.
func resolveDBPath(root string) string {
	if db := viper.GetString("db"); db != "" {
		if filepath.IsAbs(db) {
			return db
		}
		return filepath.Join(root, db)
	}
	return filepath.Join(root, ".sawmill", "build.db")
}
