// Package cmd implements the batchforge CLI.
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/3leaps/batchforge/internal/config"
	"github.com/3leaps/batchforge/internal/observability"
	"github.com/3leaps/batchforge/pkg/worker"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
}

var (
	flagRoot      string
	flagLedger    string
	flagVerbose   bool
	flagLogFormat string

	// closeFileSink flushes the optional file log sink on exit.
	closeFileSink func()
)

var rootCmd = &cobra.Command{
	Use:   "batchforge",
	Short: "Crash-safe orchestration ledger for batch content generation",
	Long: `batchforge tracks batch generation jobs in a single CSV ledger and
executes them against an external generation tool.

The ledger is the source of truth: enqueue derives deterministic job
ids from content inputs, run executes pending jobs concurrently with
per-job markers and heartbeats, and reconcile repairs the ledger from
on-disk evidence after crashes or races.

Example:
  batchforge enqueue --batch batch.yaml
  batchforge run --run r-2026-09-01 --concurrency 8
  batchforge reconcile --run r-2026-09-01 --fix
  batchforge jobs list --run r-2026-09-01`,
	PersistentPreRunE: initRuntime,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "Workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flagLedger, "ledger", "", "Ledger path relative to the workspace root")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: console or json")

	rootCmd.Version = versionInfo.Version
	rootCmd.SetVersionTemplate("batchforge {{.Version}}\n")
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if flagRoot != "" {
		overrides["workspace"] = map[string]any{"root": flagRoot}
	}
	if flagLedger != "" {
		ws, _ := overrides["workspace"].(map[string]any)
		if ws == nil {
			ws = map[string]any{}
		}
		ws["ledger"] = flagLedger
		overrides["workspace"] = ws
	}
	if flagLogFormat != "" {
		overrides["logging"] = map[string]any{"format": flagLogFormat}
	}
	if flagVerbose {
		lg, _ := overrides["logging"].(map[string]any)
		if lg == nil {
			lg = map[string]any{}
		}
		lg["level"] = "debug"
		overrides["logging"] = lg
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return err
	}

	observability.InitCLILogger(cfg.Logging.Format, flagVerbose || cfg.Logging.Level == "debug")
	if cfg.Logging.File != "" {
		closeFileSink = observability.AddFileSink(resolvePath(cfg.Workspace.Root, cfg.Logging.File))
	}

	return nil
}

// Execute runs the CLI and returns its error, flushing log sinks on
// the way out.
func Execute() error {
	defer func() {
		if closeFileSink != nil {
			closeFileSink()
		}
		observability.Sync()
	}()
	return rootCmd.Execute()
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// resolvePath resolves a possibly-relative path against the workspace
// root.
func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// workspacePaths maps the loaded configuration onto the worker
// engine's path set.
func workspacePaths(cfg *config.Config) worker.Paths {
	root := cfg.Workspace.Root
	return worker.Paths{
		Root:       root,
		Ledger:     resolvePath(root, cfg.Workspace.Ledger),
		StateRoot:  resolvePath(root, cfg.Workspace.StateDir),
		OutputRoot: resolvePath(root, cfg.Workspace.OutputDir),
		EventLog:   resolvePath(root, cfg.Workspace.EventLog),
	}
}
