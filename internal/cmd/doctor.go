package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchforge/internal/config"
	"github.com/3leaps/batchforge/internal/observability"
	"github.com/3leaps/batchforge/pkg/tablestore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the workspace and suggest fixes for common
issues.

Examples:
  batchforge doctor              # Full environment check
  batchforge doctor --root /data/batches`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	cfg := config.GetConfig()
	paths := workspacePaths(cfg)

	observability.CLILogger.Info("=== batchforge doctor ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Workspace root
	if info, err := os.Stat(paths.Root); err != nil || !info.IsDir() {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking workspace root... ❌ %s is not a directory", checkNum, totalChecks, paths.Root))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking workspace root... ✅ %s", checkNum, totalChecks, paths.Root),
			zap.String("root", paths.Root))
	}
	checkNum++

	// Check 3: Ledger
	if !checkLedger(paths.Ledger, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	// Check 4: Lock round-trip in the state directory
	if !checkLocking(cmd.Context(), paths.StateRoot, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	// Check 5: Generation tool
	if cfg.Adapter.Binary == "" {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking generation tool... ⚠️  not configured (set adapter.binary)", checkNum, totalChecks))
		allChecks = false
	} else if resolved, err := exec.LookPath(cfg.Adapter.Binary); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking generation tool... ❌ %s not found in PATH", checkNum, totalChecks, cfg.Adapter.Binary),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking generation tool... ✅ %s", checkNum, totalChecks, resolved),
			zap.String("binary", resolved))
	}
	checkNum++

	// Check 6: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info("✅ All checks passed! Your batchforge workspace is healthy.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkLedger reports whether the ledger parses. A missing ledger is
// healthy for a fresh workspace.
func checkLedger(path string, checkNum, totalChecks int) bool {
	table, err := tablestore.ReadTable(path)
	switch {
	case err != nil:
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking ledger... ❌ cannot parse %s", checkNum, totalChecks, path),
			zap.Error(err))
		return false
	case table == nil:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking ledger... ✅ not yet created (%s)", checkNum, totalChecks, path))
		return true
	default:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking ledger... ✅ %d row(s), %d column(s)", checkNum, totalChecks, len(table.Rows), len(table.Columns)),
			zap.String("ledger", path))
		return true
	}
}

// checkLocking acquires and releases a probe lock under the state
// directory.
func checkLocking(ctx context.Context, stateRoot string, checkNum, totalChecks int) bool {
	if err := os.MkdirAll(stateRoot, 0755); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking state directory... ❌ cannot create %s", checkNum, totalChecks, stateRoot),
			zap.Error(err))
		return false
	}

	probe := filepath.Join(stateRoot, "doctor-probe")
	lock, err := tablestore.AcquireLock(ctx, probe, 0)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking file locking... ❌ cannot acquire lock in %s", checkNum, totalChecks, stateRoot),
			zap.Error(err))
		return false
	}
	if err := lock.Release(); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking file locking... ❌ cannot release lock", checkNum, totalChecks),
			zap.Error(err))
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking file locking... ✅ %s", checkNum, totalChecks, stateRoot),
		zap.String("state_dir", stateRoot))
	return true
}
