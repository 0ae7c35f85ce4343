package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/3leaps/batchforge/internal/cmd"
)

// Populated via -ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode extracts the embedded exit code from a command error,
// defaulting to 1.
func exitCode(err error) int {
	if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && code > 0 {
			return code
		}
	}
	return 1
}
