package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// Set by the linker: -ldflags "-X main.version=1.2.0 -X main.commit=abc123 -X main.date=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion prefixes numeric release versions with "v".
func formatVersion(ver string) string {
	if ver == "" || strings.HasPrefix(ver, "v") {
		return ver
	}
	if ver[0] >= '0' && ver[0] <= '9' {
		return "v" + ver
	}
	return ver
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "blepulse %s (commit %s, built %s, %s/%s)\n",
			formatVersion(version), commit, date, runtime.GOOS, runtime.GOARCH)
	},
}
