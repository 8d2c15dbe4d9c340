// Command blepulse streams pulse-sensor samples from a BLE UART peripheral
// and prints a live heart-rate estimate.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blepulse",
		Short: "Live heart rate from a BLE UART sensor",
		Long: `Heart-rate monitor for Bluetooth Low Energy peripherals that stream raw
pulse-sensor samples over the Nordic UART Service, such as a BBC micro:bit.

Use "scan" to find nearby peripherals and "monitor" to connect and follow the
estimate. Settings can be kept in a YAML file passed with --config.`,
		Version: formatVersion(version),
		// main prints errors itself, through FormatUserError
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("config", "", "Path to a YAML config file")
	flags.String("backend", "", "BLE backend (goble, tinygo)")
	cmd.Flags().BoolP("version", "v", false, "Show version information")

	return cmd
}

func init() {
	rootCmd.AddCommand(scanCmd, monitorCmd, versionCmd)
}

// exitCode reports err on stderr and picks the process status. An interrupted
// command exits quietly with 0.
func exitCode(stderr io.Writer, err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		fmt.Fprintf(stderr, "ERROR: %s\n", FormatUserError(err))
		return 1
	}
}

func main() {
	os.Exit(exitCode(os.Stderr, rootCmd.Execute()))
}
