package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/databloom/internal/device"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "databloom",
	Short: "micro:bit soil sensor monitor",
	Long: `Streams moisture, temperature and light readings from a BBC micro:bit over
Bluetooth Low Energy and keeps a live aggregate of them:

- Discover the sensor and negotiate its UART/NUS notification profile
- Track sample rate, sequence gaps and silence, with automatic reconnect
- Keep a raw history and per-minute buckets for 5m to 24h windows
- Mirror the record stream onto a pseudo-terminal and export Prometheus metrics
- Run against a built-in simulator when no hardware is around`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) || errors.Is(err, device.ErrCancelled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main prints errors itself
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("databloom %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(calibrateCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (.yaml or .toml, default ~/.config/databloom/config.yaml)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
