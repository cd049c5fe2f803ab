package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
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
	Use:   "btkit",
	Short: "Ruuvi sensor and Ledger wallet BLE toolkit",
	Long: `Bluetooth Low Energy toolkit for environmental sensors and hardware wallets:

- Scan and decode Ruuvi sensor advertisements, report lost tags
- Keep background links to tags and stream live measurements
- Download sensor history and read firmware revisions
- Ask a Ledger Ethereum app for addresses and its configuration

Peripherals remembered with "connect --remember" are restored by "reconnect".`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("btkit %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(firmwareCmd)
	rootCmd.AddCommand(rssiCmd)
	rootCmd.AddCommand(ledgerCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/btkit/config.yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
