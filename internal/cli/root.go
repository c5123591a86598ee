// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global configuration
	globalConfig *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "u2fzero",
	Short: "u2fzero - U2F Zero secure element tool",
	Long: `u2fzero drives the ATECC508A secure element of a U2F Zero token,
either over a Linux I2C adapter or against the built-in simulator.

It provisions factory-fresh parts (configuration, zone locks, masks,
attestation and device keys), inspects provisioned parts, and runs the
authenticator core for bench testing.

Buses:
  - sim: software model of the secure element
  - i2c: /dev/i2c-N adapter`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Initialize global config
	globalConfig = NewConfig()

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&globalConfig.ConfigFile, "config", "",
		"config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&globalConfig.Bus, "bus", "",
		"secure element bus (sim, i2c)")
	rootCmd.PersistentFlags().StringVar(&globalConfig.I2CDevice, "i2c-device", "",
		"I2C adapter device (default /dev/i2c-1)")
	rootCmd.PersistentFlags().StringVar(&globalConfig.Store, "store", "",
		"directory persisting flash pages and simulator state")
	rootCmd.PersistentFlags().StringVar(&globalConfig.Features, "features", "",
		"capability preset (production, factory, development)")
	rootCmd.PersistentFlags().StringVarP(&globalConfig.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&globalConfig.Verbose, "verbose", "v", false,
		"verbose output")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serialCmd)
	rootCmd.AddCommand(sanityCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rngCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(counterCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(testConfigCmd)
	rootCmd.AddCommand(fingerprintsCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(monitorCmd)
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// handleError prints an error and exits with code 1
func handleError(err error) {
	printer := NewPrinter(globalConfig.OutputFormat, os.Stderr)
	_ = printer.PrintError(err) // Error printing to stderr is best-effort
	os.Exit(1)
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}

// withStack opens the configured stack, runs fn and closes the stack.
func withStack(fn func(s *Stack, p *Printer) error) {
	s, err := openStack()
	if err != nil {
		handleError(err)
		return
	}
	err = fn(s, NewPrinter(getConfig().OutputFormat, os.Stdout))
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		handleError(err)
	}
}
