package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Billing gate for metered tool invocations",
	Long: `Toolgate meters and authorizes paid invocations of remotely
callable tools. It sits between a tool host and its callers: before a
tool runs, the gate resolves the price and reserves it; after the tool
ran, the recorder settles the reservation and writes the usage record.

Quick start:
  toolgate serve              # start with toolgate.yaml
  toolgate validate           # check the configuration

Payment confirmation arrives asynchronously through provider webhooks;
balances are in minor currency units or credits depending on the
configured billing model.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "toolgate.yaml", "config file path")
}
