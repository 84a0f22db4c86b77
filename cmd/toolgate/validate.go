package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/toolgate/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("%s is valid\n", cfgFile)
		fmt.Printf("  storage:  %s\n", cfg.Storage.Driver)
		fmt.Printf("  billing:  %s (%s)\n", cfg.Billing.Model, cfg.Billing.Currency)
		fmt.Printf("  payment:  %s\n", cfg.Payment.Provider)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
