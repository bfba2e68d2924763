// Command facilitatord runs the x402 facilitator node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "facilitatord",
	Short: "x402 payment verification and settlement facilitator",
	Long: `facilitatord verifies EIP-3009 payment authorizations, settles them
on-chain with custodial facilitator wallets and records every step in an
append-only explorer log.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "facilitator.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, encryptKeyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
