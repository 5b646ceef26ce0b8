package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath = "./config/bundler.yaml"
	rootCmd    = &cobra.Command{
		Use:   "bundlerarmy",
		Short: "ERC-4337 bundler",
		Long: `bundlerarmy accepts user operations, bundles them into handleOps
transactions and supervises every bundle until it settles.

Use "bundlerarmy run --config=path-to-config" to start a bundler for one chain.`,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to bundler config file")
}
