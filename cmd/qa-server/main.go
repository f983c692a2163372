package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "qa-server",
		Short: "QA platform server - automated site testing",
		Long: `qa-server runs the QA testing platform: projects register target
sites, tests are dispatched to a worker pool for asynchronous
execution, and discovered issues are recorded for review.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.AddCommand(serveCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
