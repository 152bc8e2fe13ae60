package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "anonetd"}
	rootCmd.PersistentFlags().String("env", "", "environment overlay to merge on top of anonet.yaml")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(insertCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(unindexCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(trustCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
