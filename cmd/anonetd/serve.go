package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"anonet/pkg/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the anonetd daemon: transport, datastore, and GAP router",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer a.stop()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			a.start(ctx)

			a.logrusLog.Info("anonetd: running")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			a.logrusLog.Info("anonetd: shutting down")
			return nil
		},
	}
}
