package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"anonet/pkg/config"
)

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "list connected transport peers",
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

			peers := a.node.Peers()
			if len(peers) == 0 {
				fmt.Println("no connected peers")
				return nil
			}
			for _, p := range peers {
				fmt.Printf("%s\taddr=%s\trtt=%.1fms\n", p.ID, p.Addr, p.RTT)
			}
			return nil
		},
	}
}
