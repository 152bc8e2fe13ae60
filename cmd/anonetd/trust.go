package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"anonet/pkg/config"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust [peer-id-hex]",
		Short: "show or adjust a peer's trust value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			delta, _ := cmd.Flags().GetInt64("delta")

			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer a.stop()

			peer, err := parseHash(args[0])
			if err != nil {
				return fmt.Errorf("bad peer id: %w", err)
			}
			if delta != 0 {
				a.registry.ChangeTrust(peer, delta)
			}
			fmt.Printf("trust=%d\n", a.registry.Trust(peer))
			return nil
		},
	}
	cmd.Flags().Int64("delta", 0, "trust delta to apply before printing the new value")
	return cmd
}
