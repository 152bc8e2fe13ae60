package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"anonet/pkg/config"
)

func unindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unindex [file-id-hex]",
		Short: "remove a file's on-demand index records and symlink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer a.stop()

			fileID, err := parseHash(args[0])
			if err != nil {
				return fmt.Errorf("bad file-id: %w", err)
			}
			if err := a.encoder.Unindex(fileID, onDemandBlockSize); err != nil {
				return fmt.Errorf("unindex: %w", err)
			}
			fmt.Println("unindexed")
			return nil
		},
	}
	return cmd
}
