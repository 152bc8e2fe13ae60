package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"anonet/core/ecrs"
	"anonet/pkg/config"
)

// onDemandBlockSize is the chunk size used when indexing a large local
// file for on-demand sharing (spec.md §4.5 leaves the block size to the
// caller).
const onDemandBlockSize = 32 * 1024

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [file]",
		Short: "index a local file for on-demand sharing without copying it into the datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			priority, _ := cmd.Flags().GetUint32("priority")
			anonymity, _ := cmd.Flags().GetUint32("anonymity")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer a.stop()

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			fileID := ecrs.Hash512(data)
			if err := a.encoder.InitIndex(fileID, path); err != nil {
				return fmt.Errorf("init index: %w", err)
			}

			expiration := uint64(time.Now().Add(ttl).Unix())
			for offset := 0; offset < len(data); offset += onDemandBlockSize {
				end := offset + onDemandBlockSize
				if end > len(data) {
					end = len(data)
				}
				query, err := a.encoder.Index(priority, expiration, uint64(offset), anonymity, fileID, data[offset:end])
				if err != nil {
					return fmt.Errorf("index block at offset %d: %w", offset, err)
				}
				fmt.Printf("block offset=%d query=%s\n", offset, hex.EncodeToString(query[:]))
			}
			fmt.Printf("file-id=%s\n", hex.EncodeToString(fileID[:]))
			return nil
		},
	}
	cmd.Flags().Uint32("priority", 100, "storage priority")
	cmd.Flags().Uint32("anonymity", 0, "required anonymity level for replies to this content")
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "lifetime before expiration")
	return cmd
}
