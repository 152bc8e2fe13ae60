package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/pkg/config"
)

func insertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert [file]",
		Short: "content-hash-encode a file and put it in the local datastore",
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

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			enc, err := ecrs.Encode(data)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}

			entry := &sqstore.Entry{
				Query:          enc.Query,
				Type:           ecrs.TypeData,
				Priority:       priority,
				AnonymityLevel: anonymity,
				ExpirationTime: uint64(time.Now().Add(ttl).Unix()),
				PayloadHash:    ecrs.Hash512(data),
				Payload:        enc.Ciphertext,
			}
			code, err := a.ds.Put(entry)
			if err != nil {
				return fmt.Errorf("put: %w", err)
			}
			fmt.Printf("%s query=%s\n", code, hex.EncodeToString(enc.Query[:]))
			return nil
		},
	}
	cmd.Flags().Uint32("priority", 100, "storage priority")
	cmd.Flags().Uint32("anonymity", 0, "required anonymity level for replies to this content")
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "lifetime before expiration")
	return cmd
}
