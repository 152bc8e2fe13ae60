package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"anonet/core/ecrs"
	"anonet/core/sqstore"
	"anonet/pkg/config"
)

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "fetch and decrypt a block from the local datastore by its query and decryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			queryHex, _ := cmd.Flags().GetString("query")
			keyHex, _ := cmd.Flags().GetString("keyhash")
			out, _ := cmd.Flags().GetString("out")

			query, err := parseHash(queryHex)
			if err != nil {
				return fmt.Errorf("bad --query: %w", err)
			}
			keyHash, err := parseHash(keyHex)
			if err != nil {
				return fmt.Errorf("bad --keyhash: %w", err)
			}

			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer a.stop()

			var ciphertext []byte
			n, err := a.ds.Get(ecrs.Query(query), ecrs.TypeAny, func(e *sqstore.Entry) sqstore.IterResult {
				ciphertext = e.Payload
				return sqstore.Abort
			})
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			if n == 0 || ciphertext == nil {
				return fmt.Errorf("not found")
			}

			plaintext, err := ecrs.Decode(ciphertext, keyHash)
			if err != nil {
				return fmt.Errorf("decode: %w", err)
			}

			if out == "" {
				_, err = os.Stdout.Write(plaintext)
				return err
			}
			return os.WriteFile(out, plaintext, 0o644)
		},
	}
	cmd.Flags().String("query", "", "hex-encoded 512-bit query (hash of ciphertext)")
	cmd.Flags().String("keyhash", "", "hex-encoded 512-bit decryption key (hash of plaintext)")
	cmd.Flags().String("out", "", "output file path (defaults to stdout)")
	return cmd
}

func parseHash(s string) ([64]byte, error) {
	var out [64]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 64 {
		return out, fmt.Errorf("expected 64 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
