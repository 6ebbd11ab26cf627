package main

import (
	"fmt"
	"os"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/types"
)

// newDeadLettersCmd builds the operator-facing "deadletters" subcommand:
// dumps every poisoned payload parked for one chain's queue as YAML, so an
// operator can inspect or replay them without a bespoke viewer, per
// SPEC_FULL.md's dead-letter dump requirement.
func newDeadLettersCmd() *cobra.Command {
	var storePath, chainTag, subQueue, outPath string

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Dump a queue's dead-lettered payloads as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chainTag == "" {
				return fmt.Errorf("--chain is required")
			}
			st, err := store.NewCometBFTStore("relayer", dbm.GoLevelDBBackend, storePath)
			if err != nil {
				return fmt.Errorf("store init: %w", err)
			}
			defer st.Close()

			key := types.QueueKey{ChainTag: chainTag, SubQueue: subQueue}
			records, err := st.ListDeadLetters(key)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}

			b, err := yaml.Marshal(records)
			if err != nil {
				return fmt.Errorf("encode dead letters: %w", err)
			}

			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(outPath, b, 0o644)
		},
	}
	cmd.Flags().StringVar(&storePath, "store-path", "./data", "path to the relayer's embedded store")
	cmd.Flags().StringVar(&chainTag, "chain", "", "queue chain tag to dump (required)")
	cmd.Flags().StringVar(&subQueue, "sub-queue", "", "optional sub-queue discriminator")
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path, or - for stdout")
	return cmd
}
