// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

var retryCmd = &cobra.Command{
	Use:   "retry [ids...]",
	Short: "Reset failed records so the next ingest run downloads them again",
	Long: `Retry moves failed records back to download_pending. The next ingest run
picks them up regardless of its query. Records that are not failed are
reported and left unchanged.`,
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().Bool("all-failed", false, "reset every failed record")

	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all-failed")
	if len(args) == 0 && !all {
		return fmt.Errorf("provide one or more record ids, or --all-failed")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	ids := args
	if all {
		failed, err := s.ListByStatus(ctx, types.StatusFailed, 0)
		if err != nil {
			return err
		}
		for _, r := range failed {
			ids = append(ids, r.ID)
		}
	}

	reset, skipped := 0, 0
	for _, id := range ids {
		if _, err := s.ResetFailed(ctx, id); err != nil {
			log.WithError(err).WithField("paper_id", id).Warn("not reset")
			skipped++
			continue
		}
		reset++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset: %d, skipped: %d\n", reset, skipped)
	if skipped > 0 {
		return fmt.Errorf("%d record(s) could not be reset", skipped)
	}
	return nil
}
