// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show record counts per status, or one record",
	Long: `Status prints how many records are in each lifecycle status. With an
identifier it prints that record. --list prints the identifiers in one status.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("list", "", "list records in this status (e.g. failed)")
	statusCmd.Flags().Int("limit", 50, "maximum records for --list")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	if len(args) == 1 {
		rec, err := s.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return yaml.NewEncoder(os.Stdout).Encode(rec)
	}

	if list, _ := cmd.Flags().GetString("list"); list != "" {
		st, err := types.ParseStatus(list)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		recs, err := s.ListByStatus(ctx, st, limit)
		if err != nil {
			return err
		}
		return printRecords(os.Stdout, recs)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		return err
	}
	return printCounts(os.Stdout, counts)
}

func printCounts(w io.Writer, counts map[types.Status]int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	total := 0
	for _, st := range types.Statuses {
		fmt.Fprintf(tw, "%s\t%d\n", st, counts[st])
		total += counts[st]
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	return tw.Flush()
}

func printRecords(w io.Writer, recs []types.PaperRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range recs {
		detail := r.LocalPath
		if r.Status == types.StatusFailed {
			detail = r.LastError
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.ID, r.AttemptCount, r.Title, detail)
	}
	return tw.Flush()
}
