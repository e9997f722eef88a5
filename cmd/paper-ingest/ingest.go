// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/paper-ingest/internal/catalog"
	"github.com/pdiddy/paper-ingest/internal/download"
	"github.com/pdiddy/paper-ingest/internal/ingest"
	"github.com/pdiddy/paper-ingest/internal/logger"
	"github.com/pdiddy/paper-ingest/internal/pool"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch metadata for a query and download pending PDFs",
	Long: `Ingest runs one pass: it pages through the arXiv results for the query,
upserts every record into the store, then downloads every record waiting for
its PDF (including leftovers from earlier runs) with a bounded worker pool.

The run summary is printed as YAML (or JSON with --json). The command exits
non-zero when the catalog could not be read or any record failed.

SIGINT or SIGTERM stops new downloads; downloads already running finish and
are recorded.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringP("query", "q", "", "arXiv search query (default from config)")
	ingestCmd.Flags().IntP("max-results", "n", 0, "maximum records to fetch (default from config)")
	ingestCmd.Flags().IntP("concurrency", "c", 0, "simultaneous downloads (default from config)")
	ingestCmd.Flags().String("failed-policy", "", "failed records seen again: manual or auto")
	ingestCmd.Flags().Bool("json", false, "print the run summary as JSON")
	ingestCmd.Flags().String("summary-out", "", "also write the run summary to this file")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	if query == "" {
		query = cfg.Catalog.Query
	}
	maxResults, _ := cmd.Flags().GetInt("max-results")
	if maxResults <= 0 {
		maxResults = cfg.Catalog.MaxResults
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Download.Concurrency = n
	}
	if p, _ := cmd.Flags().GetString("failed-policy"); p != "" {
		fp := types.FailedPolicy(p)
		if fp != types.FailedManual && fp != types.FailedAuto {
			return fmt.Errorf("invalid --failed-policy %q: want manual or auto", p)
		}
		cfg.FailedPolicy = fp
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	summaryOut, _ := cmd.Flags().GetString("summary-out")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	pub, err := download.NewPublisher(ctx, cfg.Download)
	if err != nil {
		return err
	}
	staging := download.StagingDir(cfg.Download)
	if n, err := download.SweepStaged(staging, download.StaleAfter(cfg.Download.Timeout), time.Now()); err != nil {
		log.WithError(err).WithField("dir", staging).Warn("removing stale staged downloads failed")
	} else if n > 0 {
		log.WithFields(logger.Fields{"dir": staging, "removed": n}).Info("removed stale staged downloads")
	}

	engine := ingest.New(
		catalog.New(cfg.Catalog, log),
		s,
		download.New(cfg.Download, pub, log),
		ingest.Options{
			Concurrency:  cfg.Download.Concurrency,
			Policy:       pool.PolicyFrom(cfg.Retry),
			FailedPolicy: cfg.FailedPolicy,
		},
		log,
	)

	sum, runErr := engine.Run(ctx, query, maxResults)

	if err := writeSummary(os.Stdout, sum, asJSON); err != nil {
		return err
	}
	if summaryOut != "" {
		if err := writeSummaryFile(summaryOut, sum, asJSON); err != nil {
			return err
		}
	}

	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run %s interrupted while fetching metadata: %w", sum.RunID, runErr)
	}
	if runErr != nil {
		return fmt.Errorf("run %s aborted: %w", sum.RunID, runErr)
	}
	if sum.HasFailures() {
		return fmt.Errorf("run %s finished with %d failure(s)", sum.RunID, len(sum.Failures))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run %s interrupted: %d record(s) left pending", sum.RunID, sum.Interrupted)
	}
	return nil
}

func writeSummary(w io.Writer, sum types.RunSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(sum); err != nil {
		return err
	}
	return enc.Close()
}

func writeSummaryFile(path string, sum types.RunSummary, asJSON bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating summary file: %w", err)
	}
	if err := writeSummary(f, sum, asJSON); err != nil {
		f.Close()
		return fmt.Errorf("writing summary file: %w", err)
	}
	return f.Close()
}
