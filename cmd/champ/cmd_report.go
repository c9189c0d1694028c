package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/resultcache"
	"github.com/seqlab/champ/internal/scoring"
)

var (
	reportType         string
	reportCacheDir     string
	reportOutputFormat string
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the most recent cached result",
		Long: `Render the most recent cached selection or ranking without recomputing it.

Reads the latest pointer from the result cache and formats it as a table,
markdown, or JSON. Useful for CI jobs that select once and report in a later
step.`,
		RunE: reportCommandE,
	}

	cmd.Flags().StringVar(&reportType, "type", resultcache.TypeSelection, "Result type: selection or ranking")
	cmd.Flags().StringVar(&reportCacheDir, "cache-dir", ".champ-cache", "Cache directory")
	cmd.Flags().StringVarP(&reportOutputFormat, "format", "f", "table", "Output format: table, json, or markdown")

	return cmd
}

func reportCommandE(_ *cobra.Command, _ []string) error {
	if err := validateOutputFormat(reportOutputFormat); err != nil {
		return err
	}
	if reportType != resultcache.TypeSelection && reportType != resultcache.TypeRanking {
		return fmt.Errorf("unsupported type %q: must be selection or ranking", reportType)
	}

	store := resultcache.New(reportCacheDir, logger)
	entry := store.Latest(reportType)
	if entry == nil {
		return fmt.Errorf("no cached %s result in %s", reportType, reportCacheDir)
	}

	switch reportType {
	case resultcache.TypeSelection:
		var report models.SelectionReport
		if err := json.Unmarshal(entry.Payload, &report); err != nil {
			return fmt.Errorf("parsing cached selection: %w", err)
		}
		return renderSelection([]*models.SelectionReport{&report})

	default:
		var report scoring.RankingReport
		if err := json.Unmarshal(entry.Payload, &report); err != nil {
			return fmt.Errorf("parsing cached ranking: %w", err)
		}
		return renderRanking(&report)
	}
}

func renderSelection(reports []*models.SelectionReport) error {
	switch reportOutputFormat {
	case "json":
		return printJSON(reports)
	case "markdown":
		fmt.Print(FormatSelectionMarkdown(reports))
	default:
		printSelectionTable(os.Stdout, reports)
	}
	return nil
}

func renderRanking(report *scoring.RankingReport) error {
	switch reportOutputFormat {
	case "json":
		return printJSON(report)
	case "markdown":
		fmt.Print(FormatRankingMarkdown(report))
	default:
		printRankingTable(os.Stdout, report)
	}
	return nil
}
