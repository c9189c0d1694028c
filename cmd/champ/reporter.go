package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/seqlab/champ/internal/identity"
	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/internal/scoring"
)

const (
	colGroup  = 22
	colScore  = 12
	colMetric = 12
	colTrials = 10
	colStatus = 28
)

// terminalWidth returns the current terminal width, or a sane default when
// stdout is not a terminal (pipes, CI).
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return w
}

// printSelectionTable renders per-backbone selection reports as aligned text.
func printSelectionTable(w io.Writer, reports []*models.SelectionReport) {
	nameWidth := min(colGroup, terminalWidth()/4)

	for _, r := range reports {
		if r == nil {
			fmt.Fprintf(w, "No eligible trials\n\n") //nolint:errcheck
			continue
		}

		fmt.Fprintf(w, "Backbone: %s (metric %s, %s, schema %s)\n", //nolint:errcheck
			r.Backbone, r.MetricName, r.Direction, r.SchemaVersionUsed)

		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n", //nolint:errcheck
			padRight("GROUP", nameWidth),
			padRight("STABLE", colScore),
			padRight("BEST", colMetric),
			padRight("TRIALS", colTrials),
			"STATUS")
		for _, g := range r.GroupScores {
			status := "eligible"
			if g.Excluded {
				status = "excluded: " + g.ExcludeReason
			} else if r.Champion != nil && g.Key.StudyKeyHash == r.Champion.StudyKeyHash {
				status = "winner"
			}
			fmt.Fprintf(w, "%s  %s  %s  %s  %s\n", //nolint:errcheck
				padRight(truncateName(identity.ShortKey(g.Key.StudyKeyHash), nameWidth), nameWidth),
				padRight(fmt.Sprintf("%.4f", g.StableScore), colScore),
				padRight(fmt.Sprintf("%.4f", g.BestMetric), colMetric),
				padRight(fmt.Sprintf("%d/%d", g.NValid, g.NValid+g.NInvalid), colTrials),
				truncateName(status, colStatus))
		}

		if r.Champion != nil {
			fmt.Fprintf(w, "\nChampion: run %s (refit %s)  %s=%.4f  stable=%.4f\n", //nolint:errcheck
				r.Champion.RunID, r.Champion.RefitRunID,
				r.MetricName, r.Champion.MetricValue, r.Champion.StableScore)
		} else {
			fmt.Fprintf(w, "\nNo champion: no group passed the eligibility guards\n") //nolint:errcheck
		}

		if dropped := r.ParentsDropped + r.UnavailableDropped + r.MissingTags; dropped > 0 {
			fmt.Fprintf(w, "Dropped: %d parents, %d unavailable, %d missing tags, %d invalid metrics\n", //nolint:errcheck
				r.ParentsDropped, r.UnavailableDropped, r.MissingTags, r.InvalidMetrics)
		}
		fmt.Fprintf(w, "\n") //nolint:errcheck
	}
}

// printRankingTable renders the cross-variant composite ranking.
func printRankingTable(w io.Writer, report *scoring.RankingReport) {
	if len(report.Candidates) == 0 {
		fmt.Fprintf(w, "No candidates with both quality and latency (%d missing quality, %d missing latency)\n", //nolint:errcheck
			report.MissingQuality, report.MissingLatency)
		return
	}

	fmt.Fprintf(w, "Composite ranking (quality %.2f / latency %.2f, %s aggregation)\n\n", //nolint:errcheck
		report.F1Weight, report.LatencyWeight, report.Aggregation)

	fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n", //nolint:errcheck
		padRight("RANK", 6),
		padRight("BACKBONE", 14),
		padRight("TRIAL", 12),
		padRight("QUALITY", colMetric),
		padRight("LATENCY", colMetric),
		"COMPOSITE")
	for i, c := range report.Candidates {
		fmt.Fprintf(w, "%s  %s  %s  %s  %s  %.4f\n", //nolint:errcheck
			padRight(fmt.Sprintf("%d", i+1), 6),
			padRight(truncateName(c.Backbone, 14), 14),
			padRight(identity.ShortKey(c.TrialKeyHash), 12),
			padRight(fmt.Sprintf("%.4f", c.Quality), colMetric),
			padRight(fmt.Sprintf("%.1fms", c.LatencyMs), colMetric),
			c.CompositeScore)
	}
	fmt.Fprintf(w, "\n") //nolint:errcheck
}

// FormatSelectionMarkdown formats selection reports as a markdown comment for
// CI summaries.
func FormatSelectionMarkdown(reports []*models.SelectionReport) string {
	var b strings.Builder

	b.WriteString("## 🏆 Champion Selection\n\n")

	for _, r := range reports {
		if r == nil {
			b.WriteString("_No eligible trials._\n\n")
			continue
		}

		status := "✅ Selected"
		if r.Champion == nil {
			status = "❌ No champion"
		}
		b.WriteString(fmt.Sprintf("### %s — %s\n\n", r.Backbone, status))
		b.WriteString(fmt.Sprintf("**Metric:** %s (%s) | **Schema:** %s | **Guard:** ≥%d trials, top-%d\n\n",
			r.MetricName, r.Direction, r.SchemaVersionUsed, r.MinTrialsPerGroup, r.TopK))

		if r.Champion != nil {
			b.WriteString(fmt.Sprintf("- **Run:** `%s` (refit `%s`)\n", r.Champion.RunID, r.Champion.RefitRunID))
			b.WriteString(fmt.Sprintf("- **Identity:** `%s/%s`\n",
				identity.ShortKey(r.Champion.StudyKeyHash), identity.ShortKey(r.Champion.TrialKeyHash)))
			b.WriteString(fmt.Sprintf("- **Score:** %.4f (stable %.4f)\n\n",
				r.Champion.MetricValue, r.Champion.StableScore))
		}

		b.WriteString("| Group | Stable | Best | Trials | Status |\n")
		b.WriteString("|-------|--------|------|--------|--------|\n")
		for _, g := range r.GroupScores {
			status := "eligible"
			if g.Excluded {
				status = g.ExcludeReason
			} else if r.Champion != nil && g.Key.StudyKeyHash == r.Champion.StudyKeyHash {
				status = "**winner**"
			}
			b.WriteString(fmt.Sprintf("| `%s` | %.4f | %.4f | %d/%d | %s |\n",
				identity.ShortKey(g.Key.StudyKeyHash), g.StableScore, g.BestMetric,
				g.NValid, g.NValid+g.NInvalid, status))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// FormatRankingMarkdown formats a composite ranking as a markdown comment.
func FormatRankingMarkdown(report *scoring.RankingReport) string {
	var b strings.Builder

	b.WriteString("## ⚖️ Composite Ranking\n\n")
	b.WriteString(fmt.Sprintf("**Weights:** quality %.2f / latency %.2f | **Aggregation:** %s\n\n",
		report.F1Weight, report.LatencyWeight, report.Aggregation))

	if len(report.Candidates) == 0 {
		b.WriteString(fmt.Sprintf("_No candidates (%d missing quality, %d missing latency)._\n",
			report.MissingQuality, report.MissingLatency))
		return b.String()
	}

	b.WriteString("| Rank | Backbone | Trial | Quality | Latency | Composite |\n")
	b.WriteString("|------|----------|-------|---------|---------|----------|\n")
	for i, c := range report.Candidates {
		marker := ""
		if i == 0 {
			marker = " 🏆"
		}
		b.WriteString(fmt.Sprintf("| %d%s | %s | `%s` | %.4f | %.1fms | %.4f |\n",
			i+1, marker, c.Backbone, identity.ShortKey(c.TrialKeyHash),
			c.Quality, c.LatencyMs, c.CompositeScore))
	}
	b.WriteString("\n")

	return b.String()
}

// truncateName shortens a name to maxLen runes, replacing the last rune with "…" if needed.
func truncateName(name string, maxLen int) string {
	runes := []rune(name)
	if len(runes) <= maxLen {
		return name
	}
	return string(runes[:maxLen-1]) + "…"
}

// padRight pads s with spaces so its terminal display width reaches width.
func padRight(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	return s + strings.Repeat(" ", width-sw)
}
