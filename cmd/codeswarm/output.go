package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/steveyegge/codeswarm/internal/aggregate"
	"github.com/steveyegge/codeswarm/internal/orchestrator"
	"github.com/steveyegge/codeswarm/internal/types"
)

func severityColor(s types.Severity) *color.Color {
	switch s {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case types.SeverityHigh:
		return color.New(color.FgRed)
	case types.SeverityMedium:
		return color.New(color.FgYellow)
	case types.SeverityLow:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

// jsonReport is the machine-readable output of analyze.
type jsonReport struct {
	*orchestrator.Result
	Findings []types.Finding `json:"aggregated_findings"`
}

func writeJSON(w io.Writer, result *orchestrator.Result, findings []types.Finding) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{Result: result, Findings: findings})
}

// printFindings lists findings grouped by file, in result order.
func printFindings(w io.Writer, findings []types.Finding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, color.GreenString("✓ No findings"))
		return
	}

	bold := color.New(color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	currentFile := ""
	for _, f := range findings {
		if f.File != currentFile {
			if currentFile != "" {
				fmt.Fprintln(w)
			}
			currentFile = f.File
			fmt.Fprintln(w, bold(f.File))
		}
		sev := severityColor(f.Severity).Sprintf("%-8s", f.Severity)
		fmt.Fprintf(w, "  %4d  %s %s %s\n", f.LineStart, sev, f.Message, gray("["+f.Agent+"/"+f.Rule+"]"))
		if f.Suggestion != "" {
			fmt.Fprintf(w, "        %s %s\n", gray("→"), f.Suggestion)
		}
	}
	fmt.Fprintln(w)
}

// printSummary renders the run summary: counts, conflicts, task errors.
func printSummary(w io.Writer, result *orchestrator.Result, shown []types.Finding) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(w, "%s\n", cyan("=== Analysis Summary ==="))
	counts := result.CountByStatus()
	fmt.Fprintf(w, "  Tasks:     %d (%d completed, %d failed, %d timed out, %d cancelled)\n",
		len(result.Tasks), counts[types.TaskCompleted], counts[types.TaskFailed],
		counts[types.TaskTimedOut], counts[types.TaskCancelled])
	fmt.Fprintf(w, "  Duration:  %v\n", result.Duration.Round(time.Millisecond))

	summary := aggregate.Summarize(shown)
	fmt.Fprintf(w, "  Findings:  %d", summary.Total)
	if hidden := len(result.AggregatedFindings) - len(shown); hidden > 0 {
		fmt.Fprintf(w, " (%d filtered)", hidden)
	}
	fmt.Fprintln(w)
	if summary.Total > 0 {
		var parts []string
		for s := types.SeverityCritical; s >= types.SeverityInfo; s-- {
			if n := summary.BySeverity[s]; n > 0 {
				parts = append(parts, severityColor(s).Sprintf("%d %s", n, s))
			}
		}
		fmt.Fprintf(w, "             %s\n", strings.Join(parts, ", "))
	}

	if n := len(result.Conflicts.Resolved) + len(result.Conflicts.PendingReview); n > 0 {
		fmt.Fprintf(w, "  Conflicts: %d (%d resolved, %d pending review)\n",
			n, len(result.Conflicts.Resolved), len(result.Conflicts.PendingReview))
		for _, c := range result.Conflicts.PendingReview {
			fmt.Fprintf(w, "    %s %s:%d %s between %s\n", yellow("?"), c.File,
				firstLine(c), c.Category, strings.Join(c.Agents, ", "))
		}
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(w, "\n%s\n", yellow("Task errors:"))
		errs := append([]types.TaskError(nil), result.Errors...)
		sort.Slice(errs, func(i, j int) bool { return errs[i].TaskID < errs[j].TaskID })
		for _, e := range errs {
			fmt.Fprintf(w, "  %s %-20s %-10s %s\n", color.RedString("✗"), e.TaskID, e.Status, e.Cause)
		}
	}

	if result.Performance != nil && verbose {
		fmt.Fprintf(w, "\n%s\n%s", cyan("=== Performance ==="), result.Performance.String())
	}
	fmt.Fprintln(w)
}

func firstLine(c types.Conflict) int {
	if len(c.Findings) == 0 {
		return 0
	}
	line := c.Findings[0].LineStart
	for _, f := range c.Findings[1:] {
		if f.LineStart < line {
			line = f.LineStart
		}
	}
	return line
}
