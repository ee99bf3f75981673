package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/codeswarm/internal/agents"
	"github.com/steveyegge/codeswarm/internal/aggregate"
	"github.com/steveyegge/codeswarm/internal/config"
	"github.com/steveyegge/codeswarm/internal/orchestrator"
	"github.com/steveyegge/codeswarm/internal/types"
)

// analyzeOptions are the analyze flags that are not config overrides.
type analyzeOptions struct {
	types       []string
	priority    string
	minSeverity string
	failOn      string
	categories  []string
	exclude     []string
	params      map[string]string
	maxResults  int
	jsonOutput  bool
}

var analyzeOpts analyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze [paths...]",
	Short: "Analyze files and directories",
	Long: `Analyze the given files and directories (default: the current directory).

Exit status is 0 when the analysis ran, 1 when it could not run, 2 when
--fail-on is set and a finding at or above that severity was reported, and
130 when interrupted.`,
	Example: `  codeswarm analyze ./...
  codeswarm analyze --types security,dependency --fail-on high internal/
  codeswarm analyze --strategy directory_based --resolution consensus --json .`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAnalyze(ctx, cmd, args, analyzeOpts)
	},
}

func init() {
	flags := analyzeCmd.Flags()
	flags.StringSliceVarP(&analyzeOpts.types, "types", "t", nil, "Analysis types to run (default: all registered agents)")
	flags.StringVar(&analyzeOpts.priority, "priority", "", "Minimum task priority (low, medium, high, critical)")
	flags.StringVar(&analyzeOpts.minSeverity, "min-severity", "", "Hide findings below this severity")
	flags.StringVar(&analyzeOpts.failOn, "fail-on", "", "Exit with status 2 if a finding at or above this severity is reported")
	flags.StringSliceVar(&analyzeOpts.categories, "category", nil, "Only show findings in these categories")
	flags.StringSliceVar(&analyzeOpts.exclude, "exclude", nil, "Skip files matching these glob patterns")
	flags.StringToStringVarP(&analyzeOpts.params, "param", "p", nil, "Agent parameter as key=value (repeatable)")
	flags.IntVar(&analyzeOpts.maxResults, "max-results", 0, "Show at most this many findings (0 = all)")
	flags.BoolVar(&analyzeOpts.jsonOutput, "json", false, "Write the full result as JSON")

	// Config overrides; these take precedence over the file and environment.
	flags.String("strategy", "", "Decomposition strategy (file_based, directory_based, analysis_type_based, complexity_based, hybrid)")
	flags.String("resolution", "", "Conflict resolution strategy (priority, confidence, consensus, manual)")
	flags.Int("max-concurrent", 0, "Maximum concurrently running tasks")
	flags.String("timeout", "", "Per-task timeout (e.g. 30s, 5m)")
	flags.Int("batch-size", 0, "Maximum files per task")
	flags.Bool("track-performance", false, "Collect a performance report")
	bindFlags(analyzeCmd, map[string]string{
		config.KeyDecompositionStrategy: "strategy",
		config.KeyConflictStrategy:      "resolution",
		config.KeyMaxConcurrentTasks:    "max-concurrent",
		config.KeyTaskTimeout:           "timeout",
		config.KeyBatchSize:             "batch-size",
		config.KeyPerformanceTracking:   "track-performance",
	})

	rootCmd.AddCommand(analyzeCmd)
}

// bindFlags binds command flags to config override keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

func buildRequest(files []string, registry *agents.Registry, opts analyzeOptions) (types.AnalysisRequest, error) {
	req := types.AnalysisRequest{
		Files:  files,
		Types:  opts.types,
		Params: opts.params,
	}
	if len(req.Types) == 0 {
		req.Types = registry.List()
	}
	if opts.priority != "" {
		p, err := types.ParsePriority(opts.priority)
		if err != nil {
			return req, err
		}
		req.Priority = p
	}
	return req, nil
}

func buildFilter(opts analyzeOptions) (aggregate.FindingFilter, error) {
	filter := aggregate.FindingFilter{
		Categories: opts.categories,
		MaxResults: opts.maxResults,
	}
	if opts.minSeverity != "" {
		s, err := types.ParseSeverity(opts.minSeverity)
		if err != nil {
			return filter, err
		}
		filter.MinSeverity = s
	}
	return filter, nil
}

// failThreshold reports whether any finding reaches the --fail-on level.
func failThreshold(findings []types.Finding, failOn string) (bool, error) {
	if failOn == "" {
		return false, nil
	}
	threshold, err := types.ParseSeverity(failOn)
	if err != nil {
		return false, fmt.Errorf("--fail-on: %w", err)
	}
	return aggregate.Summarize(findings).AtLeast(threshold) > 0, nil
}

func newOrchestrator() (*orchestrator.Orchestrator, *agents.Registry, error) {
	registry, err := agents.DefaultRegistry()
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.New(registry, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return orch, registry, nil
}

func runAnalyze(ctx context.Context, cmd *cobra.Command, args []string, opts analyzeOptions) error {
	filter, err := buildFilter(opts)
	if err != nil {
		return err
	}
	// Validate before doing any work.
	if _, err := failThreshold(nil, opts.failOn); err != nil {
		return err
	}

	files, err := collectFiles(args, opts.exclude)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files to analyze in %s", strings.Join(args, ", "))
	}

	orch, registry, err := newOrchestrator()
	if err != nil {
		return err
	}
	req, err := buildRequest(files, registry, opts)
	if err != nil {
		return err
	}

	result, runErr := orch.ExecuteAnalysis(ctx, req)
	if result == nil {
		return runErr
	}

	shown := aggregate.Filter(result.AggregatedFindings, filter)
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		if err := writeJSON(out, result, shown); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	} else {
		printFindings(out, shown)
		printSummary(out, result, shown)
	}

	if runErr != nil {
		if errors.Is(runErr, types.ErrCancellationRequested) {
			return &exitError{code: 130, msg: "analysis interrupted; results are partial"}
		}
		return runErr
	}

	failed, err := failThreshold(result.AggregatedFindings, opts.failOn)
	if err != nil {
		return err
	}
	if failed {
		return &exitError{code: 2, msg: fmt.Sprintf("findings at or above %s severity", opts.failOn)}
	}
	return nil
}
