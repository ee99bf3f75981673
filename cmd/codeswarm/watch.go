package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/codeswarm/internal/aggregate"
)

var (
	watchOpts     analyzeOptions
	watchDebounce time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [paths...]",
	Short: "Re-analyze files as they change",
	Long: `Run a full analysis, then watch the given paths and re-analyze changed
files after a quiet period. Stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, cmd, args)
	},
}

func init() {
	flags := watchCmd.Flags()
	flags.StringSliceVarP(&watchOpts.types, "types", "t", nil, "Analysis types to run (default: all registered agents)")
	flags.StringVar(&watchOpts.minSeverity, "min-severity", "", "Hide findings below this severity")
	flags.StringSliceVar(&watchOpts.exclude, "exclude", nil, "Skip files matching these glob patterns")
	flags.DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before re-analyzing")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, cmd *cobra.Command, args []string) error {
	filter, err := buildFilter(watchOpts)
	if err != nil {
		return err
	}
	orch, registry, err := newOrchestrator()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	analyze := func(files []string) {
		req, err := buildRequest(files, registry, watchOpts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		result, err := orch.ExecuteAnalysis(ctx, req)
		if result == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		shown := aggregate.Filter(result.AggregatedFindings, filter)
		printFindings(out, shown)
		printSummary(out, result, shown)
	}

	files, err := collectFiles(args, watchOpts.exclude)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		analyze(files)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := watchDirs(args)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	fmt.Fprintf(out, "%s Watching %d directories, press Ctrl-C to stop\n", color.CyanString("⟳"), len(dirs))

	changes := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return forwardEvents(gctx, watcher, watchOpts.exclude, changes)
	})
	g.Go(func() error {
		debounce(gctx, changes, watchDebounce, func(paths []string) {
			fmt.Fprintf(out, "%s %d changed file(s)\n", color.CyanString("⟳"), len(paths))
			analyze(paths)
		})
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// forwardEvents turns watcher events into changed file paths. New
// directories are added to the watch.
func forwardEvents(ctx context.Context, watcher *fsnotify.Watcher, exclude []string, changes chan<- string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if isHidden(filepath.Base(event.Name)) || excluded(event.Name, exclude) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Has(fsnotify.Create) && !skipDirs[info.Name()] {
					if err := watcher.Add(event.Name); err != nil {
						logger.Warn("cannot watch new directory", "dir", event.Name, "error", err)
					}
				}
				continue
			}
			select {
			case changes <- filepath.Clean(event.Name):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// debounce collects paths from in and calls flush with the sorted,
// de-duplicated set once no new path has arrived for delay. It returns
// when ctx is done or in is closed; pending paths are flushed on close
// but dropped on cancellation.
func debounce(ctx context.Context, in <-chan string, delay time.Duration, flush func([]string)) {
	pending := make(map[string]struct{})
	// Timers created stopped never deliver a stale tick.
	timer := time.NewTimer(delay)
	timer.Stop()

	emit := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		pending = make(map[string]struct{})
		flush(paths)
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case p, ok := <-in:
			if !ok {
				timer.Stop()
				emit()
				return
			}
			pending[p] = struct{}{}
			timer.Reset(delay)
		case <-timer.C:
			emit()
		}
	}
}
