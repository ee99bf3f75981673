package agents

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/codeswarm/internal/types"
)

// maxParallelFiles bounds how many files one agent reads at once.
const maxParallelFiles = 4

// scanFiles runs fn over every file with bounded parallelism. Unreadable
// files are skipped. Cancellation is checked before each file.
func scanFiles(ctx context.Context, files []string, fn func(path string, content []byte) []types.Finding) ([]types.Finding, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFiles)

	var (
		mu       sync.Mutex
		findings []types.Finding
	)

	for _, path := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			found := fn(path, content)
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			findings = append(findings, found...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Less(findings[j]) })
	return findings, nil
}

// intParam reads a positive integer parameter, falling back to def.
func intParam(params map[string]string, key string, def int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
