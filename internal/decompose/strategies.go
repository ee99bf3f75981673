package decompose

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/steveyegge/codeswarm/internal/types"
)

// partition splits files into the groups every analysis type reuses.
// Groups keep request order and never share a file.
func (d *Decomposer) partition(files []string, stats map[string]FileStats) [][]string {
	switch d.cfg.Strategy {
	case types.DecomposeDirectoryBased:
		return byDirectory(files)
	case types.DecomposeAnalysisTypeBased:
		return [][]string{files}
	case types.DecomposeComplexityBased:
		return d.byComplexity(files, stats)
	case types.DecomposeHybrid:
		return d.byFile(files, stats, func(s FileStats) bool {
			return d.isLarge(s) || d.isComplex(s)
		})
	default:
		return d.byFile(files, stats, d.isLarge)
	}
}

func (d *Decomposer) isLarge(s FileStats) bool {
	return d.cfg.LargeFileBytes > 0 && s.Bytes >= d.cfg.LargeFileBytes
}

func (d *Decomposer) isComplex(s FileStats) bool {
	c := d.cfg.Complexity
	if c.MaxSimpleBytes > 0 && s.Bytes > c.MaxSimpleBytes {
		return true
	}
	return c.MaxSimpleLines > 0 && s.Lines > c.MaxSimpleLines
}

// byFile groups files by extension, then batches each group by count and
// byte cap. Files flagged by alone run as singletons.
func (d *Decomposer) byFile(files []string, stats map[string]FileStats, alone func(FileStats) bool) [][]string {
	var extOrder []string
	byExt := make(map[string][]string)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if _, ok := byExt[ext]; !ok {
			extOrder = append(extOrder, ext)
		}
		byExt[ext] = append(byExt[ext], f)
	}

	var groups [][]string
	for _, ext := range extOrder {
		b := batcher{size: d.cfg.BatchSize, maxBytes: d.cfg.MaxBatchBytes}
		for _, f := range byExt[ext] {
			s := stats[f]
			if alone(s) {
				groups = append(groups, []string{f})
				continue
			}
			groups = b.add(groups, f, s.Bytes)
		}
		groups = b.flush(groups)
	}
	return groups
}

// byComplexity gives complex files their own task and batches the rest.
func (d *Decomposer) byComplexity(files []string, stats map[string]FileStats) [][]string {
	var groups [][]string
	b := batcher{size: d.cfg.BatchSize}
	for _, f := range files {
		if d.isComplex(stats[f]) {
			groups = append(groups, []string{f})
			continue
		}
		groups = b.add(groups, f, 0)
	}
	return b.flush(groups)
}

// byDirectory yields one group per top-level directory below the files'
// common root. Files directly in the root form their own group.
func byDirectory(files []string) [][]string {
	root := commonDir(files)

	var order []string
	byDir := make(map[string][]string)
	for _, f := range files {
		dir := topLevelDir(root, f)
		if _, ok := byDir[dir]; !ok {
			order = append(order, dir)
		}
		byDir[dir] = append(byDir[dir], f)
	}

	groups := make([][]string, 0, len(order))
	for _, dir := range order {
		groups = append(groups, byDir[dir])
	}
	return groups
}

func commonDir(files []string) string {
	if len(files) == 0 {
		return ""
	}
	common := strings.Split(path.Dir(filepath.ToSlash(filepath.Clean(files[0]))), "/")
	for _, f := range files[1:] {
		parts := strings.Split(path.Dir(filepath.ToSlash(filepath.Clean(f))), "/")
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	return strings.Join(common, "/")
}

func topLevelDir(root, file string) string {
	rel := filepath.ToSlash(filepath.Clean(file))
	if root != "" && root != "." {
		rel = strings.TrimPrefix(rel, root)
	}
	rel = strings.TrimPrefix(rel, "/")
	if i := strings.Index(rel, "/"); i > 0 {
		return rel[:i]
	}
	return "."
}

// batcher accumulates files into a batch until a cap is hit.
type batcher struct {
	size     int
	maxBytes int64

	current []string
	bytes   int64
}

func (b *batcher) add(groups [][]string, file string, size int64) [][]string {
	if len(b.current) > 0 && b.maxBytes > 0 && b.bytes+size > b.maxBytes {
		groups = b.flush(groups)
	}
	b.current = append(b.current, file)
	b.bytes += size
	if len(b.current) >= b.size {
		groups = b.flush(groups)
	}
	return groups
}

func (b *batcher) flush(groups [][]string) [][]string {
	if len(b.current) == 0 {
		return groups
	}
	groups = append(groups, b.current)
	b.current = nil
	b.bytes = 0
	return groups
}
