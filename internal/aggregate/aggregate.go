// Package aggregate merges the findings of terminal agent results into one
// de-duplicated, deterministically ordered set.
package aggregate

import (
	"path/filepath"
	"sort"

	"github.com/steveyegge/codeswarm/internal/types"
)

// Aggregate collects findings of completed results. Findings sharing a
// file:line:rule key collapse into the most confident one, with the agent
// name breaking ties. The result is sorted by Finding.Less.
func Aggregate(results []types.AgentResult) []types.Finding {
	var all []types.Finding
	for _, r := range results {
		all = append(all, r.NormalizedFindings()...)
	}
	return dedupe(all)
}

// ApplyResolutions replaces the members of each auto-resolved conflict by
// its resolved finding. Members of conflicts awaiting review stay as they
// are.
func ApplyResolutions(findings []types.Finding, conflicts []types.Conflict) []types.Finding {
	superseded := make(map[string]bool)
	var resolved []types.Finding
	for _, c := range conflicts {
		if c.Status != types.ConflictAutoResolved || c.Resolved == nil {
			continue
		}
		for _, f := range c.Findings {
			superseded[f.ID] = true
		}
		resolved = append(resolved, *c.Resolved)
	}
	if len(resolved) == 0 {
		return findings
	}

	out := make([]types.Finding, 0, len(findings)+len(resolved))
	for _, f := range findings {
		if !superseded[f.ID] {
			out = append(out, f)
		}
	}
	out = append(out, resolved...)
	return dedupe(out)
}

func dedupe(findings []types.Finding) []types.Finding {
	best := make(map[string]types.Finding, len(findings))
	for _, f := range findings {
		k := f.Key()
		cur, ok := best[k]
		if !ok || better(f, cur) {
			best[k] = f
		}
	}

	out := make([]types.Finding, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// better reports whether a should replace b under the same key.
func better(a, b types.Finding) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Agent != b.Agent {
		return a.Agent < b.Agent
	}
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.ID < b.ID
}

// FindingFilter narrows a finding set. Zero values match everything.
type FindingFilter struct {
	MinSeverity  types.Severity
	Categories   []string
	FilePatterns []string // filepath.Match patterns, matched against the path and its base name
	Rules        []string
	MaxResults   int
}

// Filter returns the findings that pass f, preserving order.
func Filter(findings []types.Finding, f FindingFilter) []types.Finding {
	cats := toSet(f.Categories)
	rules := toSet(f.Rules)

	var out []types.Finding
	for _, finding := range findings {
		if finding.Severity < f.MinSeverity {
			continue
		}
		if len(cats) > 0 && !cats[finding.Category] {
			continue
		}
		if len(rules) > 0 && !rules[finding.Rule] {
			continue
		}
		if len(f.FilePatterns) > 0 && !matchAny(f.FilePatterns, finding.File) {
			continue
		}
		out = append(out, finding)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

func matchAny(patterns []string, path string) bool {
	base := filepath.Base(path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
