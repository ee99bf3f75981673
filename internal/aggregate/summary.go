package aggregate

import (
	"sort"

	"github.com/steveyegge/codeswarm/internal/types"
)

// Summary counts a finding set.
type Summary struct {
	Total       int                    `json:"total"`
	BySeverity  map[types.Severity]int `json:"by_severity"`
	ByCategory  map[string]int         `json:"by_category"`
	ByAgent     map[string]int         `json:"by_agent"`
	Files       int                    `json:"files"`
	MaxSeverity types.Severity         `json:"max_severity"`
}

// Summarize counts findings by severity, category, agent and file.
func Summarize(findings []types.Finding) Summary {
	s := Summary{
		Total:      len(findings),
		BySeverity: make(map[types.Severity]int),
		ByCategory: make(map[string]int),
		ByAgent:    make(map[string]int),
	}
	files := make(map[string]bool)
	for _, f := range findings {
		s.BySeverity[f.Severity]++
		if f.Category != "" {
			s.ByCategory[f.Category]++
		}
		s.ByAgent[f.Agent]++
		files[f.File] = true
		if f.Severity > s.MaxSeverity {
			s.MaxSeverity = f.Severity
		}
	}
	s.Files = len(files)
	return s
}

// AtLeast returns how many findings are at or above sev.
func (s Summary) AtLeast(sev types.Severity) int {
	n := 0
	for k, v := range s.BySeverity {
		if k >= sev {
			n += v
		}
	}
	return n
}

// TopCategories returns up to n categories by count, ties by name.
func (s Summary) TopCategories(n int) []string {
	cats := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if s.ByCategory[cats[i]] != s.ByCategory[cats[j]] {
			return s.ByCategory[cats[i]] > s.ByCategory[cats[j]]
		}
		return cats[i] < cats[j]
	})
	if n > 0 && len(cats) > n {
		cats = cats[:n]
	}
	return cats
}
