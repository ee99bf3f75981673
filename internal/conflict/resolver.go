// Package conflict finds findings from different agents that disagree
// about the same code location and reconciles them. Output depends only
// on the set of inputs, never on their order.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/steveyegge/codeswarm/internal/types"
)

// Config configures a Resolver.
type Config struct {
	// AgentPriorities ranks agents for priority-based resolution. Agents
	// missing from the map rank as Low.
	AgentPriorities map[string]types.Priority `json:"agent_priorities"`

	// TieBreaker resolves priority ties. Defaults to confidence.
	TieBreaker types.ResolutionStrategy `json:"tie_breaker"`

	// ConsensusThreshold is how many agents must agree for consensus.
	// Zero means a strict majority of the agents in the conflict.
	ConsensusThreshold int `json:"consensus_threshold"`
}

// DefaultAgentPriorities ranks the built-in agents.
func DefaultAgentPriorities() map[string]types.Priority {
	return map[string]types.Priority{
		"security":    types.PriorityHigh,
		"performance": types.PriorityMedium,
		"quality":     types.PriorityMedium,
		"dependency":  types.PriorityLow,
	}
}

// DefaultConfig returns the resolver defaults.
func DefaultConfig() Config {
	return Config{
		AgentPriorities: DefaultAgentPriorities(),
		TieBreaker:      types.ResolveConfidence,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.TieBreaker {
	case "", types.ResolveConfidence, types.ResolveConsensus, types.ResolveManual:
	default:
		return fmt.Errorf("tie breaker must be confidence, consensus or manual, got %q", c.TieBreaker)
	}
	if c.ConsensusThreshold < 0 {
		return fmt.Errorf("consensus threshold must be non-negative, got %d", c.ConsensusThreshold)
	}
	for name, p := range c.AgentPriorities {
		if !p.IsValid() {
			return fmt.Errorf("agent %q has invalid priority %d", name, int(p))
		}
	}
	return nil
}

// Outcome partitions resolved conflicts.
type Outcome struct {
	Resolved      []types.Conflict `json:"resolved"`
	PendingReview []types.Conflict `json:"pending_review"`
}

// Stats counts what a Resolver has done across calls.
type Stats struct {
	Detected      int                              `json:"detected"`
	AutoResolved  int                              `json:"auto_resolved"`
	PendingReview int                              `json:"pending_review"`
	ByStrategy    map[types.ResolutionStrategy]int `json:"by_strategy"`
}

// Resolver detects and resolves conflicts. It is safe for concurrent use.
type Resolver struct {
	cfg Config

	mu    sync.Mutex
	stats Stats
}

// New creates a resolver.
func New(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conflict resolver config: %w", err)
	}
	if cfg.TieBreaker == "" {
		cfg.TieBreaker = types.ResolveConfidence
	}
	if cfg.AgentPriorities == nil {
		cfg.AgentPriorities = DefaultAgentPriorities()
	}
	return &Resolver{
		cfg:   cfg,
		stats: Stats{ByStrategy: make(map[types.ResolutionStrategy]int)},
	}, nil
}

// Detect groups findings of completed results into conflicts. Findings
// cluster when they share a file and category, their line ranges overlap
// and they come from different agents. A cluster is a conflict only if two
// of its agents disagree on severity or on the suggested fix.
func (r *Resolver) Detect(results []types.AgentResult) []types.Conflict {
	var all []types.Finding
	for _, res := range results {
		all = append(all, res.NormalizedFindings()...)
	}
	sort.SliceStable(all, func(i, j int) bool { return findingLess(all[i], all[j]) })

	groups := make(map[string][]int)
	var groupKeys []string
	for i, f := range all {
		k := f.File + "\x00" + f.Category
		if _, ok := groups[k]; !ok {
			groupKeys = append(groupKeys, k)
		}
		groups[k] = append(groups[k], i)
	}
	sort.Strings(groupKeys)

	var conflicts []types.Conflict
	for _, k := range groupKeys {
		for _, cluster := range clusters(all, groups[k]) {
			members := make([]types.Finding, len(cluster))
			for i, idx := range cluster {
				members[i] = all[idx]
			}
			if !disagree(members) {
				continue
			}
			conflicts = append(conflicts, newConflict(members))
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if la, lb := firstLine(a), firstLine(b); la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})

	r.mu.Lock()
	r.stats.Detected += len(conflicts)
	r.mu.Unlock()
	return conflicts
}

// ResolveAll detects conflicts in results and resolves each with strategy.
func (r *Resolver) ResolveAll(results []types.AgentResult, strategy types.ResolutionStrategy) Outcome {
	var out Outcome
	for _, c := range r.Detect(results) {
		resolved := r.Resolve(c, strategy)
		if resolved.Status == types.ConflictAutoResolved {
			out.Resolved = append(out.Resolved, resolved)
		} else {
			out.PendingReview = append(out.PendingReview, resolved)
		}
	}
	return out
}

// Stats returns a copy of the counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.ByStrategy = make(map[types.ResolutionStrategy]int, len(r.stats.ByStrategy))
	for k, v := range r.stats.ByStrategy {
		s.ByStrategy[k] = v
	}
	return s
}

// ValidateResolution checks that a resolved conflict is internally
// consistent: it spans at least two agents, an auto-resolved conflict
// carries a resolution taken from one of its members, and a pending one
// carries none.
func ValidateResolution(c types.Conflict) error {
	if len(c.Findings) < 2 {
		return fmt.Errorf("conflict %s has %d findings, need at least 2", c.ID, len(c.Findings))
	}
	agents := make(map[string]bool)
	for _, f := range c.Findings {
		agents[f.Agent] = true
	}
	if len(agents) < 2 {
		return fmt.Errorf("conflict %s involves only one agent", c.ID)
	}

	switch c.Status {
	case types.ConflictAutoResolved:
		if c.Resolved == nil {
			return fmt.Errorf("conflict %s is auto-resolved without a resolution", c.ID)
		}
		for _, f := range c.Findings {
			if f.ID == c.Resolved.ID {
				return nil
			}
		}
		return fmt.Errorf("conflict %s resolution %s is not one of its findings", c.ID, c.Resolved.ID)
	case types.ConflictPendingReview:
		if c.Resolved != nil {
			return fmt.Errorf("conflict %s is pending review but has a resolution", c.ID)
		}
		return nil
	default:
		return fmt.Errorf("conflict %s is %s", c.ID, c.Status)
	}
}

// clusters partitions idx into connected components, linking findings of
// different agents whose ranges overlap.
func clusters(all []types.Finding, idx []int) [][]int {
	parent := make([]int, len(idx))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			a, b := all[idx[i]], all[idx[j]]
			if a.Agent != b.Agent && a.Overlaps(b) {
				ri, rj := find(i), find(j)
				if ri != rj {
					// Lower root wins so components are labeled by their
					// first member in sorted order.
					if ri < rj {
						parent[rj] = ri
					} else {
						parent[ri] = rj
					}
				}
			}
		}
	}

	byRoot := make(map[int][]int)
	var roots []int
	for i := range idx {
		root := find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], idx[i])
	}

	var out [][]int
	for _, root := range roots {
		if len(byRoot[root]) > 1 {
			out = append(out, byRoot[root])
		}
	}
	return out
}

// disagree reports whether two members from different agents differ in
// severity or in a suggested fix both of them gave.
func disagree(members []types.Finding) bool {
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			if a.Agent == b.Agent {
				continue
			}
			if a.Severity != b.Severity {
				return true
			}
			sa, sb := normalizeSuggestion(a.Suggestion), normalizeSuggestion(b.Suggestion)
			if sa != "" && sb != "" && sa != sb {
				return true
			}
		}
	}
	return false
}

func normalizeSuggestion(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func newConflict(members []types.Finding) types.Conflict {
	keys := make([]string, len(members))
	agentSet := make(map[string]bool)
	for i, f := range members {
		keys[i] = memberKey(f)
		agentSet[f.Agent] = true
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}

	agents := make([]string, 0, len(agentSet))
	for a := range agentSet {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	return types.Conflict{
		ID:       "conflict-" + hex.EncodeToString(h.Sum(nil))[:16],
		File:     members[0].File,
		Category: members[0].Category,
		Findings: members,
		Agents:   agents,
		Status:   types.ConflictUnresolved,
	}
}

func memberKey(f types.Finding) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%s|%s|%s", f.Agent, f.File, f.LineStart, f.End(), f.Rule, f.Severity, f.Message, f.ID)
}

func firstLine(c types.Conflict) int {
	line := 0
	for i, f := range c.Findings {
		if i == 0 || f.LineStart < line {
			line = f.LineStart
		}
	}
	return line
}

// findingLess extends Finding.Less over the remaining fields so that
// findings equal under Less still sort the same way for any input order.
func findingLess(a, b types.Finding) bool {
	if a.Less(b) {
		return true
	}
	if b.Less(a) {
		return false
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.End() != b.End() {
		return a.End() < b.End()
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	if a.Suggestion != b.Suggestion {
		return a.Suggestion < b.Suggestion
	}
	return a.Description < b.Description
}
