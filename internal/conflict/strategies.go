package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/codeswarm/internal/types"
)

// confidenceEpsilon treats confidences this close as tied.
const confidenceEpsilon = 1e-9

// Resolve applies strategy to a detected conflict and returns the updated
// conflict. The input is not modified.
func (r *Resolver) Resolve(c types.Conflict, strategy types.ResolutionStrategy) types.Conflict {
	out := c
	out.Findings = append([]types.Finding(nil), c.Findings...)
	sort.SliceStable(out.Findings, func(i, j int) bool { return findingLess(out.Findings[i], out.Findings[j]) })
	out.Strategy = strategy
	out.Resolved = nil

	var winner *types.Finding
	var reason string
	switch strategy {
	case types.ResolvePriority:
		winner, reason = r.byPriority(out.Findings)
	case types.ResolveConfidence:
		winner, reason = byConfidence(out.Findings)
	case types.ResolveConsensus:
		winner, reason = r.byConsensus(out.Findings)
	case types.ResolveManual:
		reason = "queued for manual review"
	default:
		reason = fmt.Sprintf("unknown strategy %q, queued for manual review", strategy)
	}

	if winner != nil {
		resolved := *winner
		resolved.Metadata = make(map[string]string, len(winner.Metadata)+2)
		for k, v := range winner.Metadata {
			resolved.Metadata[k] = v
		}
		resolved.Metadata["conflict_id"] = c.ID
		resolved.Metadata["resolution"] = string(strategy)
		out.Resolved = &resolved
		out.Status = types.ConflictAutoResolved
	} else {
		out.Status = types.ConflictPendingReview
	}
	out.Reason = reason

	r.mu.Lock()
	r.stats.ByStrategy[strategy]++
	if out.Status == types.ConflictAutoResolved {
		r.stats.AutoResolved++
	} else {
		r.stats.PendingReview++
	}
	r.mu.Unlock()

	return out
}

func (r *Resolver) priorityOf(agent string) types.Priority {
	if p, ok := r.cfg.AgentPriorities[agent]; ok {
		return p
	}
	return types.PriorityLow
}

// byPriority keeps the findings of the highest-ranked agent and falls
// through to the tie breaker when several agents share that rank.
func (r *Resolver) byPriority(members []types.Finding) (*types.Finding, string) {
	best := types.Priority(0)
	for _, f := range members {
		if p := r.priorityOf(f.Agent); p > best {
			best = p
		}
	}

	var top []types.Finding
	agents := make(map[string]bool)
	for _, f := range members {
		if r.priorityOf(f.Agent) == best {
			top = append(top, f)
			agents[f.Agent] = true
		}
	}

	if len(agents) == 1 {
		w, _ := byConfidence(top)
		return w, fmt.Sprintf("agent %s has the highest priority (%s)", w.Agent, best)
	}

	var w *types.Finding
	var why string
	switch r.cfg.TieBreaker {
	case types.ResolveConsensus:
		w, why = r.byConsensus(top)
	case types.ResolveManual:
		why = "queued for manual review"
	default:
		w, why = byConfidence(top)
	}
	return w, fmt.Sprintf("%d agents tied at priority %s; %s", len(agents), best, why)
}

// byConfidence picks the most confident finding, preferring the lower
// severity on a tie and then the first in sorted order.
func byConfidence(members []types.Finding) (*types.Finding, string) {
	if len(members) == 0 {
		return nil, "no findings"
	}
	best := 0
	for i := 1; i < len(members); i++ {
		a, b := members[i], members[best]
		switch {
		case a.Confidence > b.Confidence+confidenceEpsilon:
			best = i
		case a.Confidence < b.Confidence-confidenceEpsilon:
		case a.Severity < b.Severity:
			best = i
		case a.Severity == b.Severity && findingLess(a, b):
			best = i
		}
	}
	w := members[best]
	return &w, fmt.Sprintf("agent %s reported the highest confidence (%.2f)", w.Agent, w.Confidence)
}

// byConsensus adopts the severity that enough distinct agents agree on.
// The adopted finding carries the mean confidence of its supporters.
func (r *Resolver) byConsensus(members []types.Finding) (*types.Finding, string) {
	agents := make(map[string]bool)
	supporters := make(map[types.Severity]map[string]bool)
	for _, f := range members {
		agents[f.Agent] = true
		if supporters[f.Severity] == nil {
			supporters[f.Severity] = make(map[string]bool)
		}
		supporters[f.Severity][f.Agent] = true
	}

	need := r.cfg.ConsensusThreshold
	if need <= 0 {
		need = len(agents)/2 + 1
	}

	severities := make([]types.Severity, 0, len(supporters))
	for s := range supporters {
		severities = append(severities, s)
	}
	// Most support first, then the more conservative severity.
	sort.Slice(severities, func(i, j int) bool {
		ni, nj := len(supporters[severities[i]]), len(supporters[severities[j]])
		if ni != nj {
			return ni > nj
		}
		return severities[i] < severities[j]
	})

	chosen := severities[0]
	if len(supporters[chosen]) < need {
		return nil, fmt.Sprintf("no severity reached consensus (%d of %d agents needed)", need, len(agents))
	}

	var agreeing []types.Finding
	for _, f := range members {
		if f.Severity == chosen {
			agreeing = append(agreeing, f)
		}
	}
	// members are already in sorted order, so the sum is reproducible.
	var sum float64
	for _, f := range agreeing {
		sum += f.Confidence
	}

	w := agreeing[0]
	w.Confidence = sum / float64(len(agreeing))

	names := make([]string, 0, len(supporters[chosen]))
	for a := range supporters[chosen] {
		names = append(names, a)
	}
	sort.Strings(names)
	if w.Metadata == nil {
		w.Metadata = make(map[string]string)
	} else {
		md := make(map[string]string, len(w.Metadata)+1)
		for k, v := range w.Metadata {
			md[k] = v
		}
		w.Metadata = md
	}
	w.Metadata["consensus_agents"] = strings.Join(names, ",")

	return &w, fmt.Sprintf("%d of %d agents agree on severity %s", len(names), len(agents), chosen)
}
