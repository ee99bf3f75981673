package types

import (
	"fmt"
	"strings"
)

// ResolutionStrategy picks how disagreeing findings are reconciled.
type ResolutionStrategy string

const (
	ResolvePriority   ResolutionStrategy = "priority"
	ResolveConfidence ResolutionStrategy = "confidence"
	ResolveConsensus  ResolutionStrategy = "consensus"
	ResolveManual     ResolutionStrategy = "manual"
)

// IsValid checks if the strategy value is valid
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case ResolvePriority, ResolveConfidence, ResolveConsensus, ResolveManual:
		return true
	}
	return false
}

// ParseResolutionStrategy accepts the short names and the long
// "priority_based" style names.
func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "_based")
	if name == "manual_review" {
		name = "manual"
	}
	strategy := ResolutionStrategy(name)
	if !strategy.IsValid() {
		return "", fmt.Errorf("invalid conflict resolution strategy %q", s)
	}
	return strategy, nil
}

// ConflictStatus is the outcome state of a conflict.
type ConflictStatus string

const (
	ConflictUnresolved    ConflictStatus = "unresolved"
	ConflictAutoResolved  ConflictStatus = "auto_resolved"
	ConflictPendingReview ConflictStatus = "pending_manual_review"
)

// Conflict is a disagreement between findings of at least two agents
// over the same location.
type Conflict struct {
	ID       string             `json:"id"`
	File     string             `json:"file"`
	Category string             `json:"category"`
	Findings []Finding          `json:"findings"`
	Agents   []string           `json:"agents"`
	Strategy ResolutionStrategy `json:"strategy,omitempty"`
	Resolved *Finding           `json:"resolved,omitempty"`
	Status   ConflictStatus     `json:"status"`
	Reason   string             `json:"reason,omitempty"`
}

// DecompositionStrategy selects how a request is split into tasks.
type DecompositionStrategy string

const (
	DecomposeFileBased         DecompositionStrategy = "file"
	DecomposeDirectoryBased    DecompositionStrategy = "directory"
	DecomposeAnalysisTypeBased DecompositionStrategy = "analysis_type"
	DecomposeComplexityBased   DecompositionStrategy = "complexity"
	DecomposeHybrid            DecompositionStrategy = "hybrid"
)

// IsValid checks if the strategy value is valid
func (s DecompositionStrategy) IsValid() bool {
	switch s {
	case DecomposeFileBased, DecomposeDirectoryBased, DecomposeAnalysisTypeBased,
		DecomposeComplexityBased, DecomposeHybrid:
		return true
	}
	return false
}

// ParseDecompositionStrategy parses a strategy name, with or without a
// "_based" suffix.
func ParseDecompositionStrategy(s string) (DecompositionStrategy, error) {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "_based")
	strategy := DecompositionStrategy(name)
	if !strategy.IsValid() {
		return "", fmt.Errorf("invalid decomposition strategy %q", s)
	}
	return strategy, nil
}
