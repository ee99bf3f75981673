package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Severity of a finding. Higher values are more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseSeverity parses a severity name (case-insensitive).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("invalid severity %q", s)
	}
}

// MarshalText encodes the severity by name so JSON output stays readable.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding is a single reported issue at a code location.
type Finding struct {
	ID          string            `json:"id"`
	Agent       string            `json:"agent"`
	Rule        string            `json:"rule"`
	Category    string            `json:"category"`
	Severity    Severity          `json:"severity"`
	File        string            `json:"file"`
	LineStart   int               `json:"line_start"`
	LineEnd     int               `json:"line_end,omitempty"`
	Column      int               `json:"column,omitempty"`
	Message     string            `json:"message"`
	Description string            `json:"description,omitempty"`
	Suggestion  string            `json:"suggestion,omitempty"`
	Confidence  float64           `json:"confidence"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// End returns the last line covered by the finding.
func (f Finding) End() int {
	if f.LineEnd < f.LineStart {
		return f.LineStart
	}
	return f.LineEnd
}

// Overlaps reports whether both findings point at the same file and
// their line ranges intersect.
func (f Finding) Overlaps(other Finding) bool {
	if f.File != other.File {
		return false
	}
	return f.LineStart <= other.End() && other.LineStart <= f.End()
}

// Key is the deduplication key: file:line:rule.
func (f Finding) Key() string {
	return fmt.Sprintf("%s:%d:%s", f.File, f.LineStart, f.Rule)
}

// Fingerprint is a stable content hash used when an agent leaves ID empty.
func (f Finding) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%s\x00%s\x00%s",
		f.Agent, f.File, f.LineStart, f.End(), f.Rule, f.Category, f.Message)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Less is the total order used wherever output must be deterministic:
// severity desc, then file, line, rule, agent, message, id.
func (f Finding) Less(other Finding) bool {
	if f.Severity != other.Severity {
		return f.Severity > other.Severity
	}
	if f.File != other.File {
		return f.File < other.File
	}
	if f.LineStart != other.LineStart {
		return f.LineStart < other.LineStart
	}
	if f.Rule != other.Rule {
		return f.Rule < other.Rule
	}
	if f.Agent != other.Agent {
		return f.Agent < other.Agent
	}
	if f.Message != other.Message {
		return f.Message < other.Message
	}
	return f.ID < other.ID
}
