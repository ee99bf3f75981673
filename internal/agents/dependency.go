package agents

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"

	"github.com/steveyegge/codeswarm/internal/types"
)

// minGoVersion is the oldest go directive not reported as outdated.
const minGoVersion = "v1.21"

// DependencyAuditor audits go.mod files offline: go directive, pseudo
// versions, local replace directives and deprecation notices. Other
// files in its batch are ignored.
type DependencyAuditor struct{}

// NewDependencyAuditor creates a dependency auditor.
func NewDependencyAuditor() *DependencyAuditor {
	return &DependencyAuditor{}
}

// Name implements Agent.
func (d *DependencyAuditor) Name() string { return "dependency" }

// Description implements Describer.
func (d *DependencyAuditor) Description() string {
	return "go.mod hygiene: go version, pseudo-versions, local replaces, deprecated modules"
}

// Analyze implements Agent.
func (d *DependencyAuditor) Analyze(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error) {
	var modFiles []string
	for _, f := range files {
		if filepath.Base(f) == "go.mod" {
			modFiles = append(modFiles, f)
		}
	}
	return scanFiles(ctx, modFiles, d.auditModFile)
}

func (d *DependencyAuditor) auditModFile(path string, content []byte) []types.Finding {
	mf, err := modfile.Parse(path, content, nil)
	if err != nil {
		return []types.Finding{d.finding(path, 1, "unparseable-go-mod", types.SeverityHigh,
			fmt.Sprintf("go.mod does not parse: %v", err), "Run go mod tidy and fix the reported syntax.")}
	}

	var findings []types.Finding

	if mf.Go == nil {
		findings = append(findings, d.finding(path, 1, "missing-go-directive", types.SeverityMedium,
			"go.mod has no go directive", "Add a go directive matching the toolchain you build with."))
	} else if v := "v" + mf.Go.Version; semver.IsValid(v) && semver.Compare(v, minGoVersion) < 0 {
		findings = append(findings, d.finding(path, lineOf(mf.Go.Syntax), "outdated-go-version", types.SeverityLow,
			fmt.Sprintf("go directive %s is older than %s", mf.Go.Version, minGoVersion[1:]),
			"Raise the go directive to a supported release."))
	}

	if mf.Module != nil && mf.Module.Deprecated != "" {
		findings = append(findings, d.finding(path, lineOf(mf.Module.Syntax), "deprecated-module", types.SeverityInfo,
			fmt.Sprintf("module is marked deprecated: %s", mf.Module.Deprecated), ""))
	}

	for _, req := range mf.Require {
		line := lineOf(req.Syntax)
		switch {
		case !semver.IsValid(req.Mod.Version):
			findings = append(findings, d.finding(path, line, "invalid-version", types.SeverityHigh,
				fmt.Sprintf("%s requires invalid version %q", req.Mod.Path, req.Mod.Version),
				"Pin a tagged semantic version."))
		case module.IsPseudoVersion(req.Mod.Version) && !req.Indirect:
			findings = append(findings, d.finding(path, line, "pseudo-version", types.SeverityLow,
				fmt.Sprintf("%s is pinned to pseudo-version %s", req.Mod.Path, req.Mod.Version),
				"Prefer a tagged release when one exists."))
		}
	}

	for _, rep := range mf.Replace {
		if rep.New.Version == "" && modfile.IsDirectoryPath(rep.New.Path) {
			findings = append(findings, d.finding(path, lineOf(rep.Syntax), "local-replace", types.SeverityMedium,
				fmt.Sprintf("%s is replaced by local path %s", rep.Old.Path, rep.New.Path),
				"Remove local replace directives before release; they break builds elsewhere."))
		}
	}

	return findings
}

func (d *DependencyAuditor) finding(path string, line int, rule string, sev types.Severity, msg, suggestion string) types.Finding {
	return types.Finding{
		Agent:      d.Name(),
		Rule:       rule,
		Category:   "dependency",
		Severity:   sev,
		File:       path,
		LineStart:  line,
		LineEnd:    line,
		Message:    msg,
		Suggestion: suggestion,
		Confidence: 0.9,
	}
}

func lineOf(l *modfile.Line) int {
	if l == nil {
		return 1
	}
	return l.Start.Line
}
