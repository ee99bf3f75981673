package agents

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/steveyegge/codeswarm/internal/types"
)

const (
	defaultMaxFileLines     = 500
	defaultMaxFunctionLines = 80
)

var todoMarker = regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`)

// QualityAgent reports oversized files, long Go functions and leftover
// TODO-style markers.
//
// Parameters:
//   - quality.max_file_lines (default 500)
//   - quality.max_function_lines (default 80)
type QualityAgent struct{}

// NewQualityAgent creates a quality agent.
func NewQualityAgent() *QualityAgent {
	return &QualityAgent{}
}

// Name implements Agent.
func (q *QualityAgent) Name() string { return "quality" }

// Description implements Describer.
func (q *QualityAgent) Description() string {
	return "Oversized files, long functions, TODO/FIXME markers"
}

// Analyze implements Agent.
func (q *QualityAgent) Analyze(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error) {
	maxFile := intParam(params, "quality.max_file_lines", defaultMaxFileLines)
	maxFunc := intParam(params, "quality.max_function_lines", defaultMaxFunctionLines)

	return scanFiles(ctx, files, func(path string, content []byte) []types.Finding {
		var findings []types.Finding
		lines := bytes.Split(content, []byte("\n"))

		if len(lines) > maxFile {
			findings = append(findings, types.Finding{
				Agent:      q.Name(),
				Rule:       "oversized-file",
				Category:   "quality",
				Severity:   types.SeverityLow,
				File:       path,
				LineStart:  1,
				LineEnd:    len(lines),
				Message:    fmt.Sprintf("File has %d lines (limit %d)", len(lines), maxFile),
				Suggestion: "Split the file along its responsibilities.",
				Confidence: 0.9,
			})
		}

		for i, line := range lines {
			if m := todoMarker.Find(line); m != nil {
				findings = append(findings, types.Finding{
					Agent:      q.Name(),
					Rule:       "todo-marker",
					Category:   "quality",
					Severity:   types.SeverityInfo,
					File:       path,
					LineStart:  i + 1,
					LineEnd:    i + 1,
					Message:    fmt.Sprintf("%s marker left in code", m),
					Confidence: 0.95,
				})
			}
		}

		if strings.HasSuffix(path, ".go") {
			findings = append(findings, q.longFunctions(path, content, maxFunc)...)
		}
		return findings
	})
}

func (q *QualityAgent) longFunctions(path string, content []byte, limit int) []types.Finding {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, path, content, 0)
	if err != nil {
		return nil
	}

	var findings []types.Finding
	for _, decl := range node.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		start := fset.Position(fn.Pos()).Line
		end := fset.Position(fn.End()).Line
		if n := end - start + 1; n > limit {
			findings = append(findings, types.Finding{
				Agent:      q.Name(),
				Rule:       "long-function",
				Category:   "quality",
				Severity:   types.SeverityMedium,
				File:       path,
				LineStart:  start,
				LineEnd:    end,
				Message:    fmt.Sprintf("Function %s is %d lines (limit %d)", fn.Name.Name, n, limit),
				Suggestion: "Extract helpers for the distinct steps.",
				Confidence: 0.85,
			})
		}
	}
	return findings
}
