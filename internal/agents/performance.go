package agents

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/steveyegge/codeswarm/internal/types"
)

// PerformanceAgent flags loop bodies in Go sources that repeat expensive
// work: defers that pile up until the function returns, regular
// expressions compiled per iteration and string building with +=.
type PerformanceAgent struct{}

// NewPerformanceAgent creates a performance agent.
func NewPerformanceAgent() *PerformanceAgent {
	return &PerformanceAgent{}
}

// Name implements Agent.
func (p *PerformanceAgent) Name() string { return "performance" }

// Description implements Describer.
func (p *PerformanceAgent) Description() string {
	return "Per-iteration costs inside loops: defer, regexp compilation, string concatenation"
}

// Analyze implements Agent.
func (p *PerformanceAgent) Analyze(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error) {
	var goFiles []string
	for _, f := range files {
		if strings.HasSuffix(f, ".go") {
			goFiles = append(goFiles, f)
		}
	}
	return scanFiles(ctx, goFiles, p.analyzeGoFile)
}

func (p *PerformanceAgent) analyzeGoFile(path string, content []byte) []types.Finding {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, path, content, 0)
	if err != nil {
		return nil
	}

	var findings []types.Finding
	report := func(n ast.Node, rule string, sev types.Severity, msg, suggestion string) {
		pos := fset.Position(n.Pos())
		findings = append(findings, types.Finding{
			Agent:      p.Name(),
			Rule:       rule,
			Category:   "performance",
			Severity:   sev,
			File:       path,
			LineStart:  pos.Line,
			LineEnd:    fset.Position(n.End()).Line,
			Column:     pos.Column,
			Message:    msg,
			Suggestion: suggestion,
			Confidence: 0.6,
		})
	}

	ast.Inspect(node, func(n ast.Node) bool {
		var body *ast.BlockStmt
		switch loop := n.(type) {
		case *ast.ForStmt:
			body = loop.Body
		case *ast.RangeStmt:
			body = loop.Body
		default:
			return true
		}

		ast.Inspect(body, func(inner ast.Node) bool {
			switch stmt := inner.(type) {
			case *ast.FuncLit:
				// Closures run on their own schedule.
				return false
			case *ast.DeferStmt:
				report(stmt, "defer-in-loop", types.SeverityMedium,
					"defer inside a loop runs only when the function returns",
					"Move the loop body into a helper function or release resources explicitly.")
			case *ast.CallExpr:
				if sel, ok := stmt.Fun.(*ast.SelectorExpr); ok && exprName(sel.X) == "regexp" &&
					(sel.Sel.Name == "Compile" || sel.Sel.Name == "MustCompile") {
					report(stmt, "regexp-compile-in-loop", types.SeverityMedium,
						"regular expression compiled on every iteration",
						"Compile the expression once outside the loop.")
				}
			case *ast.AssignStmt:
				if stmt.Tok == token.ADD_ASSIGN && hasStringLiteral(stmt.Rhs) {
					report(stmt, "string-concat-in-loop", types.SeverityLow,
						"string built with += inside a loop",
						"Use strings.Builder.")
				}
			}
			return true
		})
		// The nested walk already covered inner loops.
		return false
	})
	return findings
}

func hasStringLiteral(exprs []ast.Expr) bool {
	found := false
	for _, e := range exprs {
		ast.Inspect(e, func(n ast.Node) bool {
			if lit, ok := n.(*ast.BasicLit); ok && lit.Kind == token.STRING {
				found = true
			}
			return !found
		})
	}
	return found
}
