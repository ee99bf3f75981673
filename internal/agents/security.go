package agents

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/steveyegge/codeswarm/internal/types"
)

// SecurityAgent finds hardcoded credentials in any text file and, in Go
// sources, SQL or command construction by string concatenation and weak
// hash algorithms.
type SecurityAgent struct {
	credentialPatterns []*regexp.Regexp
	sqlFuncs           []string
	weakCrypto         []string
}

// NewSecurityAgent creates a security agent with the default rule set.
func NewSecurityAgent() *SecurityAgent {
	return &SecurityAgent{
		credentialPatterns: compileCredentialPatterns(),
		sqlFuncs:           []string{"Query", "QueryContext", "QueryRow", "QueryRowContext", "Exec", "ExecContext", "Prepare", "PrepareContext"},
		weakCrypto:         []string{"md5", "sha1", "des", "rc4"},
	}
}

// Name implements Agent.
func (s *SecurityAgent) Name() string { return "security" }

// Description implements Describer.
func (s *SecurityAgent) Description() string {
	return "Hardcoded credentials, injection through string-built SQL or commands, weak cryptography"
}

// Analyze implements Agent.
func (s *SecurityAgent) Analyze(ctx context.Context, files []string, params map[string]string) ([]types.Finding, error) {
	return scanFiles(ctx, files, func(path string, content []byte) []types.Finding {
		findings := s.scanCredentials(path, content)
		if strings.HasSuffix(path, ".go") {
			findings = append(findings, s.analyzeGoFile(path, content)...)
		}
		return findings
	})
}

func (s *SecurityAgent) scanCredentials(path string, content []byte) []types.Finding {
	var findings []types.Finding
	for i, line := range bytes.Split(content, []byte("\n")) {
		for _, pattern := range s.credentialPatterns {
			if !pattern.Match(line) {
				continue
			}
			findings = append(findings, types.Finding{
				Agent:       s.Name(),
				Rule:        "hardcoded-credential",
				Category:    "security",
				Severity:    types.SeverityCritical,
				File:        path,
				LineStart:   i + 1,
				LineEnd:     i + 1,
				Message:     fmt.Sprintf("Potential hardcoded credential in %s", filepath.Base(path)),
				Description: "The line matches a credential or private key pattern.",
				Suggestion:  "Move the secret to environment variables or a secret manager and rotate it.",
				Confidence:  0.7,
				Metadata:    map[string]string{"pattern": pattern.String()},
			})
			break
		}
	}
	return findings
}

func (s *SecurityAgent) analyzeGoFile(path string, content []byte) []types.Finding {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, path, content, 0)
	if err != nil {
		return nil
	}

	var findings []types.Finding
	ast.Inspect(node, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pos := fset.Position(call.Pos())
		name := sel.Sel.Name

		switch {
		case contains(s.sqlFuncs, name) && anyStringConcat(call.Args):
			findings = append(findings, types.Finding{
				Agent:      s.Name(),
				Rule:       "sql-injection",
				Category:   "security",
				Severity:   types.SeverityHigh,
				File:       path,
				LineStart:  pos.Line,
				LineEnd:    pos.Line,
				Column:     pos.Column,
				Message:    fmt.Sprintf("SQL passed to %s is built by string concatenation", name),
				Suggestion: "Use a parameterized query with placeholders.",
				Confidence: 0.8,
			})
		case (name == "Command" || name == "CommandContext") && anyStringConcat(call.Args):
			findings = append(findings, types.Finding{
				Agent:      s.Name(),
				Rule:       "command-injection",
				Category:   "security",
				Severity:   types.SeverityHigh,
				File:       path,
				LineStart:  pos.Line,
				LineEnd:    pos.Line,
				Column:     pos.Column,
				Message:    fmt.Sprintf("exec.%s argument is built by string concatenation", name),
				Suggestion: "Pass arguments separately and validate untrusted input.",
				Confidence: 0.7,
			})
		case s.isWeakCrypto(sel):
			findings = append(findings, types.Finding{
				Agent:      s.Name(),
				Rule:       "weak-crypto",
				Category:   "security",
				Severity:   types.SeverityMedium,
				File:       path,
				LineStart:  pos.Line,
				LineEnd:    pos.Line,
				Column:     pos.Column,
				Message:    fmt.Sprintf("Weak cryptographic primitive %s.%s", exprName(sel.X), name),
				Suggestion: "Use SHA-256 or stronger.",
				Confidence: 0.9,
			})
		}
		return true
	})
	return findings
}

// isWeakCrypto matches calls like md5.New or sha1.Sum on the package
// identifier, not on arbitrary method names.
func (s *SecurityAgent) isWeakCrypto(sel *ast.SelectorExpr) bool {
	pkg, ok := sel.X.(*ast.Ident)
	if !ok {
		return false
	}
	return contains(s.weakCrypto, strings.ToLower(pkg.Name))
}

func anyStringConcat(args []ast.Expr) bool {
	for _, arg := range args {
		switch e := arg.(type) {
		case *ast.BinaryExpr:
			if e.Op == token.ADD {
				return true
			}
		case *ast.CallExpr:
			if sel, ok := e.Fun.(*ast.SelectorExpr); ok {
				if sel.Sel.Name == "Sprintf" || sel.Sel.Name == "Sprint" {
					return true
				}
			}
		}
	}
	return false
}

func exprName(e ast.Expr) string {
	if id, ok := e.(*ast.Ident); ok {
		return id.Name
	}
	return "?"
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func compileCredentialPatterns() []*regexp.Regexp {
	patterns := []string{
		// API keys
		`(?i)api[_-]?key\s*[:=]\s*["'][^"']{20,}["']`,
		// AWS keys
		`(?i)aws[_-]?access[_-]?key[_-]?id\s*[:=]\s*["'][A-Z0-9]{20}["']`,
		`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*["'][A-Za-z0-9/+=]{40}["']`,
		// Generic secrets
		`(?i)secret\s*[:=]\s*["'][^"']{16,}["']`,
		`(?i)password\s*[:=]\s*["'][^"']{8,}["']`,
		`(?i)token\s*[:=]\s*["'][^"']{20,}["']`,
		`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}
