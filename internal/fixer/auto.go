// Package fixer rewrites Python sources to repair 3.14 incompatibilities,
// either mechanically or through a model call.
package fixer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"revenant/internal/compat"
)

// Result summarizes what a fix pass changed.
type Result struct {
	FilesModified []string
	IssuesFixed   int
	IssuesSkipped int
	Errors        []string
}

// AutoFixer applies deterministic substitutions for the analyzer's
// auto-fixable issue types. No parsing, just pattern replacement.
type AutoFixer struct{}

// NewAutoFixer returns a ready AutoFixer.
func NewAutoFixer() *AutoFixer {
	return &AutoFixer{}
}

var (
	astNodePattern       = regexp.MustCompile(`\bast\.(Num|Str|Bytes|NameConstant|Ellipsis)\b`)
	pkgutilCallPattern   = regexp.MustCompile(`pkgutil\.(?:find_loader|get_loader)\(([^)]+)\)`)
	pkgutilImportPattern = regexp.MustCompile(`from pkgutil import (?:find_loader|get_loader)`)
	sqliteInfoPattern    = regexp.MustCompile(`\bsqlite3\.version_info\b`)
	sqliteVerPattern     = regexp.MustCompile(`\bsqlite3\.version\b`)
	shutilOnerrorPattern = regexp.MustCompile(`(shutil\.rmtree\([^)]*)\bonerror\b`)
	ptyPattern           = regexp.MustCompile(`\bpty\.(?:master_open|slave_open)\b`)
	importPattern        = regexp.MustCompile(`(?m)^(?:import|from)\s`)
)

// Apply rewrites every file referenced by an auto-fixable issue. Files the
// substitutions cannot change are counted as skipped, never as errors.
func (f *AutoFixer) Apply(issues []compat.Issue) Result {
	result := Result{}

	byFile := make(map[string][]compat.Issue)
	var order []string
	for _, issue := range issues {
		if !issue.AutoFixable {
			continue
		}
		if _, ok := byFile[issue.File]; !ok {
			order = append(order, issue.File)
		}
		byFile[issue.File] = append(byFile[issue.File], issue)
	}

	for _, path := range order {
		fileIssues := byFile[path]
		data, err := os.ReadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cannot read %s: %v", path, err))
			continue
		}
		source := string(data)
		modified := source

		byType := make(map[string]int)
		for _, issue := range fileIssues {
			byType[issue.Type]++
		}

		fixed := 0
		for typ, count := range byType {
			next := applyFix(modified, typ)
			if next != modified {
				modified = next
				fixed += count
			} else {
				result.IssuesSkipped += count
			}
		}

		if modified != source {
			if err := os.WriteFile(path, []byte(modified), 0o644); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("cannot write %s: %v", path, err))
				continue
			}
			result.FilesModified = append(result.FilesModified, path)
			result.IssuesFixed += fixed
		}
	}

	return result
}

func applyFix(source, issueType string) string {
	switch issueType {
	case compat.TypeRemovedASTNode:
		return astNodePattern.ReplaceAllString(source, "ast.Constant")
	case compat.TypeRemovedPkgutilLoader:
		return fixPkgutilLoaders(source)
	case compat.TypeRemovedSQLiteVersion:
		source = sqliteInfoPattern.ReplaceAllString(source, "sqlite3.sqlite_version_info")
		return sqliteVerPattern.ReplaceAllString(source, "sqlite3.sqlite_version")
	case compat.TypeRemovedShutilOnerror:
		return shutilOnerrorPattern.ReplaceAllString(source, "${1}onexc")
	case compat.TypeRemovedPtyFunction:
		return ptyPattern.ReplaceAllString(source, "pty.openpty")
	case compat.TypeRemovedImportlibABC:
		return fixImportlibABC(source)
	default:
		return source
	}
}

func fixPkgutilLoaders(source string) string {
	source = pkgutilCallPattern.ReplaceAllString(source, "importlib.util.find_spec($1)")
	source = pkgutilImportPattern.ReplaceAllString(source, "from importlib.util import find_spec")

	// The module-level form needs importlib.util importable.
	if strings.Contains(source, "importlib.util.find_spec") && !strings.Contains(source, "import importlib.util") {
		switch {
		case strings.Contains(source, "import importlib"):
			source = strings.Replace(source, "import importlib", "import importlib\nimport importlib.util", 1)
		case !strings.Contains(source, "from importlib"):
			source = insertAfterImports(source, "import importlib.util")
		}
	}
	return source
}

func fixImportlibABC(source string) string {
	for _, cls := range []string{"ResourceReader", "Traversable", "TraversableResources"} {
		source = regexp.MustCompile(`from importlib\.abc import (`+cls+`)`).
			ReplaceAllString(source, "from importlib.resources.abc import $1")
		source = regexp.MustCompile(`\bimportlib\.abc\.`+cls+`\b`).
			ReplaceAllString(source, "importlib.resources.abc."+cls)
	}
	return source
}

func insertAfterImports(source, stmt string) string {
	lines := strings.Split(source, "\n")
	insertIdx := 0
	for i, line := range lines {
		if importPattern.MatchString(line + "\n") {
			insertIdx = i + 1
		}
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertIdx]...)
	out = append(out, stmt)
	out = append(out, lines[insertIdx:]...)
	return strings.Join(out, "\n")
}
