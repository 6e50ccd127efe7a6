package compat

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Severity levels reported by the analyzer.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue types produced by the analyzer. Each type maps to at most one
// mechanical fix in the fixer package.
const (
	TypeRemovedASTNode       = "removed_ast_node"
	TypeRemovedAsyncioWatch  = "removed_asyncio_watcher"
	TypeRemovedPkgutilLoader = "removed_pkgutil_loader"
	TypeRemovedSQLiteVersion = "removed_sqlite3_version"
	TypeRemovedURLOpener     = "removed_urllib_class"
	TypeRemovedImportlibABC  = "removed_importlib_abc"
	TypeRemovedShutilOnerror = "removed_shutil_onerror"
	TypeRemovedPtyFunction   = "removed_pty_function"
)

// Issue is one detected incompatibility.
type Issue struct {
	File        string
	Line        int
	Type        string
	Description string
	Severity    string
	AutoFixable bool
}

type rule struct {
	typ         string
	pattern     *regexp.Regexp
	describe    func(match []string) string
	severity    string
	autoFixable bool
}

var rules = []rule{
	{
		typ:     TypeRemovedASTNode,
		pattern: regexp.MustCompile(`\bast\.(Num|Str|Bytes|NameConstant|Ellipsis)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("ast.%s was removed in 3.14. Use ast.Constant instead.", m[1])
		},
		severity:    SeverityError,
		autoFixable: true,
	},
	{
		typ:     TypeRemovedAsyncioWatch,
		pattern: regexp.MustCompile(`\basyncio\.(AbstractChildWatcher|SafeChildWatcher|FastChildWatcher|MultiLoopChildWatcher|ThreadedChildWatcher|PidfdChildWatcher|get_child_watcher|set_child_watcher)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("asyncio.%s was removed in 3.14.", m[1])
		},
		severity:    SeverityError,
		autoFixable: false,
	},
	{
		typ:     TypeRemovedAsyncioWatch,
		pattern: regexp.MustCompile(`^\s*from\s+asyncio\s+import\s+.*\b(AbstractChildWatcher|SafeChildWatcher|FastChildWatcher|MultiLoopChildWatcher|ThreadedChildWatcher|PidfdChildWatcher|get_child_watcher|set_child_watcher)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("asyncio.%s was removed in 3.14.", m[1])
		},
		severity:    SeverityError,
		autoFixable: false,
	},
	{
		typ:     TypeRemovedPkgutilLoader,
		pattern: regexp.MustCompile(`\bpkgutil\.(find_loader|get_loader)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("pkgutil.%s() was removed in 3.14. Use importlib.util.find_spec() instead.", m[1])
		},
		severity:    SeverityError,
		autoFixable: true,
	},
	{
		typ:     TypeRemovedPkgutilLoader,
		pattern: regexp.MustCompile(`^\s*from\s+pkgutil\s+import\s+.*\b(find_loader|get_loader)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("pkgutil.%s() was removed in 3.14. Use importlib.util.find_spec() instead.", m[1])
		},
		severity:    SeverityError,
		autoFixable: true,
	},
	{
		typ:     TypeRemovedSQLiteVersion,
		pattern: regexp.MustCompile(`\bsqlite3\.(version_info|version)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("sqlite3.%s was removed in 3.14. Use sqlite3.sqlite_%s instead.", m[1], m[1])
		},
		severity:    SeverityError,
		autoFixable: true,
	},
	{
		typ:     TypeRemovedURLOpener,
		pattern: regexp.MustCompile(`\burllib\.request\.(URLopener|FancyURLopener)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("urllib.request.%s was removed in 3.14. Use urllib.request.urlopen() instead.", m[1])
		},
		severity:    SeverityError,
		autoFixable: false,
	},
	{
		typ:     TypeRemovedURLOpener,
		pattern: regexp.MustCompile(`^\s*from\s+urllib\.request\s+import\s+.*\b(URLopener|FancyURLopener)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("urllib.request.%s was removed in 3.14.", m[1])
		},
		severity:    SeverityError,
		autoFixable: false,
	},
	{
		typ:     TypeRemovedImportlibABC,
		pattern: regexp.MustCompile(`^\s*from\s+importlib\.abc\s+import\s+.*\b(ResourceReader|Traversable|TraversableResources)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("importlib.abc.%s was removed in 3.14. Use importlib.resources.abc.%s instead.", m[1], m[1])
		},
		severity:    SeverityError,
		autoFixable: true,
	},
	{
		typ:     TypeRemovedShutilOnerror,
		pattern: regexp.MustCompile(`shutil\.rmtree\([^)]*\bonerror\s*=`),
		describe: func([]string) string {
			return "shutil.rmtree() 'onerror' parameter was removed in 3.14. Use 'onexc' instead."
		},
		severity:    SeverityError,
		autoFixable: true,
	},
	{
		typ:     TypeRemovedPtyFunction,
		pattern: regexp.MustCompile(`\bpty\.(master_open|slave_open)\b`),
		describe: func(m []string) string {
			return fmt.Sprintf("pty.%s() was removed in 3.14. Use pty.openpty() instead.", m[1])
		},
		severity:    SeverityError,
		autoFixable: true,
	},
}

// Analyzer scans Python sources for 3.14 incompatibilities.
type Analyzer struct{}

// NewAnalyzer returns a ready Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// AnalyzeFile scans a single Python file. Unreadable files yield no issues
// rather than an error; the pipeline treats them like files with nothing to
// report, matching how syntactically broken vendored files are skipped.
func (a *Analyzer) AnalyzeFile(path string) []Issue {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var issues []Issue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		code := stripComment(line)
		if strings.TrimSpace(code) == "" {
			continue
		}
		for _, r := range rules {
			for _, m := range r.pattern.FindAllStringSubmatch(code, -1) {
				issues = append(issues, Issue{
					File:        path,
					Line:        lineNo,
					Type:        r.typ,
					Description: r.describe(m),
					Severity:    r.severity,
					AutoFixable: r.autoFixable,
				})
			}
		}
	}
	return issues
}

// AnalyzeTree scans every .py file under sourceDir.
func (a *Analyzer) AnalyzeTree(sourceDir string) ([]Issue, error) {
	var issues []Issue
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}
		issues = append(issues, a.AnalyzeFile(path)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree: %w", err)
	}
	return issues, nil
}

// stripComment drops a trailing # comment unless the hash sits inside a
// string literal. Good enough for flagging API references; the fixer
// re-reads the real file contents before touching anything.
func stripComment(line string) string {
	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}
