// Package publisher versions, builds, and uploads resurrected packages.
package publisher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// PatchedVersion derives the republished version string. The original version
// is kept intact and a .postNNNNR suffix appended, where NNNN encodes the
// Python target ("3.14" becomes 314) and R the revision, so patched builds
// always sort after upstream and never collide with a real upstream post
// release.
func PatchedVersion(original, pythonTarget string, revision int) string {
	digits := strings.ReplaceAll(pythonTarget, ".", "")
	if digits == "" {
		digits = "0"
	}
	if revision < 1 {
		revision = 1
	}
	return fmt.Sprintf("%s.post%s%d", original, digits, revision)
}

var versionFilePatterns = []struct {
	file    string
	pattern *regexp.Regexp
	replace string
}{
	{
		file:    "PKG-INFO",
		pattern: regexp.MustCompile(`(?m)^Version: .*$`),
		replace: "Version: %s",
	},
	{
		file:    "pyproject.toml",
		pattern: regexp.MustCompile(`(?m)^(\s*version\s*=\s*)["'][^"']*["']`),
		replace: `${1}"%s"`,
	},
	{
		file:    "setup.cfg",
		pattern: regexp.MustCompile(`(?m)^(\s*version\s*=\s*).*$`),
		replace: "${1}%s",
	},
	{
		file:    "setup.py",
		pattern: regexp.MustCompile(`(version\s*=\s*)["'][^"']*["']`),
		replace: `${1}"%s"`,
	},
}

var initVersionPattern = regexp.MustCompile(`(?m)^(\s*__version__\s*=\s*)["'][^"']*["']`)

// RewriteVersionInSource updates every version declaration in an extracted
// sdist tree to newVersion. Test directories are left alone; they sometimes
// carry fixture setup.py files that must not change. Returns the files
// rewritten.
func RewriteVersionInSource(sourceDir, newVersion string) ([]string, error) {
	var rewritten []string

	for _, vp := range versionFilePatterns {
		path := filepath.Join(sourceDir, vp.file)
		changed, err := rewriteFile(path, vp.pattern, fmt.Sprintf(vp.replace, newVersion))
		if err != nil {
			return nil, err
		}
		if changed {
			rewritten = append(rewritten, path)
		}
	}

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == "test" || name == "tests" || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != "__init__.py" {
			return nil
		}
		changed, err := rewriteFile(path, initVersionPattern, fmt.Sprintf(`${1}"%s"`, newVersion))
		if err != nil {
			return err
		}
		if changed {
			rewritten = append(rewritten, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree: %w", err)
	}
	return rewritten, nil
}

func rewriteFile(path string, pattern *regexp.Regexp, replacement string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	updated := pattern.ReplaceAllString(string(data), replacement)
	if updated == string(data) {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
