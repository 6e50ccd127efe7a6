package compat

import "strings"

// FailureType is a coarse classification of error output.
type FailureType string

const (
	FailureImport     FailureType = "import_error"
	FailureSyntax     FailureType = "syntax_error"
	FailureRemovedAPI FailureType = "removed_api"
	FailureCExtension FailureType = "c_extension"
	FailureDependency FailureType = "dependency"
	FailureTest       FailureType = "test_failure"
	FailureBuild      FailureType = "build_failure"
	FailureUnknown    FailureType = "unknown"
)

var cExtensionMarkers = []string{
	"c extension", ".so", ".pyd", "compilation failed",
	"error: command 'gcc'", "error: command 'cl.exe'",
	"microsoft visual c++", "cannot open shared object",
}

var removedAPIMarkers = []string{
	"attributeerror", "has no attribute", "removed in python",
	"deprecationwarning", "was removed",
}

// ClassifyFailure buckets free-form error output into a FailureType.
func ClassifyFailure(errorOutput string) FailureType {
	lower := strings.ToLower(errorOutput)

	if strings.Contains(lower, "modulenotfounderror") || strings.Contains(lower, "importerror") {
		return FailureImport
	}
	if strings.Contains(lower, "syntaxerror") {
		return FailureSyntax
	}
	if containsAny(lower, removedAPIMarkers) {
		return FailureRemovedAPI
	}
	if containsAny(lower, cExtensionMarkers) {
		return FailureCExtension
	}
	if strings.Contains(lower, "no matching distribution") || strings.Contains(lower, "requirement") {
		return FailureDependency
	}
	if containsAny(lower, []string{"failed", "error", "assert"}) {
		if strings.Contains(lower, "build") || strings.Contains(lower, "setup.py") || strings.Contains(lower, "install") {
			return FailureBuild
		}
		return FailureTest
	}
	return FailureUnknown
}

// Recoverable reports whether a failure type is worth another attempt.
func Recoverable(ft FailureType) bool {
	return ft == FailureRemovedAPI || ft == FailureImport
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
