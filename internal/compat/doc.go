// Package compat detects Python 3.14 incompatibilities in package sources.
//
// The analyzer is a line-oriented static scan for APIs removed or changed in
// 3.14, following the published deprecation schedule. It reports issues with
// file, line, severity, and whether a mechanical substitution can fix them;
// the fixer package consumes that flag. ClassifyFailure maps free-form error
// output to a coarse failure type so the pipeline can decide between retry
// and manual review.
package compat
