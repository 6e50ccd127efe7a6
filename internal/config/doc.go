// Package config loads, validates, and normalizes revenant configuration.
//
// Configuration lives in a TOML file (default ~/.config/revenant/config.toml)
// with sane defaults for every field, so a missing file is not an error.
// Secrets are never written to the sample config; they come from environment
// variables (ANTHROPIC_API_KEY, REVENANT_INDEX_PASSWORD) applied after the
// file is parsed.
package config
