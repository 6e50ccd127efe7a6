package config

import (
	"fmt"
	"regexp"
	"strings"
)

var pythonTargetPattern = regexp.MustCompile(`^\d+\.\d+$`)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateWatchdog(); err != nil {
		return err
	}
	if err := c.validateIndex(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.BaseDir) == "" {
		return fmt.Errorf("paths.base_dir must not be empty")
	}
	return nil
}

func (c *Config) validateProcessing() error {
	if !pythonTargetPattern.MatchString(c.Processing.PythonTarget) {
		return fmt.Errorf("processing.python_target %q is not a major.minor version", c.Processing.PythonTarget)
	}
	if c.Processing.MaxAttempts < 1 {
		return fmt.Errorf("processing.max_attempts must be at least 1")
	}
	if c.Processing.BuildTimeout < 1 {
		return fmt.Errorf("processing.build_timeout must be positive")
	}
	return nil
}

func (c *Config) validateWatchdog() error {
	if c.Watchdog.Interval < 1 {
		return fmt.Errorf("watchdog.interval must be at least 1 second")
	}
	if c.Watchdog.StaleAfterMinutes < 1 {
		return fmt.Errorf("watchdog.stale_after_minutes must be at least 1")
	}
	return nil
}

func (c *Config) validateIndex() error {
	if !c.Index.UploadEnabled {
		return nil
	}
	if c.Index.URL == "" {
		return fmt.Errorf("index.url is required when index.upload_enabled is set")
	}
	if c.Index.User == "" {
		return fmt.Errorf("index.user is required when index.upload_enabled is set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
