package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	BaseDir  string `toml:"base_dir"`
	WorkDir  string `toml:"work_dir"`
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
}

// Index contains configuration for the devpi-style package index that
// resurrected packages are published to.
type Index struct {
	URL           string `toml:"url"`
	Index         string `toml:"index"`
	User          string `toml:"user"`
	Password      string `toml:"-"`
	UploadEnabled bool   `toml:"upload_enabled"`
}

// AI contains connection settings for the model used by the AI fixer.
// An empty APIKey disables the AI path entirely (auto-fix-only mode).
type AI struct {
	APIKey         string `toml:"-"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	MaxTokens      int    `toml:"max_tokens"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Processing contains pipeline settings.
type Processing struct {
	PythonTarget   string `toml:"python_target"`
	PythonBinary   string `toml:"python_binary"`
	MaxAttempts    int    `toml:"max_attempts"`
	BuildTimeout   int    `toml:"build_timeout"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Watchdog contains supervisory loop timing and restart behavior.
type Watchdog struct {
	Interval          int  `toml:"interval"`
	StaleAfterMinutes int  `toml:"stale_after_minutes"`
	AutoRestart       bool `toml:"auto_restart"`
	AutoOnly          bool `toml:"auto_only"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for revenant.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Index      Index      `toml:"index"`
	AI         AI         `toml:"ai"`
	Processing Processing `toml:"processing"`
	Watchdog   Watchdog   `toml:"watchdog"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/revenant/config.toml")
}

// SampleConfig returns the embedded sample configuration file contents.
func SampleConfig() string {
	return sampleConfig
}

// Load locates and parses a configuration file, applies environment
// overrides, and validates the result. A missing file yields defaults.
// Returns the config and the path it resolved.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return &cfg, resolvedPath, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.AI.APIKey = key
	}
	if pw := os.Getenv("REVENANT_INDEX_PASSWORD"); pw != "" {
		c.Index.Password = pw
	}
	if url := os.Getenv("REVENANT_INDEX_URL"); url != "" {
		c.Index.URL = url
	}
	if v := os.Getenv("REVENANT_UPLOAD"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			c.Index.UploadEnabled = true
		}
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	fields := []*string{
		&c.Paths.BaseDir,
		&c.Paths.WorkDir,
		&c.Paths.CacheDir,
		&c.Paths.LogDir,
	}
	for _, field := range fields {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	c.Index.URL = strings.TrimRight(strings.TrimSpace(c.Index.URL), "/")
	return nil
}

// EnsureDirectories creates every directory the pipeline writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.BaseDir, c.Paths.WorkDir, c.Paths.CacheDir, c.Paths.LogDir}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample config to path, refusing to clobber
// an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
