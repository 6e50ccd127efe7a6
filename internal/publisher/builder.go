package publisher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"revenant/internal/config"
)

// BuildResult holds the artifacts a build produced.
type BuildResult struct {
	SdistPath string
	WheelPath string
}

// Builder drives `python -m build` in an extracted source tree.
type Builder struct {
	pythonBinary string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewBuilder builds a Builder from config.
func NewBuilder(cfg *config.Config, logger *slog.Logger) *Builder {
	timeout := time.Duration(cfg.Processing.BuildTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Builder{
		pythonBinary: cfg.Processing.PythonBinary,
		timeout:      timeout,
		logger:       logger,
	}
}

// BuildAll builds an sdist and, best effort, a wheel. A wheel failure is
// logged and tolerated since many old packages only ever shipped sdists; an
// sdist failure is fatal. The patched version is forced through
// SETUPTOOLS_SCM_PRETEND_VERSION so scm-versioned projects do not reinvent it
// from missing git metadata.
func (b *Builder) BuildAll(ctx context.Context, sourceDir, outDir, version string) (*BuildResult, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build output dir: %w", err)
	}

	sdist, err := b.run(ctx, sourceDir, outDir, version, "--sdist")
	if err != nil {
		return nil, fmt.Errorf("sdist build: %w", err)
	}

	wheel, err := b.run(ctx, sourceDir, outDir, version, "--wheel")
	if err != nil {
		b.logger.Warn("wheel build failed, continuing with sdist only", "error", err)
		wheel = ""
	}

	return &BuildResult{SdistPath: sdist, WheelPath: wheel}, nil
}

func (b *Builder) run(ctx context.Context, sourceDir, outDir, version, flag string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	before, err := listDist(outDir)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, b.pythonBinary, "-m", "build", flag, "--outdir", outDir, sourceDir)
	cmd.Env = append(os.Environ(), "SETUPTOOLS_SCM_PRETEND_VERSION="+version)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, tail(output.String(), 2000))
	}

	after, err := listDist(outDir)
	if err != nil {
		return "", err
	}
	for path := range after {
		if !before[path] {
			return path, nil
		}
	}
	return "", fmt.Errorf("build reported success but produced no new artifact")
}

func listDist(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read build output dir: %w", err)
	}
	paths := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".whl") {
			paths[filepath.Join(dir, name)] = true
		}
	}
	return paths, nil
}

// tail keeps the last n bytes of build output for error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
