// Package testsupport provides helpers shared by package tests.
package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"revenant/internal/config"
	"revenant/internal/queue"
)

// NewConfig returns a validated config rooted in a per-test temp directory.
func NewConfig(t testing.TB) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.BaseDir = base
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.CacheDir = filepath.Join(base, "cache")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config.Validate: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// AddJob enqueues a job for tests using the provided store.
func AddJob(t testing.TB, store *queue.Store, name, version string, priority int) *queue.Job {
	t.Helper()

	job, err := store.Add(context.Background(), name, version, priority, "")
	if err != nil {
		t.Fatalf("store.Add: %v", err)
	}
	return job
}
