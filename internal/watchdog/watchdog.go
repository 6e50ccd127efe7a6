// Package watchdog supervises the queue: it logs status, recovers jobs
// orphaned by crashed workers, and keeps a worker process alive while
// pending work remains.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"revenant/internal/config"
	"revenant/internal/queue"
)

const workerStopGrace = 10 * time.Second

// Options controls watchdog behavior. WorkerCommand overrides the spawned
// command; tests point it at a stand-in binary.
type Options struct {
	Interval      time.Duration
	StaleAfter    time.Duration
	AutoRestart   bool
	AutoOnly      bool
	WorkerCommand []string
}

// OptionsFromConfig translates config values into Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:    time.Duration(cfg.Watchdog.Interval) * time.Second,
		StaleAfter:  time.Duration(cfg.Watchdog.StaleAfterMinutes) * time.Minute,
		AutoRestart: cfg.Watchdog.AutoRestart,
		AutoOnly:    cfg.Watchdog.AutoOnly,
	}
}

// Watchdog is the supervisory loop.
type Watchdog struct {
	store  *queue.Store
	logger *slog.Logger
	opts   Options
	lock   *flock.Flock
	mu     sync.Mutex
	worker *workerHandle
}

// workerHandle tracks one spawned worker process.
type workerHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *workerHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// New builds a watchdog over the given store. The lock file lives next to the
// queue database so two watchdogs can never supervise the same queue.
func New(store *queue.Store, logger *slog.Logger, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	lockPath := filepath.Join(filepath.Dir(store.Path()), "watchdog.lock")
	return &Watchdog{
		store:  store,
		logger: logger,
		opts:   opts,
		lock:   flock.New(lockPath),
	}
}

// Run acquires the instance lock and loops until the context ends, then
// stops any worker it spawned. Returns an error if another watchdog already
// holds the lock.
func (w *Watchdog) Run(ctx context.Context) error {
	locked, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire watchdog lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another watchdog is already running (lock %s)", w.lock.Path())
	}
	defer w.lock.Unlock()

	w.logger.Info("watchdog started",
		"interval", w.opts.Interval,
		"stale_after", w.opts.StaleAfter,
		"auto_restart", w.opts.AutoRestart)

	for {
		if err := w.tick(ctx); err != nil {
			w.logger.Error("watchdog tick failed", "error", err)
		}
		if !w.sleep(ctx) {
			break
		}
	}

	w.stopWorker()
	w.logger.Info("watchdog stopped")
	return nil
}

// sleep waits one interval with 1s granularity so shutdown is responsive.
// Reports false once the context is done.
func (w *Watchdog) sleep(ctx context.Context) bool {
	deadline := time.Now().Add(w.opts.Interval)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return ctx.Err() == nil
}

func (w *Watchdog) tick(ctx context.Context) error {
	stats, err := w.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	w.logStatus(stats)

	if err := w.checkStale(ctx); err != nil {
		return err
	}
	if w.opts.AutoRestart {
		w.checkWorker(ctx, stats[queue.StatusPending])
	}
	return nil
}

func (w *Watchdog) logStatus(stats map[queue.Status]int) {
	w.logger.Info("queue status",
		"pending", stats[queue.StatusPending],
		"in_progress", stats[queue.StatusInProgress],
		"complete", stats[queue.StatusComplete],
		"failed", stats[queue.StatusFailed],
		"needs_review", stats[queue.StatusReview])
}

// checkStale resets jobs whose worker has gone quiet. Only the jobs observed
// stale are reset, by id, so anything claimed mid-scan is untouched.
func (w *Watchdog) checkStale(ctx context.Context) error {
	if w.opts.StaleAfter <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-w.opts.StaleAfter)
	stale, err := w.store.StaleInProgress(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scan stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(stale))
	for _, job := range stale {
		w.logger.Warn("stale job detected",
			"job", job.ID, "package", job.Requirement(),
			"last_update", job.UpdatedAt.Format(time.RFC3339))
		ids = append(ids, job.ID)
	}
	reset, err := w.store.ResetStaleByID(ctx, ids...)
	if err != nil {
		return fmt.Errorf("reset stale jobs: %w", err)
	}
	w.logger.Info("stale jobs reset to pending", "count", reset)
	return nil
}

// checkWorker reaps an exited worker and spawns a new one when pending work
// exists and nothing is running.
func (w *Watchdog) checkWorker(ctx context.Context, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.worker != nil && w.worker.exited() {
		if w.worker.err != nil {
			w.logger.Warn("worker exited with error", "error", w.worker.err)
		} else {
			w.logger.Info("worker exited cleanly")
		}
		w.worker = nil
	}

	if w.worker != nil || pending == 0 || ctx.Err() != nil {
		return
	}

	handle, err := w.spawnWorker(ctx)
	if err != nil {
		w.logger.Error("failed to start worker", "error", err)
		return
	}
	w.worker = handle
	w.logger.Info("worker started", "pid", handle.cmd.Process.Pid, "pending", pending)
}

func (w *Watchdog) spawnWorker(ctx context.Context) (*workerHandle, error) {
	argv := w.opts.WorkerCommand
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		argv = []string{self, "process"}
		if w.opts.AutoOnly {
			argv = append(argv, "--auto-only")
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	handle := &workerHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		handle.err = cmd.Wait()
		close(handle.done)
	}()
	return handle, nil
}

// stopWorker asks the worker to stop with SIGTERM, then kills it after the
// grace period.
func (w *Watchdog) stopWorker() {
	w.mu.Lock()
	handle := w.worker
	w.worker = nil
	w.mu.Unlock()

	if handle == nil || handle.exited() {
		return
	}

	pid := handle.cmd.Process.Pid
	w.logger.Info("stopping worker", "pid", pid)
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		w.logger.Warn("signal worker failed", "pid", pid, "error", err)
	}

	select {
	case <-handle.done:
		return
	case <-time.After(workerStopGrace):
	}

	w.logger.Warn("worker did not stop in time, killing", "pid", pid)
	if err := handle.cmd.Process.Kill(); err != nil {
		w.logger.Warn("kill worker failed", "pid", pid, "error", err)
	}
	<-handle.done
}
