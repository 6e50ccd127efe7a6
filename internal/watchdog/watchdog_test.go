package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"revenant/internal/logging"
	"revenant/internal/queue"
	"revenant/internal/testsupport"
)

func newTestWatchdog(t *testing.T, opts Options) (*Watchdog, *queue.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return New(store, logging.Discard(), opts), store
}

func TestCheckStaleResetsQuietJobs(t *testing.T) {
	t.Parallel()

	w, store := newTestWatchdog(t, Options{StaleAfter: time.Millisecond})
	ctx := context.Background()

	job := testsupport.AddJob(t, store, "quiet", "1.0", 0)
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	// Let the claim age past the threshold.
	time.Sleep(25 * time.Millisecond)

	if err := w.checkStale(ctx); err != nil {
		t.Fatalf("checkStale: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 preserved", got.Attempts)
	}
}

func TestCheckStaleLeavesFreshJobs(t *testing.T) {
	t.Parallel()

	w, store := newTestWatchdog(t, Options{StaleAfter: time.Hour})
	ctx := context.Background()

	job := testsupport.AddJob(t, store, "busy", "1.0", 0)
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	if err := w.checkStale(ctx); err != nil {
		t.Fatalf("checkStale: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusInProgress {
		t.Fatalf("status = %s, want in_progress untouched", got.Status)
	}
}

func TestCheckStaleDisabledByZeroThreshold(t *testing.T) {
	t.Parallel()

	w, store := newTestWatchdog(t, Options{StaleAfter: 0})
	ctx := context.Background()

	testsupport.AddJob(t, store, "anything", "1.0", 0)
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := w.checkStale(ctx); err != nil {
		t.Fatalf("checkStale: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[queue.StatusInProgress] != 1 {
		t.Fatalf("stats = %v, want claim untouched", stats)
	}
}

func TestCheckWorkerSpawnsWhenPendingAndStops(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, Options{
		AutoRestart:   true,
		WorkerCommand: []string{"sleep", "30"},
	})
	ctx := context.Background()

	w.checkWorker(ctx, 3)

	w.mu.Lock()
	handle := w.worker
	w.mu.Unlock()
	if handle == nil {
		t.Fatal("no worker spawned with pending jobs")
	}
	if handle.exited() {
		t.Fatal("worker exited immediately")
	}

	// A second check with a live worker must not spawn another.
	w.checkWorker(ctx, 3)
	w.mu.Lock()
	same := w.worker == handle
	w.mu.Unlock()
	if !same {
		t.Fatal("second worker spawned while one was running")
	}

	w.stopWorker()
	select {
	case <-handle.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestCheckWorkerIdleQueueSpawnsNothing(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, Options{
		AutoRestart:   true,
		WorkerCommand: []string{"sleep", "30"},
	})

	w.checkWorker(context.Background(), 0)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.worker != nil {
		t.Fatal("worker spawned with empty queue")
	}
}

func TestCheckWorkerReapsExitedWorker(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, Options{
		AutoRestart:   true,
		WorkerCommand: []string{"true"},
	})
	ctx := context.Background()

	w.checkWorker(ctx, 1)
	w.mu.Lock()
	first := w.worker
	w.mu.Unlock()
	if first == nil {
		t.Fatal("no worker spawned")
	}

	select {
	case <-first.done:
	case <-time.After(5 * time.Second):
		t.Fatal("short-lived worker never exited")
	}

	// The next pass reaps the exited worker and starts a fresh one.
	w.checkWorker(ctx, 1)
	w.mu.Lock()
	second := w.worker
	w.mu.Unlock()
	if second == nil || second == first {
		t.Fatal("exited worker was not replaced")
	}
	w.stopWorker()
}

func TestRunRefusesSecondInstance(t *testing.T) {
	t.Parallel()

	w, store := newTestWatchdog(t, Options{Interval: 10 * time.Millisecond})

	lock := flock.New(filepath.Join(filepath.Dir(store.Path()), "watchdog.lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("pre-acquire lock: locked=%v err=%v", locked, err)
	}
	defer lock.Unlock()

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("second watchdog acquired a held lock")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	w, store := newTestWatchdog(t, Options{
		Interval:   20 * time.Millisecond,
		StaleAfter: time.Hour,
	})
	testsupport.AddJob(t, store, "visible", "1.0", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop after cancel")
	}
}
