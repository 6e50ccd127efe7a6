package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"revenant/internal/queue"
	"revenant/internal/testsupport"
)

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first, err := store.Add(ctx, "requests", "2.5.0", 3, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if first.Status != queue.StatusPending {
		t.Fatalf("new job status = %s, want pending", first.Status)
	}
	if first.PythonTarget != queue.DefaultPythonTarget {
		t.Fatalf("python target = %s, want %s", first.PythonTarget, queue.DefaultPythonTarget)
	}

	second, err := store.Add(ctx, "requests", "2.5.0", 9, "")
	if err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate add created new job %d, want %d", second.ID, first.ID)
	}
	if second.Priority != first.Priority {
		t.Fatalf("duplicate add changed priority to %d", second.Priority)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestAddDifferentTargetsAreDistinct(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a, err := store.Add(ctx, "requests", "2.5.0", 0, "3.13")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := store.Add(ctx, "requests", "2.5.0", 0, "3.14")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("jobs for different targets share id %d", a.ID)
	}
}

func TestClaimOrdering(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.AddJob(t, store, "alpha", "1.0", 0)
	testsupport.AddJob(t, store, "beta", "1.0", 5)
	testsupport.AddJob(t, store, "gamma", "1.0", 5)

	var claimed []string
	for {
		job, err := store.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if job == nil {
			break
		}
		if job.Status != queue.StatusInProgress {
			t.Fatalf("claimed job status = %s, want in_progress", job.Status)
		}
		if job.Attempts != 1 {
			t.Fatalf("claimed job attempts = %d, want 1", job.Attempts)
		}
		claimed = append(claimed, job.PackageName)
	}

	want := []string{"beta", "gamma", "alpha"}
	if len(claimed) != len(want) {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), len(want))
	}
	for i := range want {
		if claimed[i] != want[i] {
			t.Fatalf("claim order %v, want %v", claimed, want)
		}
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job, err := store.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Fatalf("claimed %v from empty queue", job)
	}
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		testsupport.AddJob(t, store, "pkg", versionFor(i), 0)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %d claimed %d times", id, n)
		}
	}
}

func versionFor(i int) string {
	return "1.0." + string(rune('a'+i%26)) + string(rune('a'+i/26))
}

func TestCompleteClearsErrorAndRecordsFixMethod(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.AddJob(t, store, "left-pad", "1.0.0", 0)
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.Fail(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := store.Complete(ctx, job.ID, queue.FixAuto); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.LastError != "" {
		t.Fatalf("last error = %q, want cleared", got.LastError)
	}
	if got.FixMethod != queue.FixAuto {
		t.Fatalf("fix method = %s, want auto", got.FixMethod)
	}
}

func TestRetryLifecycle(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.AddJob(t, store, "flaky", "0.1", 0)

	// Pending jobs are not retryable.
	ok, err := store.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if ok {
		t.Fatal("retried a pending job")
	}

	// Burn through every attempt.
	for attempt := 1; attempt <= queue.DefaultMaxAttempts; attempt++ {
		claimed, err := store.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext attempt %d: %v", attempt, err)
		}
		if claimed == nil {
			t.Fatalf("no job to claim on attempt %d", attempt)
		}
		if err := store.Fail(ctx, job.ID, "attempt failed"); err != nil {
			t.Fatalf("Fail: %v", err)
		}

		ok, err := store.Retry(ctx, job.ID)
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if attempt < queue.DefaultMaxAttempts && !ok {
			t.Fatalf("retry refused with %d of %d attempts used", attempt, queue.DefaultMaxAttempts)
		}
		if attempt == queue.DefaultMaxAttempts && ok {
			t.Fatal("retry allowed after attempts were exhausted")
		}
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Retryable() {
		t.Fatal("exhausted job reports retryable")
	}
}

func TestRetryFromReview(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.AddJob(t, store, "manual", "1.0", 0)
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.MarkReview(ctx, job.ID, "needs a human"); err != nil {
		t.Fatalf("MarkReview: %v", err)
	}

	ok, err := store.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !ok {
		t.Fatal("review job with attempts left was not retried")
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	// Retry keeps the diagnostic for the next operator.
	if got.LastError == "" {
		t.Fatal("retry cleared the stored reason")
	}
}

func TestResetStaleJobsPreservesAttempts(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.AddJob(t, store, "one", "1.0", 0)
	testsupport.AddJob(t, store, "two", "1.0", 0)

	first, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	reset, err := store.ResetStaleJobs(ctx)
	if err != nil {
		t.Fatalf("ResetStaleJobs: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset %d jobs, want 1", reset)
	}

	got, err := store.GetByID(ctx, first.ID)
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

func TestStaleDetectionAndSelectiveReset(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	stale := testsupport.AddJob(t, store, "stale", "1.0", 5)
	fresh := testsupport.AddJob(t, store, "fresh", "1.0", 0)
	for i := 0; i < 2; i++ {
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
	}

	// Fifteen minutes of silence against a ten minute threshold.
	if err := store.Backdate(ctx, stale.ID, time.Now().UTC().Add(-15*time.Minute)); err != nil {
		t.Fatalf("Backdate: %v", err)
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	found, err := store.StaleInProgress(ctx, cutoff)
	if err != nil {
		t.Fatalf("StaleInProgress: %v", err)
	}
	if len(found) != 1 || found[0].ID != stale.ID {
		t.Fatalf("stale scan found %v, want only job %d", found, stale.ID)
	}

	reset, err := store.ResetStaleByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("ResetStaleByID: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset %d jobs, want 1", reset)
	}

	gotStale, err := store.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if gotStale.Status != queue.StatusPending {
		t.Fatalf("stale job status = %s, want pending", gotStale.Status)
	}

	gotFresh, err := store.GetByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if gotFresh.Status != queue.StatusInProgress {
		t.Fatalf("fresh job status = %s, want in_progress untouched", gotFresh.Status)
	}
}

func TestResetStaleByIDSkipsReclaimedJobs(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.AddJob(t, store, "racer", "1.0", 0)
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.Complete(ctx, job.ID, queue.FixNone); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Job finished between the scan and the reset; nothing may change.
	reset, err := store.ResetStaleByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResetStaleByID: %v", err)
	}
	if reset != 0 {
		t.Fatalf("reset %d jobs, want 0", reset)
	}
}

func TestAddBatchSkipsDuplicates(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.AddJob(t, store, "existing", "1.0", 0)

	specs := []queue.JobSpec{
		{PackageName: "existing", Version: "1.0"},
		{PackageName: "new-one", Version: "2.0", Priority: 1},
		{PackageName: "new-two", Version: "3.0"},
	}
	added, err := store.AddBatch(ctx, specs, "")
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestStatsAndQueries(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a := testsupport.AddJob(t, store, "numpy-legacy", "1.0", 0)
	b := testsupport.AddJob(t, store, "scipy-legacy", "1.0", 0)
	testsupport.AddJob(t, store, "pandas-legacy", "1.0", 0)

	for i := 0; i < 2; i++ {
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
	}
	if err := store.Fail(ctx, a.ID, "ImportError: no module named imp"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := store.MarkReview(ctx, b.ID, "c extension"); err != nil {
		t.Fatalf("MarkReview: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[queue.StatusPending] != 1 || stats[queue.StatusFailed] != 1 || stats[queue.StatusReview] != 1 {
		t.Fatalf("stats = %v", stats)
	}

	failures, err := store.Failures(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(failures) != 1 || failures[0].ID != a.ID {
		t.Fatalf("failures = %v, want job %d", failures, a.ID)
	}

	reviews, err := store.Reviews(ctx)
	if err != nil {
		t.Fatalf("Reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].ID != b.ID {
		t.Fatalf("reviews = %v, want job %d", reviews, b.ID)
	}

	matches, err := store.Search(ctx, "legacy")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("search matched %d jobs, want 3", len(matches))
	}
	matches, err = store.Search(ctx, "numpy")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != a.ID {
		t.Fatalf("search for numpy = %v", matches)
	}
}

func TestErrorPatternsGroupAndOrder(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	errorsByJob := []string{"error a", "error a", "error a", "error b", "error b"}
	for i, text := range errorsByJob {
		job := testsupport.AddJob(t, store, "pkg", "1.0."+string(rune('0'+i)), 0)
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := store.Fail(ctx, job.ID, text); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	patterns, err := store.ErrorPatterns(ctx)
	if err != nil {
		t.Fatalf("ErrorPatterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %v, want 2 groups", patterns)
	}
	if patterns[0].Message != "error a" || patterns[0].Count != 3 {
		t.Fatalf("first pattern = %+v, want (error a, 3)", patterns[0])
	}
	if patterns[1].Message != "error b" || patterns[1].Count != 2 {
		t.Fatalf("second pattern = %+v, want (error b, 2)", patterns[1])
	}
}

func TestFailuresPaging(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := testsupport.AddJob(t, store, "pkg", "1.0."+string(rune('0'+i)), 0)
		if _, err := store.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if err := store.Fail(ctx, job.ID, "boom"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	page1, err := store.Failures(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Failures page 1: %v", err)
	}
	page2, err := store.Failures(ctx, 2, 2)
	if err != nil {
		t.Fatalf("Failures page 2: %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("page sizes = %d, %d, want 2, 2", len(page1), len(page2))
	}
	if page1[0].ID == page2[0].ID {
		t.Fatal("pages overlap")
	}
}

func TestSchemaSurvivesReopen(t *testing.T) {
	t.Parallel()

	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	job, err := store.Add(ctx, "persist", "1.0", 0, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.PackageName != "persist" {
		t.Fatalf("job did not survive reopen: %v", got)
	}
}
