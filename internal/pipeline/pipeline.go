// Package pipeline runs the resurrection workflow: fetch, analyze, fix,
// rebuild, and republish one abandoned package per job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"revenant/internal/compat"
	"revenant/internal/config"
	"revenant/internal/fixer"
	"revenant/internal/publisher"
	"revenant/internal/pypi"
	"revenant/internal/queue"
)

// IndexClient fetches package sources from a package index.
type IndexClient interface {
	DownloadSdist(ctx context.Context, name, version string) (string, error)
}

// Analyzer finds incompatibilities in a source tree.
type Analyzer interface {
	AnalyzeTree(sourceDir string) ([]compat.Issue, error)
}

// AutoFixer applies mechanical substitutions.
type AutoFixer interface {
	Apply(issues []compat.Issue) fixer.Result
}

// AIFixer rewrites files the mechanical pass cannot handle.
type AIFixer interface {
	Enabled() bool
	FixPackage(ctx context.Context, issues []compat.Issue) (fixer.Result, []*fixer.FixAttempt)
}

// Builder produces distributions from a fixed source tree.
type Builder interface {
	BuildAll(ctx context.Context, sourceDir, outDir, version string) (*publisher.BuildResult, error)
}

// Uploader publishes built distributions.
type Uploader interface {
	Upload(ctx context.Context, distPath string) error
}

// Result is the outcome of one job.
type Result struct {
	Job         *queue.Job
	FixMethod   queue.FixMethod
	IssuesFound int
	IssuesFixed int
	Published   []string
}

// BatchResult summarizes a RunBatch pass.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
	Reviewed  int
}

// Runner executes jobs claimed from the queue.
type Runner struct {
	cfg      *config.Config
	store    *queue.Store
	index    IndexClient
	analyzer Analyzer
	auto     AutoFixer
	ai       AIFixer
	builder  Builder
	uploader Uploader
	logger   *slog.Logger
	autoOnly bool
}

// Options collects the runner's collaborators. Nil fields get production
// implementations; tests inject stubs.
type Options struct {
	Index    IndexClient
	Analyzer Analyzer
	Auto     AutoFixer
	AI       AIFixer
	Builder  Builder
	Uploader Uploader
	AutoOnly bool
}

// NewRunner wires a runner for the given store and config.
func NewRunner(cfg *config.Config, store *queue.Store, logger *slog.Logger, opts Options) *Runner {
	r := &Runner{
		cfg:      cfg,
		store:    store,
		index:    opts.Index,
		analyzer: opts.Analyzer,
		auto:     opts.Auto,
		ai:       opts.AI,
		builder:  opts.Builder,
		uploader: opts.Uploader,
		logger:   logger,
		autoOnly: opts.AutoOnly,
	}
	if r.index == nil {
		r.index = pypi.NewClient(cfg, "")
	}
	if r.analyzer == nil {
		r.analyzer = compat.NewAnalyzer()
	}
	if r.auto == nil {
		r.auto = fixer.NewAutoFixer()
	}
	if r.ai == nil {
		r.ai = fixer.NewAIFixer(cfg)
	}
	if r.builder == nil {
		r.builder = publisher.NewBuilder(cfg, logger)
	}
	if r.uploader == nil {
		r.uploader = publisher.NewUploader(cfg)
	}
	return r
}

// errNeedsReview marks failures that no retry will resolve without a human.
type errNeedsReview struct {
	reason string
}

func (e errNeedsReview) Error() string { return e.reason }

// RunBatch claims and processes pending jobs until the queue drains, maxJobs
// is reached, or the context ends. Every in_progress job is reset to pending
// first; at batch start nothing can legitimately still be running.
func (r *Runner) RunBatch(ctx context.Context, maxJobs int) (*BatchResult, error) {
	if reset, err := r.store.ResetStaleJobs(ctx); err != nil {
		return nil, fmt.Errorf("reset stale jobs: %w", err)
	} else if reset > 0 {
		r.logger.Info("reset interrupted jobs to pending", "count", reset)
	}

	batch := &BatchResult{}
	for maxJobs <= 0 || batch.Processed < maxJobs {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		job, err := r.store.ClaimNext(ctx)
		if err != nil {
			return batch, fmt.Errorf("claim next job: %w", err)
		}
		if job == nil {
			break
		}
		batch.Processed++

		result, err := r.ProcessOne(ctx, job)
		if err == nil {
			if completeErr := r.store.Complete(ctx, job.ID, result.FixMethod); completeErr != nil {
				return batch, completeErr
			}
			batch.Succeeded++
			r.logger.Info("job complete",
				"job", job.ID, "package", job.Requirement(),
				"fix_method", result.FixMethod, "issues_fixed", result.IssuesFixed)
			continue
		}

		var review errNeedsReview
		if errors.As(err, &review) {
			if markErr := r.store.MarkReview(ctx, job.ID, review.reason); markErr != nil {
				return batch, markErr
			}
			batch.Reviewed++
			r.logger.Warn("job needs review", "job", job.ID, "package", job.Requirement(), "reason", review.reason)
			continue
		}

		failType := compat.ClassifyFailure(err.Error())
		if compat.Recoverable(failType) && job.Attempts < job.MaxAttempts {
			if failErr := r.store.Fail(ctx, job.ID, err.Error()); failErr != nil {
				return batch, failErr
			}
			if _, retryErr := r.store.Retry(ctx, job.ID); retryErr != nil {
				return batch, retryErr
			}
			r.logger.Warn("job failed, requeued",
				"job", job.ID, "package", job.Requirement(),
				"failure_type", failType, "attempt", job.Attempts, "error", err)
			continue
		}

		if failErr := r.store.Fail(ctx, job.ID, err.Error()); failErr != nil {
			return batch, failErr
		}
		batch.Failed++
		r.logger.Error("job failed",
			"job", job.ID, "package", job.Requirement(),
			"failure_type", failType, "error", err)
	}
	return batch, nil
}

// ProcessOne runs the full workflow for a claimed job. The caller owns the
// job's final status transition.
func (r *Runner) ProcessOne(ctx context.Context, job *queue.Job) (*Result, error) {
	workDir := filepath.Join(r.cfg.Paths.WorkDir,
		fmt.Sprintf("%s-%s-%s", job.PackageName, job.Version, uuid.NewString()[:8]))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	r.logger.Info("processing job", "job", job.ID, "package", job.Requirement(), "target", job.PythonTarget)

	archive, err := r.index.DownloadSdist(ctx, job.PackageName, job.Version)
	if err != nil {
		return nil, fmt.Errorf("fetch sdist: %w", err)
	}
	sourceDir, err := pypi.ExtractSdist(archive, filepath.Join(workDir, "src"))
	if err != nil {
		return nil, fmt.Errorf("extract sdist: %w", err)
	}

	issues, err := r.analyzer.AnalyzeTree(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	result := &Result{Job: job, FixMethod: queue.FixNone, IssuesFound: len(issues)}

	if len(issues) > 0 {
		method, fixed, err := r.fix(ctx, issues)
		if err != nil {
			return nil, err
		}
		result.FixMethod = method
		result.IssuesFixed = fixed
	}

	published, err := r.buildAndPublish(ctx, job, sourceDir, filepath.Join(workDir, "dist"))
	if err != nil {
		return nil, err
	}
	result.Published = published
	return result, nil
}

// fix applies the mechanical pass and escalates leftovers to the model. When
// the model path is unavailable the job goes to review rather than failing,
// since the remaining issues are known and a human can act on them.
func (r *Runner) fix(ctx context.Context, issues []compat.Issue) (queue.FixMethod, int, error) {
	autoResult := r.auto.Apply(issues)
	fixed := autoResult.IssuesFixed
	method := queue.FixNone
	if fixed > 0 {
		method = queue.FixAuto
	}

	var remaining []compat.Issue
	for _, issue := range issues {
		if !issue.AutoFixable {
			remaining = append(remaining, issue)
		}
	}
	if len(remaining) == 0 {
		return method, fixed, nil
	}

	if r.autoOnly || !r.ai.Enabled() {
		return method, fixed, errNeedsReview{
			reason: fmt.Sprintf("%d issue(s) require manual or AI fixing: %s",
				len(remaining), summarizeIssues(remaining)),
		}
	}

	aiResult, _ := r.ai.FixPackage(ctx, remaining)
	fixed += aiResult.IssuesFixed
	if aiResult.IssuesFixed > 0 {
		method = queue.FixAI
	}
	if len(aiResult.Errors) > 0 {
		return method, fixed, errNeedsReview{
			reason: fmt.Sprintf("ai fixer could not repair all files: %s",
				strings.Join(aiResult.Errors, "; ")),
		}
	}
	return method, fixed, nil
}

func (r *Runner) buildAndPublish(ctx context.Context, job *queue.Job, sourceDir, distDir string) ([]string, error) {
	version := publisher.PatchedVersion(job.Version, job.PythonTarget, 1)
	if _, err := publisher.RewriteVersionInSource(sourceDir, version); err != nil {
		return nil, fmt.Errorf("rewrite version: %w", err)
	}

	built, err := r.builder.BuildAll(ctx, sourceDir, distDir, version)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	artifacts := []string{built.SdistPath}
	if built.WheelPath != "" {
		artifacts = append(artifacts, built.WheelPath)
	}

	if !r.cfg.Index.UploadEnabled {
		r.logger.Info("upload disabled, artifacts left in work dir", "count", len(artifacts))
		return nil, nil
	}

	var published []string
	for _, artifact := range artifacts {
		if err := r.uploader.Upload(ctx, artifact); err != nil {
			return published, fmt.Errorf("upload %s: %w", filepath.Base(artifact), err)
		}
		published = append(published, filepath.Base(artifact))
	}
	return published, nil
}

func summarizeIssues(issues []compat.Issue) string {
	byType := make(map[string]int)
	var order []string
	for _, issue := range issues {
		if byType[issue.Type] == 0 {
			order = append(order, issue.Type)
		}
		byType[issue.Type]++
	}
	parts := make([]string, 0, len(order))
	for _, typ := range order {
		parts = append(parts, fmt.Sprintf("%s x%d", typ, byType[typ]))
	}
	return strings.Join(parts, ", ")
}
