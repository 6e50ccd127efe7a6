package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusReview     Status = "needs_review"
)

// FixMethod records how a job's compatibility issues were resolved.
type FixMethod string

const (
	FixNone   FixMethod = "none"
	FixAuto   FixMethod = "auto"
	FixAI     FixMethod = "ai"
	FixManual FixMethod = "manual"
)

// DefaultPythonTarget is the interpreter version jobs are resurrected for
// unless the caller says otherwise.
const DefaultPythonTarget = "3.14"

// DefaultMaxAttempts bounds how often a job may be returned to pending.
const DefaultMaxAttempts = 3

var allStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusComplete,
	StatusFailed,
	StatusReview,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var fixMethodSet = map[FixMethod]struct{}{
	FixNone:   {},
	FixAuto:   {},
	FixAI:     {},
	FixManual: {},
}

// Job is one (package, version, target) resurrection task tracked by the queue.
type Job struct {
	ID           int64
	PackageName  string
	Version      string
	Status       Status
	Attempts     int
	MaxAttempts  int
	LastError    string
	FixMethod    FixMethod
	Priority     int
	PythonTarget string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ErrorPattern aggregates identical failure texts across jobs.
type ErrorPattern struct {
	Message string
	Count   int
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// ParseFixMethod converts a string into a known FixMethod.
func ParseFixMethod(value string) (FixMethod, bool) {
	normalized := FixMethod(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := fixMethodSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions besides retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusReview:
		return true
	default:
		return false
	}
}

// Retryable reports whether retry may return the job to pending.
func (j *Job) Retryable() bool {
	if j.Status != StatusFailed && j.Status != StatusReview {
		return false
	}
	return j.Attempts < j.MaxAttempts
}

// Requirement returns the pip-style "name==version" form used in logs.
func (j *Job) Requirement() string {
	return j.PackageName + "==" + j.Version
}
