package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Pipeline Run Record
// =============================================================================

// Run is the record of one pipeline execution: an ordered sequence of stage
// results. Results are append-only; once a stage completes its entry is
// history and never mutated.
type Run struct {
	ID         string
	Ref        string
	Image      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []StageResult
}

// StageResult is the recorded outcome of one stage.
type StageResult struct {
	Stage       Stage
	Status      StageStatus
	Detail      string
	CompletedAt time.Time
}

// NewRun creates a run record for the given source ref.
func NewRun(ref string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Ref:       ref,
		StartedAt: time.Now().UTC(),
	}
}

// ShortID returns the first uuid segment, used in per-run image tags.
func (r *Run) ShortID() string {
	if i := strings.IndexByte(r.ID, '-'); i > 0 {
		return r.ID[:i]
	}
	return r.ID
}

// Record appends a completed stage result.
func (r *Run) Record(stage Stage, status StageStatus, detail string) {
	r.Results = append(r.Results, StageResult{
		Stage:       stage,
		Status:      status,
		Detail:      detail,
		CompletedAt: time.Now().UTC(),
	})
}

// SkipRemaining records every not-yet-recorded stage before notify as skipped.
// Called when a stage fails and the run short-circuits to notification.
func (r *Run) SkipRemaining() {
	recorded := make(map[Stage]bool, len(r.Results))
	for _, res := range r.Results {
		recorded[res.Stage] = true
	}
	for _, s := range Stages() {
		if s == StageNotify || recorded[s] {
			continue
		}
		r.Record(s, StatusSkipped, "")
	}
}

// Finish stamps the terminal time of the run.
func (r *Run) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// Duration returns the wall-clock duration of the run so far.
func (r *Run) Duration() time.Duration {
	end := r.FinishedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(r.StartedAt)
}

// Succeeded reports whether every required stage succeeded. Notification is
// best-effort: its delivery result never changes the run outcome.
func (r *Run) Succeeded() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Stage == StageNotify {
			continue
		}
		if res.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// FailedStage returns the first failing stage, if any.
func (r *Run) FailedStage() (Stage, bool) {
	for _, res := range r.Results {
		if res.Status == StatusFailure {
			return res.Stage, true
		}
	}
	return "", false
}

// Result returns the recorded result for a stage, if present.
func (r *Run) Result(stage Stage) (StageResult, bool) {
	for _, res := range r.Results {
		if res.Stage == stage {
			return res, true
		}
	}
	return StageResult{}, false
}
