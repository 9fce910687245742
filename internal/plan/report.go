package plan

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Outcome classifies the result of reconciling one entity.
type Outcome string

const (
	// OutcomeSucceeded means one or more operations were applied.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeSkipped means the entity was already converged (no-op).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the entity could not be fully applied.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one entity or group within a reconciliation run.
type Result struct {
	Key     string  // unique identifying key of the entity
	DN      string  // target DN
	Outcome Outcome
	Applied int   // operations applied before completion or failure
	Err     error // set when Outcome is OutcomeFailed
}

// Report is the complete per-entity outcome of a best-effort run.
type Report struct {
	RunID   string
	Results []Result
	// Aborted is set when a connection-level failure stopped the run before
	// all entities were attempted.
	Aborted bool
}

// NewReport creates an empty report with a fresh run identifier.
func NewReport() *Report {
	return &Report{RunID: uuid.NewString()}
}

// Record appends one entity result.
func (r *Report) Record(res Result) {
	r.Results = append(r.Results, res)
}

// Succeeded returns the number of entities with applied operations.
func (r *Report) Succeeded() int { return r.count(OutcomeSucceeded) }

// Skipped returns the number of already-converged entities.
func (r *Report) Skipped() int { return r.count(OutcomeSkipped) }

// Failed returns the number of failed entities.
func (r *Report) Failed() int { return r.count(OutcomeFailed) }

func (r *Report) count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Err aggregates every entity failure into a single error. It returns nil
// only when the run had no failures; any failed entity makes the overall
// run outcome non-zero even though other entities were applied.
func (r *Report) Err() error {
	var merr *multierror.Error
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			merr = multierror.Append(merr, fmt.Errorf("entity %q: %w", res.Key, res.Err))
		}
	}
	if merr == nil {
		return nil
	}
	merr.ErrorFormat = partialFailureFormat
	return merr.ErrorOrNil()
}

func partialFailureFormat(errs []error) string {
	if len(errs) == 1 {
		return fmt.Sprintf("1 entity failed: %s", errs[0])
	}
	s := fmt.Sprintf("%d entities failed:", len(errs))
	for _, err := range errs {
		s += fmt.Sprintf("\n\t* %s", err)
	}
	return s
}

// BatchReport is the outcome of a fail-fast bulk apply run.
type BatchReport struct {
	RunID   string
	Files   int // change files discovered
	Records int // records parsed across all files
	Applied int // records successfully applied
	Failure *FirstFailure
}

// NewBatchReport creates an empty batch report with a fresh run identifier.
func NewBatchReport() *BatchReport {
	return &BatchReport{RunID: uuid.NewString()}
}

// Err returns the first failure, or nil when the whole tree applied.
func (r *BatchReport) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
