package plan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helxplatform/ldapsync/internal/ldap"
)

// FirstFailure identifies the operation that aborted a fail-fast run.
type FirstFailure struct {
	Source string // change file (or entity key) the operation came from
	Record int    // record index within the source
	DN     string
	Err    error
}

func (f *FirstFailure) Error() string {
	if f.Source != "" {
		return fmt.Sprintf("%s record %d (%s): %v", f.Source, f.Record, f.DN, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.DN, f.Err)
}

func (f *FirstFailure) Unwrap() error {
	return f.Err
}

// FailFast applies a strictly ordered operation sequence and aborts at the
// first rejection. Later operations structurally depend on earlier ones
// having succeeded, so continuing past a failure would apply dependents onto
// a broken base. No rollback is attempted; partial application is reported
// to the operator through the applied count.
type FailFast struct {
	client ldap.Client
	log    *zap.Logger

	// TolerateExistingValues treats an "attribute or value exists" rejection
	// of a modify as a no-op success, so re-running an already-applied tree
	// of self-idempotent change files converges instead of aborting.
	TolerateExistingValues bool
}

// NewFailFast creates a fail-fast executor over the given session.
func NewFailFast(client ldap.Client, log *zap.Logger) *FailFast {
	if log == nil {
		log = zap.NewNop()
	}
	return &FailFast{client: client, log: log}
}

// Apply executes ops in order, returning the number applied and the first
// failure, if any.
func (e *FailFast) Apply(ctx context.Context, ops []Operation) (int, *FirstFailure) {
	applied := 0
	for i := range ops {
		op := &ops[i]

		err := op.execute(ctx, e.client)
		if err != nil && e.TolerateExistingValues && op.Kind == OpModify && ldap.IsAttributeExistsError(err) {
			e.log.Debug("values already present, skipping",
				zap.String("dn", op.DN),
				zap.String("source", op.Source),
				zap.Int("record", op.Record))
			err = nil
		}
		if err != nil {
			e.log.Error("aborting at failed operation",
				zap.String("op", op.Kind.String()),
				zap.String("dn", op.DN),
				zap.String("source", op.Source),
				zap.Int("record", op.Record),
				zap.Int("applied", applied),
				zap.Error(err))
			return applied, &FirstFailure{
				Source: op.Source,
				Record: op.Record,
				DN:     op.DN,
				Err:    err,
			}
		}

		applied++
		e.log.Debug("operation applied",
			zap.String("op", op.Kind.String()),
			zap.String("dn", op.DN),
			zap.String("source", op.Source),
			zap.Int("record", op.Record))
	}
	return applied, nil
}

// EntityPlan is the ordered operation list for one independent entity.
// An empty operation list means the entity is already converged.
type EntityPlan struct {
	Key string // unique identifying key of the entity
	DN  string // target DN of the entity's own entry
	Ops []Operation
}

// BestEffort applies independent per-entity plans, isolating failures: a
// failing entity is recorded and the remaining entities still proceed.
// Within one entity the plan is strictly ordered and stops at its first
// failure (entry creation must precede membership changes referencing it).
//
// A connection-level failure aborts the whole run immediately; nothing
// useful can be applied over a dead session.
type BestEffort struct {
	client ldap.Client
	log    *zap.Logger
}

// NewBestEffort creates a best-effort executor over the given session.
func NewBestEffort(client ldap.Client, log *zap.Logger) *BestEffort {
	if log == nil {
		log = zap.NewNop()
	}
	return &BestEffort{client: client, log: log}
}

// Apply executes every entity plan and returns the full per-entity report.
func (e *BestEffort) Apply(ctx context.Context, plans []EntityPlan) *Report {
	report := NewReport()
	start := time.Now()

	for _, p := range plans {
		if report.Aborted {
			report.Record(Result{
				Key:     p.Key,
				DN:      p.DN,
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("run aborted before entity was applied"),
			})
			continue
		}

		result := e.applyEntity(ctx, p)
		report.Record(result)

		if result.Err != nil && (ldap.IsConnectionError(result.Err) || ctx.Err() != nil) {
			e.log.Error("connection failure, aborting run",
				zap.String("entity", p.Key),
				zap.Error(result.Err))
			report.Aborted = true
		}
	}

	e.log.Info("reconciliation run finished",
		zap.String("run_id", report.RunID),
		zap.Int("succeeded", report.Succeeded()),
		zap.Int("skipped", report.Skipped()),
		zap.Int("failed", report.Failed()),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("elapsed", time.Since(start)))

	return report
}

// applyEntity runs one entity's operations in order, stopping at the first
// failure within that entity.
func (e *BestEffort) applyEntity(ctx context.Context, p EntityPlan) Result {
	if len(p.Ops) == 0 {
		e.log.Debug("entity already converged", zap.String("entity", p.Key))
		return Result{Key: p.Key, DN: p.DN, Outcome: OutcomeSkipped}
	}

	for i := range p.Ops {
		op := &p.Ops[i]
		if err := op.execute(ctx, e.client); err != nil {
			e.log.Error("entity operation failed",
				zap.String("entity", p.Key),
				zap.String("op", op.Kind.String()),
				zap.String("dn", op.DN),
				zap.Int("applied", i),
				zap.Error(err))
			return Result{
				Key:     p.Key,
				DN:      p.DN,
				Outcome: OutcomeFailed,
				Applied: i,
				Err:     fmt.Errorf("%s %s: %w", op.Kind, op.DN, err),
			}
		}
	}

	e.log.Debug("entity converged",
		zap.String("entity", p.Key),
		zap.Int("applied", len(p.Ops)))
	return Result{Key: p.Key, DN: p.DN, Outcome: OutcomeSucceeded, Applied: len(p.Ops)}
}
