package ldif

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helxplatform/ldapsync/internal/ldap"
	"github.com/helxplatform/ldapsync/internal/plan"
)

const schemaConfigDN = "cn=schema,cn=config"

// oidPattern extracts the leading OID from an attribute type or object class
// definition, e.g. "( 1.3.6.1.4.1.99999.1 NAME 'runAsUser' ... )".
var oidPattern = regexp.MustCompile(`\(\s*([0-9.]+)`)

// Applier walks a tree of LDIF change files and applies them fail-fast in
// dependency order. Idempotency is the change-file author's responsibility;
// the applier performs no diffing of file contents, but it does tolerate
// "value already exists" rejections so a converged tree can be re-applied.
type Applier struct {
	client ldap.Client
	log    *zap.Logger

	// UpdateExisting converts a schema-definition add into a replace when a
	// definition with the same OID is already loaded. When false, such adds
	// are skipped instead.
	UpdateExisting bool
}

// NewApplier creates a batch applier over the given session.
func NewApplier(client ldap.Client, log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{client: client, log: log}
}

// Apply discovers the change tree under root and applies it record by
// record, aborting at the first rejection. The returned report names the
// offending file and record index; a negative record index means the file
// itself could not be parsed. Nothing already applied is rolled back.
func (a *Applier) Apply(ctx context.Context, root string) (*plan.BatchReport, error) {
	units, err := Discover(root)
	if err != nil {
		return nil, err
	}

	report := plan.NewBatchReport()
	report.Files = len(units)

	exec := plan.NewFailFast(a.client, a.log)
	exec.TolerateExistingValues = true

	start := time.Now()
	a.log.Info("applying change tree",
		zap.String("run_id", report.RunID),
		zap.String("root", root),
		zap.Int("files", len(units)))

	for _, u := range units {
		ops, err := ParseFile(u.Path)
		if err != nil {
			report.Failure = &plan.FirstFailure{Source: u.Path, Record: -1, Err: err}
			return report, report.Err()
		}
		report.Records += len(ops)

		a.log.Debug("applying change file",
			zap.String("file", u.Path),
			zap.Int("depth", u.Depth),
			zap.Int("records", len(ops)))

		for i := range ops {
			if err := a.prepareSchemaOp(ctx, &ops[i]); err != nil {
				report.Failure = &plan.FirstFailure{
					Source: u.Path,
					Record: ops[i].Record,
					DN:     ops[i].DN,
					Err:    err,
				}
				return report, report.Err()
			}
		}

		applied, failure := exec.Apply(ctx, ops)
		report.Applied += applied
		if failure != nil {
			report.Failure = failure
			return report, report.Err()
		}
	}

	a.log.Info("change tree applied",
		zap.String("run_id", report.RunID),
		zap.Int("files", report.Files),
		zap.Int("applied", report.Applied),
		zap.Duration("elapsed", time.Since(start)))

	return report, nil
}

// prepareSchemaOp rewrites schema-definition adds targeting cn=schema,
// cn=config whose definition is already loaded: to a replace when
// UpdateExisting is set, otherwise to a no-op. The existence probe runs
// just before the operation so definitions added earlier in the same run
// are seen.
func (a *Applier) prepareSchemaOp(ctx context.Context, op *plan.Operation) error {
	if op.Kind != plan.OpModify || !ldap.EqualDN(op.DN, schemaConfigDN) {
		return nil
	}

	kept := op.Deltas[:0]
	for _, d := range op.Deltas {
		if d.Op != plan.DeltaAdd || !isSchemaAttribute(d.Attribute) || len(d.Values) == 0 {
			kept = append(kept, d)
			continue
		}

		exists, err := a.schemaDefinitionExists(ctx, d.Attribute, d.Values[0])
		if err != nil {
			return err
		}
		if !exists {
			kept = append(kept, d)
			continue
		}

		if a.UpdateExisting {
			a.log.Debug("schema definition exists, converting add to replace",
				zap.String("attribute", d.Attribute))
			d.Op = plan.DeltaReplace
			kept = append(kept, d)
		} else {
			a.log.Debug("schema definition exists, skipping add",
				zap.String("attribute", d.Attribute))
		}
	}
	op.Deltas = kept
	return nil
}

func isSchemaAttribute(name string) bool {
	return strings.EqualFold(name, "olcAttributeTypes") || strings.EqualFold(name, "olcObjectClasses")
}

// schemaDefinitionExists probes the config tree for a loaded schema
// definition with the same OID as the given definition text.
func (a *Applier) schemaDefinitionExists(ctx context.Context, attribute, definition string) (bool, error) {
	m := oidPattern.FindStringSubmatch(definition)
	if m == nil {
		return false, nil
	}
	oid := m[1]

	result, err := a.client.Search(ctx, &ldap.SearchRequest{
		BaseDN:     schemaConfigDN,
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     "(" + attribute + "=*" + oid + "*)",
		Attributes: []string{attribute},
	})
	if err != nil {
		if ldap.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return len(result.Entries) > 0, nil
}
