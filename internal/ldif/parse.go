package ldif

import (
	"fmt"
	"os"

	goldap "github.com/go-ldap/ldap/v3"
	goldif "github.com/go-ldap/ldif"

	"github.com/helxplatform/ldapsync/internal/plan"
)

// ParseFile reads one LDIF change file into planned operations, preserving
// record order. A record without a changetype is treated as an add, matching
// ldapadd semantics for content records.
func ParseFile(path string) ([]plan.Operation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening change file: %w", err)
	}
	defer f.Close()

	l := &goldif.LDIF{}
	if err := goldif.Unmarshal(f, l); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	ops := make([]plan.Operation, 0, len(l.Entries))
	for i, e := range l.Entries {
		op, err := recordToOperation(e)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", path, i, err)
		}
		op.Source = path
		op.Record = i
		ops = append(ops, op)
	}
	return ops, nil
}

func recordToOperation(e *goldif.Entry) (plan.Operation, error) {
	switch {
	case e.Add != nil:
		attrs := make(plan.Attributes, len(e.Add.Attributes))
		for _, a := range e.Add.Attributes {
			attrs[a.Type] = append(attrs[a.Type], a.Vals...)
		}
		return plan.Operation{Kind: plan.OpAdd, DN: e.Add.DN, Attributes: attrs}, nil

	case e.Modify != nil:
		deltas := make([]plan.ValueDelta, 0, len(e.Modify.Changes))
		for _, c := range e.Modify.Changes {
			var op plan.DeltaOp
			switch c.Operation {
			case goldap.AddAttribute:
				op = plan.DeltaAdd
			case goldap.DeleteAttribute:
				op = plan.DeltaDelete
			case goldap.ReplaceAttribute:
				op = plan.DeltaReplace
			default:
				return plan.Operation{}, fmt.Errorf("unsupported modify operation %d", c.Operation)
			}
			deltas = append(deltas, plan.ValueDelta{
				Op:        op,
				Attribute: c.Modification.Type,
				Values:    append([]string(nil), c.Modification.Vals...),
			})
		}
		return plan.Operation{Kind: plan.OpModify, DN: e.Modify.DN, Deltas: deltas}, nil

	case e.Del != nil:
		return plan.Operation{Kind: plan.OpDelete, DN: e.Del.DN}, nil

	case e.Entry != nil:
		// Content record without a changetype: treat as add.
		return plan.Operation{
			Kind:       plan.OpAdd,
			DN:         e.Entry.DN,
			Attributes: plan.FromEntry(e.Entry),
		}, nil

	default:
		return plan.Operation{}, fmt.Errorf("empty change record")
	}
}
