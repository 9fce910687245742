// Package plan defines the operation data model shared by the bulk change
// applier and the declarative entity reconciler, together with the two
// executor strategies that apply planned operations to the directory:
// fail-fast (strictly ordered, dependent changes) and best-effort
// (independent per-entity plans).
package plan

import (
	"context"
	"fmt"

	"github.com/helxplatform/ldapsync/internal/ldap"
)

// OpKind identifies the type of a planned directory operation.
type OpKind int

const (
	// OpAdd creates a new entry with a full attribute map.
	OpAdd OpKind = iota
	// OpModify applies attribute value deltas to an existing entry.
	OpModify
	// OpDelete removes an entry.
	OpDelete
)

// String returns the string representation of the operation kind.
func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// DeltaOp identifies the type of an attribute value delta.
type DeltaOp int

const (
	// DeltaAdd adds values to a multi-valued attribute.
	DeltaAdd DeltaOp = iota
	// DeltaReplace replaces all values of one attribute.
	DeltaReplace
	// DeltaDelete removes specific values, or the whole attribute when
	// Values is empty.
	DeltaDelete
)

// String returns the string representation of the delta operation.
func (d DeltaOp) String() string {
	switch d {
	case DeltaAdd:
		return "add"
	case DeltaReplace:
		return "replace"
	case DeltaDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ValueDelta is one add/replace/delete change to a single attribute.
// Membership changes are always expressed as add/delete deltas on the member
// attribute, never as a replace, so a stale read cannot clobber a concurrent
// writer's addition.
type ValueDelta struct {
	Op        DeltaOp
	Attribute string
	Values    []string
}

// Operation is one idempotently applicable directory mutation. A DN is never
// the target of more than one operation kind within the same plan position;
// ordering within a plan carries the structural dependencies (entry creation
// before membership changes referencing it).
type Operation struct {
	Kind       OpKind
	DN         string
	Attributes Attributes   // full attribute map for OpAdd
	Deltas     []ValueDelta // attribute deltas for OpModify

	// Provenance, for failure reporting: change file path or entity key,
	// and the record index within a change file.
	Source string
	Record int
}

// Describe returns a short human-readable description of the operation.
func (op *Operation) Describe() string {
	return fmt.Sprintf("%s %s", op.Kind, op.DN)
}

// execute issues the operation against the directory session.
func (op *Operation) execute(ctx context.Context, client ldap.Client) error {
	switch op.Kind {
	case OpAdd:
		return client.Add(ctx, &ldap.AddRequest{
			DN:         op.DN,
			Attributes: op.Attributes,
		})

	case OpModify:
		req := &ldap.ModifyRequest{
			DN:                op.DN,
			AddAttributes:     map[string][]string{},
			ReplaceAttributes: map[string][]string{},
			DeleteAttributes:  map[string][]string{},
		}
		for _, d := range op.Deltas {
			switch d.Op {
			case DeltaAdd:
				req.AddAttributes[d.Attribute] = append(req.AddAttributes[d.Attribute], d.Values...)
			case DeltaReplace:
				req.ReplaceAttributes[d.Attribute] = d.Values
			case DeltaDelete:
				values := d.Values
				if values == nil {
					values = []string{}
				}
				req.DeleteAttributes[d.Attribute] = append(req.DeleteAttributes[d.Attribute], values...)
			}
		}
		return client.Modify(ctx, req)

	case OpDelete:
		return client.Delete(ctx, op.DN)

	default:
		return fmt.Errorf("unknown operation kind %d", op.Kind)
	}
}

// AddMember builds the delta operation granting groupDN the given member.
func AddMember(groupDN, memberDN string) Operation {
	return Operation{
		Kind: OpModify,
		DN:   groupDN,
		Deltas: []ValueDelta{
			{Op: DeltaAdd, Attribute: "member", Values: []string{memberDN}},
		},
	}
}

// RemoveMember builds the delta operation revoking memberDN from groupDN.
func RemoveMember(groupDN, memberDN string) Operation {
	return Operation{
		Kind: OpModify,
		DN:   groupDN,
		Deltas: []ValueDelta{
			{Op: DeltaDelete, Attribute: "member", Values: []string{memberDN}},
		},
	}
}
