package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/helxplatform/ldapsync/internal/ldap"
	"github.com/helxplatform/ldapsync/internal/plan"
)

// EntityReconciler orchestrates per-entity synchronization: create-or-update
// the entity's entry, then reconcile its group memberships. Planning is
// decoupled from execution: the full set of per-entity operation plans is
// computed against a point-in-time read (overlaid with operations already
// planned in the same run), then executed best-effort by the plan executor.
type EntityReconciler struct {
	client       ldap.Client
	log          *zap.Logger
	usersBaseDN  string
	groupsBaseDN string
}

// NewEntityReconciler creates a reconciler rooted at the given user and
// group bases.
func NewEntityReconciler(client ldap.Client, usersBaseDN, groupsBaseDN string, log *zap.Logger) *EntityReconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &EntityReconciler{
		client:       client,
		log:          log,
		usersBaseDN:  usersBaseDN,
		groupsBaseDN: groupsBaseDN,
	}
}

// groupState is the reconciler's view of one group: its point-in-time
// directory membership overlaid with operations planned earlier in the run.
type groupState struct {
	dn            string
	name          string
	exists        bool            // present in the directory or planned for creation
	actualMembers []string        // directory members at read time
	members       map[string]bool // folded member DNs after planned operations
	desired       map[string]string
}

// Reconcile plans and applies the desired records. Memberships present in
// the directory but absent from the desired state are removed only when
// prune is set; the default leaves them untouched so an incomplete desired
// state file never silently revokes access.
//
// The returned error is non-nil only for run-fatal conditions (bind or
// connection loss, unusable group base); per-entity failures are reported
// through the report, whose Err aggregates them.
func (r *EntityReconciler) Reconcile(ctx context.Context, users []UserRecord, prune bool) (*plan.Report, error) {
	if err := r.ensureGroupBase(ctx); err != nil {
		return nil, fmt.Errorf("group base %s: %w", r.groupsBaseDN, err)
	}

	groups := make(map[string]*groupState)
	unplanned := make(map[string]bool)
	var plans []plan.EntityPlan
	var planFailures []plan.Result

	for i := range users {
		u := &users[i]
		key := u.UID
		if key == "" {
			key = fmt.Sprintf("record-%d", i)
		}

		if err := u.Validate(); err != nil {
			r.log.Warn("skipping invalid record", zap.String("entity", key), zap.Error(err))
			r.markUnplanned(u, unplanned)
			planFailures = append(planFailures, plan.Result{
				Key:     key,
				Outcome: plan.OutcomeFailed,
				Err:     err,
			})
			continue
		}

		ep, err := r.planEntity(ctx, u, groups)
		if err != nil {
			if ldap.IsConnectionError(err) {
				return nil, err
			}
			r.markUnplanned(u, unplanned)
			planFailures = append(planFailures, plan.Result{
				Key:     key,
				DN:      u.DN(r.usersBaseDN),
				Outcome: plan.OutcomeFailed,
				Err:     err,
			})
			continue
		}
		plans = append(plans, ep)
	}

	removals := r.membershipRemovals(groups, unplanned)
	if prune {
		plans = append(plans, removals...)
	} else {
		for _, ep := range removals {
			r.log.Info("unmanaged memberships left in place (prune disabled)",
				zap.String("group", ep.DN),
				zap.Int("members", len(ep.Ops)))
		}
	}

	exec := plan.NewBestEffort(r.client, r.log)
	report := exec.Apply(ctx, plans)
	for _, res := range planFailures {
		report.Record(res)
	}
	return report, nil
}

// planEntity computes the ordered operation list for one desired record:
// entry create-or-update first, then group creation, then membership
// additions, so no membership operation ever references an entry or group
// that does not precede it in the plan.
func (r *EntityReconciler) planEntity(ctx context.Context, u *UserRecord, groups map[string]*groupState) (plan.EntityPlan, error) {
	dn := u.DN(r.usersBaseDN)
	ep := plan.EntityPlan{Key: u.UID, DN: dn}

	desired := plan.Attributes(u.DesiredAttributes())
	current, err := r.fetchEntry(ctx, dn)
	if err != nil {
		return ep, err
	}

	if current == nil {
		ep.Ops = append(ep.Ops, plan.Operation{
			Kind:       plan.OpAdd,
			DN:         dn,
			Attributes: desired,
			Source:     u.UID,
		})
	} else if deltas := plan.Diff(desired, current); len(deltas) > 0 {
		// Existing entry: touch only the keys whose value differs, never a
		// full-entry replace, so attributes the record does not mention are
		// preserved.
		ep.Ops = append(ep.Ops, plan.Operation{
			Kind:   plan.OpModify,
			DN:     dn,
			Deltas: deltas,
			Source: u.UID,
		})
	}

	foldedDN := ldap.FoldDN(dn)
	var memberOps []plan.Operation
	seen := make(map[string]bool)

	for _, name := range u.Groups {
		g, err := r.groupFor(ctx, name, groups)
		if err != nil {
			return ep, err
		}
		if seen[ldap.FoldDN(g.dn)] {
			continue
		}
		seen[ldap.FoldDN(g.dn)] = true
		g.desired[foldedDN] = dn

		if !g.exists {
			// A groupOfNames must hold at least one member, so creation
			// carries this entity as the initial member; the separate
			// membership addition is then redundant and skipped.
			ep.Ops = append(ep.Ops, plan.Operation{
				Kind: plan.OpAdd,
				DN:   g.dn,
				Attributes: plan.Attributes{
					"objectClass": append([]string(nil), groupObjectClasses...),
					"cn":          {g.name},
					"member":      {dn},
				},
				Source: u.UID,
			})
			g.exists = true
			g.members[foldedDN] = true
			continue
		}

		if !g.members[foldedDN] {
			memberOps = append(memberOps, plan.AddMember(g.dn, dn))
			g.members[foldedDN] = true
		}
	}

	ep.Ops = append(ep.Ops, memberOps...)
	return ep, nil
}

// fetchEntry reads the entry at dn, returning nil when it does not exist.
func (r *EntityReconciler) fetchEntry(ctx context.Context, dn string) (plan.Attributes, error) {
	result, err := r.client.Search(ctx, &ldap.SearchRequest{
		BaseDN:     dn,
		Scope:      ldap.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"*"},
	})
	if err != nil {
		if ldap.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	return plan.FromEntry(result.Entries[0]), nil
}

// groupFor returns the run's state for the named group, reading it from the
// directory on first reference.
func (r *EntityReconciler) groupFor(ctx context.Context, name string, groups map[string]*groupState) (*groupState, error) {
	dn := "cn=" + ldap.EscapeDNValue(name) + "," + r.groupsBaseDN
	key := ldap.FoldDN(dn)
	if g, ok := groups[key]; ok {
		return g, nil
	}

	g := &groupState{
		dn:      dn,
		name:    name,
		members: make(map[string]bool),
		desired: make(map[string]string),
	}

	result, err := r.client.Search(ctx, &ldap.SearchRequest{
		BaseDN:     dn,
		Scope:      ldap.ScopeBaseObject,
		Filter:     "(objectClass=groupOfNames)",
		Attributes: []string{"cn", "member"},
	})
	switch {
	case err != nil && !ldap.IsNotFoundError(err):
		return nil, err
	case err == nil && len(result.Entries) > 0:
		g.exists = true
		for _, m := range result.Entries[0].GetAttributeValues("member") {
			g.actualMembers = append(g.actualMembers, m)
			g.members[ldap.FoldDN(m)] = true
		}
	}

	groups[key] = g
	return g, nil
}

// markUnplanned records the groups a failed record references. Its desired
// memberships never reached the overlay, so those groups carry an incomplete
// desired set and must not be pruned this run.
func (r *EntityReconciler) markUnplanned(u *UserRecord, unplanned map[string]bool) {
	for _, name := range u.Groups {
		if name == "" {
			continue
		}
		unplanned[ldap.FoldDN("cn="+ldap.EscapeDNValue(name)+","+r.groupsBaseDN)] = true
	}
}

// membershipRemovals computes, per referenced group, the memberships present
// in the directory but absent from the run's desired state. The delta is
// always computed; whether it is executed is the caller's prune decision.
// Removals are issued as value-delete deltas on the member attribute, never
// as a replace, so a concurrent writer's addition between our read and write
// cannot be silently discarded.
//
// Groups referenced by a record that failed validation or planning are
// exempt: that record's memberships are missing from the desired set, and
// pruning against an incomplete set would revoke access over an unrelated
// defect.
func (r *EntityReconciler) membershipRemovals(groups map[string]*groupState, unplanned map[string]bool) []plan.EntityPlan {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var removals []plan.EntityPlan
	for _, k := range keys {
		g := groups[k]
		if len(g.actualMembers) == 0 {
			continue
		}
		if unplanned[k] {
			r.log.Warn("not pruning group referenced by a failed record",
				zap.String("group", g.dn))
			continue
		}

		desired := make([]string, 0, len(g.desired))
		for _, dn := range g.desired {
			desired = append(desired, dn)
		}

		_, toRemove := DiffMembers(desired, g.actualMembers)
		if len(toRemove) == 0 {
			continue
		}

		ep := plan.EntityPlan{Key: "group:" + g.name, DN: g.dn}
		for _, m := range toRemove {
			ep.Ops = append(ep.Ops, plan.RemoveMember(g.dn, m))
		}
		removals = append(removals, ep)
	}
	return removals
}

// ensureGroupBase creates the group container when it does not exist yet.
func (r *EntityReconciler) ensureGroupBase(ctx context.Context) error {
	result, err := r.client.Search(ctx, &ldap.SearchRequest{
		BaseDN: r.groupsBaseDN,
		Scope:  ldap.ScopeBaseObject,
		Filter: "(objectClass=*)",
	})
	if err == nil && len(result.Entries) > 0 {
		return nil
	}
	if err != nil && !ldap.IsNotFoundError(err) {
		return err
	}

	addErr := r.client.Add(ctx, &ldap.AddRequest{
		DN: r.groupsBaseDN,
		Attributes: map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"ou":          {firstRDNValue(r.groupsBaseDN)},
		},
	})
	if addErr != nil && !ldap.IsConflictError(addErr) {
		return addErr
	}
	if addErr == nil {
		r.log.Info("created group base", zap.String("dn", r.groupsBaseDN))
	}
	return nil
}

// firstRDNValue extracts the value of the leading RDN, e.g. "groups" from
// "ou=groups,dc=example,dc=org".
func firstRDNValue(dn string) string {
	first := strings.SplitN(dn, ",", 2)[0]
	if i := strings.Index(first, "="); i >= 0 {
		return first[i+1:]
	}
	return first
}
