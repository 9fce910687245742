package plan

import (
	"sort"

	goldap "github.com/go-ldap/ldap/v3"
)

// Attributes maps an attribute name to its ordered set of string values.
// The directory treats most attributes as unordered value sets, so equality
// here is set-wise; the stored order is preserved for deterministic output.
type Attributes map[string][]string

// FromEntry converts a directory search entry into an attribute map.
func FromEntry(entry *goldap.Entry) Attributes {
	attrs := make(Attributes, len(entry.Attributes))
	for _, a := range entry.Attributes {
		attrs[a.Name] = append([]string(nil), a.Values...)
	}
	return attrs
}

// Get returns the values for one attribute, or nil.
func (a Attributes) Get(name string) []string {
	return a[name]
}

// First returns the first value for one attribute, or "".
func (a Attributes) First(name string) string {
	if vs := a[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for name, values := range a {
		out[name] = append([]string(nil), values...)
	}
	return out
}

// Diff computes the attribute deltas that bring current to desired,
// restricted to the keys desired mentions. Keys whose current value set
// already equals the desired set are eliminated, so an empty result means
// the entry is converged for every managed attribute. Attributes present on
// the entry but absent from desired are never touched.
//
// Each changed key becomes a single replace delta; deltas are ordered by
// attribute name so repeated diffs of identical inputs are identical.
func Diff(desired, current Attributes) []ValueDelta {
	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	var deltas []ValueDelta
	for _, name := range names {
		if valueSetsEqual(desired[name], current[name]) {
			continue
		}
		deltas = append(deltas, ValueDelta{
			Op:        DeltaReplace,
			Attribute: name,
			Values:    append([]string(nil), desired[name]...),
		})
	}
	return deltas
}

// valueSetsEqual compares two value lists as sets.
func valueSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}
