package reconcile

import (
	"sort"

	"github.com/helxplatform/ldapsync/internal/ldap"
)

// DiffMembers computes the minimal membership delta between a desired and an
// actual member DN set: toAdd is desired minus actual, toRemove is actual
// minus desired. Callers not operating in prune mode discard toRemove.
//
// DNs compare case-insensitively, the way the directory resolves them, so
// cosmetic case differences never produce churn. Both result slices are
// sorted for deterministic operation order.
func DiffMembers(desired, actual []string) (toAdd, toRemove []string) {
	desiredSet := make(map[string]string, len(desired)) // folded -> original
	actualSet := make(map[string]string, len(actual))

	for _, dn := range desired {
		desiredSet[ldap.FoldDN(dn)] = dn
	}
	for _, dn := range actual {
		actualSet[ldap.FoldDN(dn)] = dn
	}

	for folded, original := range desiredSet {
		if _, ok := actualSet[folded]; !ok {
			toAdd = append(toAdd, original)
		}
	}
	for folded, original := range actualSet {
		if _, ok := desiredSet[folded]; !ok {
			toRemove = append(toRemove, original)
		}
	}

	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}
