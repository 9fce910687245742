package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffMembers(t *testing.T) {
	tests := []struct {
		name     string
		desired  []string
		actual   []string
		toAdd    []string
		toRemove []string
	}{
		{
			name:    "converged",
			desired: []string{"uid=a,dc=org", "uid=b,dc=org"},
			actual:  []string{"uid=a,dc=org", "uid=b,dc=org"},
		},
		{
			name:    "missing memberships",
			desired: []string{"uid=a,dc=org", "uid=b,dc=org"},
			actual:  []string{"uid=a,dc=org"},
			toAdd:   []string{"uid=b,dc=org"},
		},
		{
			name:     "stale memberships",
			desired:  []string{"uid=a,dc=org"},
			actual:   []string{"uid=a,dc=org", "uid=gone,dc=org"},
			toRemove: []string{"uid=gone,dc=org"},
		},
		{
			name:     "disjoint",
			desired:  []string{"uid=new,dc=org"},
			actual:   []string{"uid=old,dc=org"},
			toAdd:    []string{"uid=new,dc=org"},
			toRemove: []string{"uid=old,dc=org"},
		},
		{
			name:    "case differences are not churn",
			desired: []string{"uid=Alice,OU=Users,DC=org"},
			actual:  []string{"uid=alice,ou=users,dc=org"},
		},
		{
			name:    "empty actual",
			desired: []string{"uid=a,dc=org"},
			toAdd:   []string{"uid=a,dc=org"},
		},
		{
			name:     "empty desired",
			actual:   []string{"uid=a,dc=org"},
			toRemove: []string{"uid=a,dc=org"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toAdd, toRemove := DiffMembers(tt.desired, tt.actual)
			assert.Equal(t, tt.toAdd, toAdd)
			assert.Equal(t, tt.toRemove, toRemove)
		})
	}
}

func TestDiffMembersSortedOutput(t *testing.T) {
	toAdd, toRemove := DiffMembers(
		[]string{"uid=z,dc=org", "uid=a,dc=org", "uid=m,dc=org"},
		[]string{"uid=y,dc=org", "uid=b,dc=org"},
	)
	assert.Equal(t, []string{"uid=a,dc=org", "uid=m,dc=org", "uid=z,dc=org"}, toAdd)
	assert.Equal(t, []string{"uid=b,dc=org", "uid=y,dc=org"}, toRemove)
}
