package plan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helxplatform/ldapsync/internal/ldap"
)

// scriptedClient records issued operations and fails where told to.
type scriptedClient struct {
	log     []string
	failOn  map[string]error // "kind dn" -> error
	binds   int
	deletes []string
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{failOn: make(map[string]error)}
}

func (c *scriptedClient) Bind(_ context.Context, _, _ string) error {
	c.binds++
	return nil
}

func (c *scriptedClient) Search(_ context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.log = append(c.log, "search "+req.BaseDN)
	return &ldap.SearchResult{}, nil
}

func (c *scriptedClient) Add(_ context.Context, req *ldap.AddRequest) error {
	key := "add " + req.DN
	c.log = append(c.log, key)
	return c.failOn[key]
}

func (c *scriptedClient) Modify(_ context.Context, req *ldap.ModifyRequest) error {
	key := "modify " + req.DN
	c.log = append(c.log, key)
	return c.failOn[key]
}

func (c *scriptedClient) Delete(_ context.Context, dn string) error {
	key := "delete " + dn
	c.log = append(c.log, key)
	c.deletes = append(c.deletes, dn)
	return c.failOn[key]
}

func (c *scriptedClient) Close() error { return nil }

func TestFailFastStopsAtFirstFailure(t *testing.T) {
	client := newScriptedClient()
	client.failOn["add cn=b,dc=example,dc=org"] = errors.New("rejected")

	ops := []Operation{
		{Kind: OpAdd, DN: "cn=a,dc=example,dc=org", Source: "00-a.ldif", Record: 0},
		{Kind: OpAdd, DN: "cn=b,dc=example,dc=org", Source: "00-a.ldif", Record: 1},
		{Kind: OpAdd, DN: "cn=c,dc=example,dc=org", Source: "01-b.ldif", Record: 0},
	}

	applied, failure := NewFailFast(client, nil).Apply(context.Background(), ops)

	assert.Equal(t, 1, applied)
	require.NotNil(t, failure)
	assert.Equal(t, "00-a.ldif", failure.Source)
	assert.Equal(t, 1, failure.Record)
	assert.Equal(t, "cn=b,dc=example,dc=org", failure.DN)

	// The dependent operation after the failure was never issued.
	assert.NotContains(t, client.log, "add cn=c,dc=example,dc=org")
}

func TestFailFastToleratesExistingValues(t *testing.T) {
	client := newScriptedClient()
	client.failOn["modify cn=schema,cn=config"] =
		goldap.NewError(goldap.LDAPResultAttributeOrValueExists, errors.New("exists"))

	ops := []Operation{
		{Kind: OpModify, DN: "cn=schema,cn=config", Deltas: []ValueDelta{
			{Op: DeltaAdd, Attribute: "olcAttributeTypes", Values: []string{"( 1.2.3 NAME 'x' )"}},
		}},
		{Kind: OpAdd, DN: "cn=after,dc=example,dc=org"},
	}

	exec := NewFailFast(client, nil)

	// Without tolerance the conflict aborts the run.
	applied, failure := exec.Apply(context.Background(), ops)
	assert.Equal(t, 0, applied)
	require.NotNil(t, failure)

	// With tolerance a re-applied record is a no-op success.
	exec.TolerateExistingValues = true
	applied, failure = exec.Apply(context.Background(), ops)
	assert.Nil(t, failure)
	assert.Equal(t, 2, applied)
}

func TestFailFastDeleteOperations(t *testing.T) {
	client := newScriptedClient()
	ops := []Operation{{Kind: OpDelete, DN: "cn=old,dc=example,dc=org"}}

	applied, failure := NewFailFast(client, nil).Apply(context.Background(), ops)
	assert.Nil(t, failure)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{"cn=old,dc=example,dc=org"}, client.deletes)
}

func TestBestEffortIsolatesEntityFailures(t *testing.T) {
	client := newScriptedClient()
	client.failOn["add uid=bad,ou=users,dc=example,dc=org"] = errors.New("naming violation")

	plans := []EntityPlan{
		{Key: "alice", DN: "uid=alice,ou=users,dc=example,dc=org", Ops: []Operation{
			{Kind: OpAdd, DN: "uid=alice,ou=users,dc=example,dc=org"},
		}},
		{Key: "bad", DN: "uid=bad,ou=users,dc=example,dc=org", Ops: []Operation{
			{Kind: OpAdd, DN: "uid=bad,ou=users,dc=example,dc=org"},
			{Kind: OpModify, DN: "cn=staff,ou=groups,dc=example,dc=org"},
		}},
		{Key: "carol", DN: "uid=carol,ou=users,dc=example,dc=org", Ops: []Operation{
			{Kind: OpAdd, DN: "uid=carol,ou=users,dc=example,dc=org"},
		}},
		{Key: "converged", DN: "uid=converged,ou=users,dc=example,dc=org"},
	}

	report := NewBestEffort(client, nil).Apply(context.Background(), plans)

	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 1, report.Skipped())
	assert.Equal(t, 1, report.Failed())
	assert.False(t, report.Aborted)

	// The failed entity stopped at its first failure: the dependent
	// membership operation was never issued.
	assert.NotContains(t, client.log, "modify cn=staff,ou=groups,dc=example,dc=org")
	// Entities after the failure still ran.
	assert.Contains(t, client.log, "add uid=carol,ou=users,dc=example,dc=org")

	err := report.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestBestEffortAbortsOnConnectionLoss(t *testing.T) {
	client := newScriptedClient()
	client.failOn["add uid=alice,ou=users,dc=example,dc=org"] =
		goldap.NewError(goldap.LDAPResultServerDown, errors.New("connection reset"))

	plans := []EntityPlan{
		{Key: "alice", DN: "uid=alice,ou=users,dc=example,dc=org", Ops: []Operation{
			{Kind: OpAdd, DN: "uid=alice,ou=users,dc=example,dc=org"},
		}},
		{Key: "bob", DN: "uid=bob,ou=users,dc=example,dc=org", Ops: []Operation{
			{Kind: OpAdd, DN: "uid=bob,ou=users,dc=example,dc=org"},
		}},
	}

	report := NewBestEffort(client, nil).Apply(context.Background(), plans)

	assert.True(t, report.Aborted)
	assert.Equal(t, 2, report.Failed())
	assert.NotContains(t, client.log, "add uid=bob,ou=users,dc=example,dc=org")
}

func TestReportErr(t *testing.T) {
	report := NewReport()
	assert.NotEmpty(t, report.RunID)
	assert.NoError(t, report.Err())

	report.Record(Result{Key: "ok", Outcome: OutcomeSucceeded, Applied: 2})
	report.Record(Result{Key: "noop", Outcome: OutcomeSkipped})
	assert.NoError(t, report.Err())

	report.Record(Result{Key: "broken", Outcome: OutcomeFailed, Err: fmt.Errorf("invalid record")})
	err := report.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `entity "broken"`)
}

func TestMembershipOperationHelpers(t *testing.T) {
	add := AddMember("cn=staff,ou=groups,dc=example,dc=org", "uid=alice,ou=users,dc=example,dc=org")
	require.Len(t, add.Deltas, 1)
	assert.Equal(t, OpModify, add.Kind)
	assert.Equal(t, DeltaAdd, add.Deltas[0].Op)
	assert.Equal(t, "member", add.Deltas[0].Attribute)

	remove := RemoveMember("cn=staff,ou=groups,dc=example,dc=org", "uid=alice,ou=users,dc=example,dc=org")
	require.Len(t, remove.Deltas, 1)
	assert.Equal(t, DeltaDelete, remove.Deltas[0].Op)
	assert.Equal(t, []string{"uid=alice,ou=users,dc=example,dc=org"}, remove.Deltas[0].Values)
}
