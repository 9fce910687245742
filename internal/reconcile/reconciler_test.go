package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helxplatform/ldapsync/internal/ldap"
	"github.com/helxplatform/ldapsync/internal/plan"
)

const (
	usersBase  = "ou=users,dc=example,dc=org"
	groupsBase = "ou=groups,dc=example,dc=org"
)

// fakeServer is an in-memory directory good enough for the reconciler's
// base-scope reads and entry-level writes.
type fakeServer struct {
	entries map[string]*fakeEntry // folded DN -> entry
	failOn  map[string]error      // "op dn" -> error
	writes  []string              // mutating call log, "op dn"
}

type fakeEntry struct {
	dn    string
	attrs map[string][]string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		entries: map[string]*fakeEntry{},
		failOn:  map[string]error{},
	}
}

func (s *fakeServer) seed(dn string, attrs map[string][]string) {
	copied := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		copied[k] = append([]string(nil), v...)
	}
	s.entries[ldap.FoldDN(dn)] = &fakeEntry{dn: dn, attrs: copied}
}

func (s *fakeServer) attrs(dn string) map[string][]string {
	e, ok := s.entries[ldap.FoldDN(dn)]
	if !ok {
		return nil
	}
	return e.attrs
}

func notFound() error {
	return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("no such object"))
}

func (s *fakeServer) Bind(ctx context.Context, dn, password string) error { return nil }

func (s *fakeServer) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if err := s.failOn["search "+req.BaseDN]; err != nil {
		return nil, err
	}
	e, ok := s.entries[ldap.FoldDN(req.BaseDN)]
	if !ok {
		return nil, notFound()
	}

	// Good enough filter support: (objectClass=*) or an objectClass equality.
	if class, ok := strings.CutPrefix(req.Filter, "(objectClass="); ok {
		class = strings.TrimSuffix(class, ")")
		if class != "*" && !containsFold(e.attrs["objectClass"], class) {
			return &ldap.SearchResult{}, nil
		}
	}

	return &ldap.SearchResult{
		Entries: []*goldap.Entry{goldap.NewEntry(e.dn, e.attrs)},
		Total:   1,
	}, nil
}

func (s *fakeServer) Add(ctx context.Context, req *ldap.AddRequest) error {
	s.writes = append(s.writes, "add "+req.DN)
	if err := s.failOn["add "+req.DN]; err != nil {
		return err
	}
	if _, ok := s.entries[ldap.FoldDN(req.DN)]; ok {
		return goldap.NewError(goldap.LDAPResultEntryAlreadyExists, fmt.Errorf("already exists"))
	}
	s.seed(req.DN, req.Attributes)
	return nil
}

func (s *fakeServer) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	s.writes = append(s.writes, "modify "+req.DN)
	if err := s.failOn["modify "+req.DN]; err != nil {
		return err
	}
	e, ok := s.entries[ldap.FoldDN(req.DN)]
	if !ok {
		return notFound()
	}
	for name, values := range req.AddAttributes {
		e.attrs[name] = append(e.attrs[name], values...)
	}
	for name, values := range req.ReplaceAttributes {
		e.attrs[name] = append([]string(nil), values...)
	}
	for name, values := range req.DeleteAttributes {
		if len(values) == 0 {
			delete(e.attrs, name)
			continue
		}
		kept := e.attrs[name][:0]
		for _, v := range e.attrs[name] {
			if !containsFold(values, v) {
				kept = append(kept, v)
			}
		}
		e.attrs[name] = kept
	}
	return nil
}

func (s *fakeServer) Delete(ctx context.Context, dn string) error {
	s.writes = append(s.writes, "delete "+dn)
	if err := s.failOn["delete "+dn]; err != nil {
		return err
	}
	if _, ok := s.entries[ldap.FoldDN(dn)]; !ok {
		return notFound()
	}
	delete(s.entries, ldap.FoldDN(dn))
	return nil
}

func (s *fakeServer) Close() error { return nil }

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func newTestReconciler(s *fakeServer) *EntityReconciler {
	return NewEntityReconciler(s, usersBase, groupsBase, zap.NewNop())
}

func resultFor(t *testing.T, report *plan.Report, key string) plan.Result {
	t.Helper()
	for _, res := range report.Results {
		if res.Key == key {
			return res
		}
	}
	t.Fatalf("no result for entity %q", key)
	return plan.Result{}
}

func TestReconcileCreatesUsersAndGroups(t *testing.T) {
	s := newFakeServer()
	alice := validRecord()
	alice.Email = "alice@example.org"
	alice.Groups = []string{"devs"}
	bob := UserRecord{
		UID: "bob", CN: "Bob Dobbs", SN: "Dobbs",
		RunAsUser: intp(1001), RunAsGroup: intp(1001), FSGroup: intp(1001),
		Groups: []string{"devs"},
	}

	report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice, bob}, false)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Succeeded())

	aliceDN := "uid=alice," + usersBase
	bobDN := "uid=bob," + usersBase
	groupDN := "cn=devs," + groupsBase

	require.NotNil(t, s.attrs(aliceDN))
	assert.Equal(t, []string{"alice@example.org"}, s.attrs(aliceDN)["mail"])
	require.NotNil(t, s.attrs(bobDN))

	// Group base was created, the group itself carries alice as its initial
	// member and bob was added afterwards.
	require.NotNil(t, s.attrs(groupsBase))
	require.NotNil(t, s.attrs(groupDN))
	assert.ElementsMatch(t, []string{aliceDN, bobDN}, s.attrs(groupDN)["member"])

	groupWrites := 0
	for _, w := range s.writes {
		if strings.HasSuffix(w, groupDN) {
			groupWrites++
		}
	}
	assert.Equal(t, 2, groupWrites, "one create and one membership add, no duplicates")
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := newFakeServer()
	alice := validRecord()
	alice.Groups = []string{"devs", "admins"}

	first, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice}, false)
	require.NoError(t, err)
	require.NoError(t, first.Err())

	s.writes = nil
	second, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice}, false)
	require.NoError(t, err)
	require.NoError(t, second.Err())

	assert.Equal(t, 1, second.Skipped())
	assert.Equal(t, 0, second.Succeeded())
	assert.Empty(t, s.writes, "a converged directory must see no writes")
}

func TestReconcileUpdatesChangedKeysOnly(t *testing.T) {
	s := newFakeServer()
	alice := validRecord()
	alice.Email = "alice@example.org"

	existing := alice.DesiredAttributes()
	existing["mail"] = []string{"old@example.org"}
	existing["description"] = []string{"kept as-is"}
	aliceDN := alice.DN(usersBase)
	s.seed(groupsBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}, "ou": {"groups"}})
	s.seed(aliceDN, existing)

	report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice}, false)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, plan.OutcomeSucceeded, resultFor(t, report, "alice").Outcome)

	assert.Equal(t, []string{"alice@example.org"}, s.attrs(aliceDN)["mail"])
	assert.Equal(t, []string{"kept as-is"}, s.attrs(aliceDN)["description"],
		"attributes the record does not mention are preserved")
	assert.Equal(t, []string{"modify " + aliceDN}, s.writes)
}

func TestReconcileGroupCreationOrdering(t *testing.T) {
	s := newFakeServer()
	otherDN := "uid=other," + usersBase
	existingGroupDN := "cn=existing," + groupsBase
	s.seed(groupsBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}, "ou": {"groups"}})
	s.seed(existingGroupDN, map[string][]string{
		"objectClass": {"groupOfNames", "top"},
		"cn":          {"existing"},
		"member":      {otherDN},
	})

	alice := validRecord()
	alice.Groups = []string{"existing", "fresh"}

	report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice}, false)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	aliceDN := "uid=alice," + usersBase
	freshDN := "cn=fresh," + groupsBase

	// Entry creation precedes group creation, which precedes membership adds
	// against pre-existing groups.
	assert.Equal(t, []string{
		"add " + aliceDN,
		"add " + freshDN,
		"modify " + existingGroupDN,
	}, s.writes)

	assert.Equal(t, []string{aliceDN}, s.attrs(freshDN)["member"],
		"new group is created with its first member, not patched afterwards")
	assert.ElementsMatch(t, []string{otherDN, aliceDN}, s.attrs(existingGroupDN)["member"])
}

func TestReconcileIsolatesInvalidRecords(t *testing.T) {
	s := newFakeServer()
	records := make([]UserRecord, 0, 5)
	for _, uid := range []string{"u1", "u2", "u3", "u4"} {
		u := validRecord()
		u.UID = uid
		records = append(records, u)
	}
	bad := validRecord()
	bad.UID = "broken"
	bad.SN = ""
	records = append(records[:2], append([]UserRecord{bad}, records[2:]...)...)

	report, err := newTestReconciler(s).Reconcile(context.Background(), records, false)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Succeeded())
	assert.Equal(t, 1, report.Failed())

	res := resultFor(t, report, "broken")
	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Nil(t, s.attrs("uid=broken,"+usersBase))

	for _, uid := range []string{"u1", "u2", "u3", "u4"} {
		assert.NotNil(t, s.attrs("uid="+uid+","+usersBase), uid)
	}

	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "broken")
}

func TestReconcileIsolatesDirectoryFailures(t *testing.T) {
	s := newFakeServer()
	u1 := validRecord()
	u1.UID = "u1"
	u2 := validRecord()
	u2.UID = "u2"
	s.failOn["add uid=u1,"+usersBase] = goldap.NewError(
		goldap.LDAPResultObjectClassViolation, fmt.Errorf("schema violation"))

	report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{u1, u2}, false)
	require.NoError(t, err)

	assert.Equal(t, plan.OutcomeFailed, resultFor(t, report, "u1").Outcome)
	assert.Equal(t, plan.OutcomeSucceeded, resultFor(t, report, "u2").Outcome)
	assert.NotNil(t, s.attrs("uid=u2,"+usersBase))
}

func TestReconcileConnectionLossIsFatal(t *testing.T) {
	s := newFakeServer()
	u := validRecord()
	s.failOn["search "+u.DN(usersBase)] = goldap.NewError(
		goldap.LDAPResultServerDown, fmt.Errorf("connection reset"))

	report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{u}, false)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, ldap.IsConnectionError(err))
}

func TestReconcilePrune(t *testing.T) {
	seedConverged := func() (*fakeServer, UserRecord, string, string) {
		s := newFakeServer()
		alice := validRecord()
		alice.Groups = []string{"devs"}
		aliceDN := alice.DN(usersBase)
		staleDN := "uid=stale," + usersBase

		s.seed(groupsBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}, "ou": {"groups"}})
		s.seed(aliceDN, alice.DesiredAttributes())
		s.seed("cn=devs,"+groupsBase, map[string][]string{
			"objectClass": {"groupOfNames", "top"},
			"cn":          {"devs"},
			"member":      {aliceDN, staleDN},
		})
		return s, alice, aliceDN, staleDN
	}

	t.Run("disabled leaves unmanaged memberships", func(t *testing.T) {
		s, alice, aliceDN, staleDN := seedConverged()
		report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice}, false)
		require.NoError(t, err)
		require.NoError(t, report.Err())

		assert.Empty(t, s.writes)
		assert.ElementsMatch(t, []string{aliceDN, staleDN}, s.attrs("cn=devs,"+groupsBase)["member"])
	})

	t.Run("spares groups referenced by failed records", func(t *testing.T) {
		s := newFakeServer()
		alice := validRecord()
		alice.Groups = []string{"devs"}
		bob := validRecord()
		bob.UID = "bob"
		bob.Groups = []string{"other"}
		broken := validRecord()
		broken.UID = "broken"
		broken.SN = ""
		broken.Groups = []string{"devs"}

		aliceDN := alice.DN(usersBase)
		bobDN := bob.DN(usersBase)
		brokenDN := broken.DN(usersBase)
		staleDN := "uid=stale," + usersBase

		s.seed(groupsBase, map[string][]string{"objectClass": {"top", "organizationalUnit"}, "ou": {"groups"}})
		s.seed(aliceDN, alice.DesiredAttributes())
		s.seed(bobDN, bob.DesiredAttributes())
		s.seed("cn=devs,"+groupsBase, map[string][]string{
			"objectClass": {"groupOfNames", "top"},
			"cn":          {"devs"},
			"member":      {aliceDN, brokenDN},
		})
		s.seed("cn=other,"+groupsBase, map[string][]string{
			"objectClass": {"groupOfNames", "top"},
			"cn":          {"other"},
			"member":      {bobDN, staleDN},
		})

		report, err := newTestReconciler(s).Reconcile(context.Background(),
			[]UserRecord{alice, bob, broken}, true)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed())

		// The broken record's membership in devs survives; a validation
		// defect must not revoke access. Groups only valid records
		// reference are still pruned.
		assert.ElementsMatch(t, []string{aliceDN, brokenDN}, s.attrs("cn=devs,"+groupsBase)["member"])
		assert.Equal(t, []string{bobDN}, s.attrs("cn=other,"+groupsBase)["member"])

		for _, res := range report.Results {
			assert.NotEqual(t, "group:devs", res.Key)
		}
	})

	t.Run("enabled removes unmanaged memberships", func(t *testing.T) {
		s, alice, aliceDN, staleDN := seedConverged()
		report, err := newTestReconciler(s).Reconcile(context.Background(), []UserRecord{alice}, true)
		require.NoError(t, err)
		require.NoError(t, report.Err())

		res := resultFor(t, report, "group:devs")
		assert.Equal(t, plan.OutcomeSucceeded, res.Outcome)
		assert.Equal(t, 1, res.Applied)

		assert.Equal(t, []string{aliceDN}, s.attrs("cn=devs,"+groupsBase)["member"])
		assert.NotContains(t, s.attrs("cn=devs,"+groupsBase)["member"], staleDN)
	})
}
