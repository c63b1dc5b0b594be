package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirsync/internal/attrs"
	"github.com/isometry/dirsync/internal/changes"
	"github.com/isometry/dirsync/internal/identity"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/ldap/ldaptest"
	"github.com/isometry/dirsync/internal/syncerr"
)

const (
	ldapBase  = "dc=example,dc=com"
	adBase    = "DC=example,DC=com"
	domainSID = "S-1-5-21-1004336348-1177238915-682003330"
)

type lockKey struct {
	side changes.Side
	dn   string
}

type memLocks map[lockKey]bool

func (m memLocks) Lock(_ context.Context, side changes.Side, dn string) error {
	m[lockKey{side, dirldap.CanonicalDN(dn)}] = true
	return nil
}

func (m memLocks) Unlock(_ context.Context, side changes.Side, dn string) error {
	delete(m, lockKey{side, dirldap.CanonicalDN(dn)})
	return nil
}

func (m memLocks) has(side changes.Side, dn string) bool {
	return m[lockKey{side, dirldap.CanonicalDN(dn)}]
}

type memPairs struct {
	toAD   map[string]string
	toLDAP map[string]string
}

func newMemPairs() *memPairs {
	return &memPairs{toAD: map[string]string{}, toLDAP: map[string]string{}}
}

func (m *memPairs) Pair(ctx context.Context, ldapDN, adDN string) error {
	_ = m.Forget(ctx, changes.SideLDAP, ldapDN)
	_ = m.Forget(ctx, changes.SideAD, adDN)
	m.toAD[dirldap.CanonicalDN(ldapDN)] = adDN
	m.toLDAP[dirldap.CanonicalDN(adDN)] = ldapDN
	return nil
}

func (m *memPairs) Partner(_ context.Context, side changes.Side, dn string) (string, error) {
	if side == changes.SideAD {
		return m.toLDAP[dirldap.CanonicalDN(dn)], nil
	}
	return m.toAD[dirldap.CanonicalDN(dn)], nil
}

func (m *memPairs) Forget(_ context.Context, side changes.Side, dn string) error {
	from, to := m.toAD, m.toLDAP
	if side == changes.SideAD {
		from, to = m.toLDAP, m.toAD
	}
	if partner, ok := from[dirldap.CanonicalDN(dn)]; ok {
		delete(to, dirldap.CanonicalDN(partner))
		delete(from, dirldap.CanonicalDN(dn))
	}
	return nil
}

type testEnv struct {
	ldap  *ldaptest.Directory
	ad    *ldaptest.Directory
	locks memLocks
	pairs *memPairs
	rules *Registry
	pipe  *Pipeline
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	sid, err := identity.ParseSID(domainSID)
	require.NoError(t, err)

	env := &testEnv{
		ldap:  ldaptest.New(ldaptest.FlavorLDAP, ldapBase),
		ad:    ldaptest.New(ldaptest.FlavorAD, adBase, ldaptest.WithDomainSID(sid.Bytes())),
		locks: memLocks{},
		pairs: newMemPairs(),
		rules: DefaultRegistry(),
	}
	ids, err := identity.NewMapper(identity.NewDirectoryResolver(env.ad, adBase), nil)
	require.NoError(t, err)

	cfg.LDAPBase, cfg.ADBase = ldapBase, adBase
	env.pipe = New(cfg, env.rules, env.ldap, env.ad,
		WithLocker(env.locks), WithDNPairs(env.pairs), WithIdentityMapper(ids))
	return env
}

func (e *testEnv) object(side changes.Side, dn string, ct changes.ChangeType) *changes.SyncObject {
	d := e.ldap
	if side == changes.SideAD {
		d = e.ad
	}
	return &changes.SyncObject{Identity: d.DN(dn), Side: side, ChangeType: ct, Attributes: d.Entry(dn)}
}

func (e *testEnv) sync(t *testing.T, obj *changes.SyncObject) *Plan {
	t.Helper()
	plan, err := e.pipe.Plan(context.Background(), obj)
	require.NoError(t, err)
	require.NoError(t, e.pipe.Apply(context.Background(), plan))
	return plan
}

func TestScenarioA_PasswordAge(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ldap.MustModify(t, ldapBase, map[string][]string{
		"objectClass":    {"top", "domain", "sambaDomain"},
		"sambaMaxPwdAge": {"5"},
	})

	plan := env.sync(t, env.object(changes.SideLDAP, ldapBase, changes.ChangeModify))
	assert.Equal(t, OpModify, plan.Op)
	assert.Equal(t, RuleDomain, plan.Rule.Name)
	assert.Equal(t, adBase, plan.DN)
	assert.Equal(t, "-50000000", env.ad.Entry(adBase).String("maxPwdAge"))

	env.ad.MustModify(t, adBase, map[string][]string{"maxPwdAge": {"-70000000"}})
	env.sync(t, env.object(changes.SideAD, adBase, changes.ChangeModify))
	assert.Equal(t, "7", env.ldap.Entry(ldapBase).String("sambaMaxPwdAge"))

	env.ad.MustModify(t, adBase, map[string][]string{"maxPwdAge": {"-50000000"}})
	env.sync(t, env.object(changes.SideAD, adBase, changes.ChangeModify))
	assert.Equal(t, "5", env.ldap.Entry(ldapBase).String("sambaMaxPwdAge"))

	plan = env.sync(t, env.object(changes.SideLDAP, ldapBase, changes.ChangeModify))
	assert.Equal(t, OpNone, plan.Op, "the round trip settles")
}

func TestScenarioA_SambaDomainEntry(t *testing.T) {
	env := newTestEnv(t, Config{})
	domainDN := "sambaDomainName=EXAMPLE," + ldapBase
	env.ldap.MustAdd(t, domainDN, map[string][]string{
		"objectClass":     {"sambaDomain"},
		"sambaDomainName": {"EXAMPLE"},
		"sambaSID":        {domainSID},
		"sambaMaxPwdAge":  {"5"},
	})

	plan := env.sync(t, env.object(changes.SideLDAP, domainDN, changes.ChangeModify))
	require.Equal(t, OpModify, plan.Op, plan.Reason)
	assert.Equal(t, adBase, plan.DN)
	assert.Equal(t, "-50000000", env.ad.Entry(adBase).String("maxPwdAge"))

	env.ad.MustModify(t, adBase, map[string][]string{"maxPwdAge": {"-70000000"}})
	plan = env.sync(t, env.object(changes.SideAD, adBase, changes.ChangeModify))
	require.Equal(t, OpModify, plan.Op, plan.Reason)
	assert.Equal(t, domainDN, plan.DN)
	assert.Equal(t, "7", env.ldap.Entry(domainDN).String("sambaMaxPwdAge"))
	assert.False(t, env.ldap.Entry(ldapBase).Has("sambaMaxPwdAge"), "the naming context is left alone")

	t.Run("other samba domains are not synchronized", func(t *testing.T) {
		other := "sambaDomainName=TRUSTED,ou=trusts," + ldapBase
		env.ldap.MustAdd(t, "ou=trusts,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
		env.ldap.MustAdd(t, other, map[string][]string{
			"objectClass":    {"sambaDomain"},
			"sambaMaxPwdAge": {"99"},
		})
		plan := env.sync(t, env.object(changes.SideLDAP, other, changes.ChangeModify))
		assert.Equal(t, OpNone, plan.Op)
		assert.Equal(t, "-70000000", env.ad.Entry(adBase).String("maxPwdAge"))
	})
}

func TestScenarioA_NoSambaDomain(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ad.MustModify(t, adBase, map[string][]string{"maxPwdAge": {"-70000000"}})

	plan := env.sync(t, env.object(changes.SideAD, adBase, changes.ChangeModify))
	assert.Equal(t, OpNone, plan.Op)
	assert.Contains(t, plan.Reason, "sambaDomain")
	assert.False(t, env.ldap.Entry(ldapBase).Has("sambaMaxPwdAge"))
}

func TestPasswordHistoryToggle(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		env := newTestEnv(t, Config{Features: map[string]bool{FeaturePasswordHistory: enabled}})
		env.ldap.MustModify(t, ldapBase, map[string][]string{
			"objectClass":           {"top", "domain", "sambaDomain"},
			"sambaPwdHistoryLength": {"24"},
		})
		env.sync(t, env.object(changes.SideLDAP, ldapBase, changes.ChangeModify))

		got := env.ad.Entry(adBase).String("pwdHistoryLength")
		if enabled {
			assert.Equal(t, "24", got)
		} else {
			assert.Empty(t, got)
		}
	}
}

func addLDAPUser(t *testing.T, env *testEnv, uid string, extra map[string][]string) string {
	t.Helper()
	dn := "uid=" + uid + ",ou=people," + ldapBase
	values := map[string][]string{
		"objectClass": {"top", "person", "inetOrgPerson"},
		"sn":          {uid},
	}
	for k, v := range extra {
		values[k] = v
	}
	env.ldap.MustAdd(t, dn, values)
	return dn
}

func TestPipeline_CreateUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ldap.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	env.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	dn := addLDAPUser(t, env, "ada", map[string][]string{"sambaRID": {"1104"}, "mail": {"ada@example.com"}})

	plan := env.sync(t, env.object(changes.SideLDAP, dn, changes.ChangeCreate))
	require.Equal(t, OpAdd, plan.Op)
	adDN := "CN=ada,OU=people," + adBase
	assert.True(t, dirldap.EqualDN(adDN, plan.DN))

	entry := env.ad.Entry(adDN)
	require.NotNil(t, entry)
	assert.Equal(t, "ada", entry.String("sAMAccountName"))
	assert.Equal(t, "ada@example.com", entry.String("mail"))
	assert.Equal(t, DomainUsersRID, entry.String("primaryGroupID"))
	assert.Equal(t, "0", entry.String("accountExpires"))
	assert.True(t, entry.HasObjectClass("user"))

	sid, err := identity.DecodeSID(entry.First("objectSid"))
	require.NoError(t, err)
	assert.Equal(t, domainSID+"-1104", sid.String())

	assert.True(t, env.locks.has(changes.SideAD, adDN), "the write is locked for echo suppression")
	partner, _ := env.pairs.Partner(context.Background(), changes.SideLDAP, dn)
	assert.True(t, dirldap.EqualDN(adDN, partner))

	t.Run("idempotent", func(t *testing.T) {
		writes := env.ad.Writes()
		for range 2 {
			plan := env.sync(t, env.object(changes.SideLDAP, dn, changes.ChangeCreate))
			assert.Equal(t, OpNone, plan.Op, plan.Reason)
		}
		assert.Equal(t, writes, env.ad.Writes())
	})

	t.Run("reverse mapping is stable", func(t *testing.T) {
		plan := env.sync(t, env.object(changes.SideAD, adDN, changes.ChangeModify))
		assert.Equal(t, OpModify, plan.Op)
		assert.Equal(t, "1104", env.ldap.Entry(dn).String("sambaRID"))

		plan = env.sync(t, env.object(changes.SideAD, adDN, changes.ChangeModify))
		assert.Equal(t, OpNone, plan.Op, plan.Reason)
		plan = env.sync(t, env.object(changes.SideLDAP, dn, changes.ChangeModify))
		assert.Equal(t, OpNone, plan.Op, plan.Reason)
	})

	t.Run("modify", func(t *testing.T) {
		env.ldap.MustModify(t, dn, map[string][]string{"mail": {"lovelace@example.com"}})
		plan := env.sync(t, env.object(changes.SideLDAP, dn, changes.ChangeModify))
		require.Equal(t, OpModify, plan.Op)
		require.Len(t, plan.Modify.Replace, 1)
		assert.Equal(t, "mail", plan.Modify.Replace[0].Type)
		assert.Equal(t, "lovelace@example.com", env.ad.Entry(adDN).String("mail"))
	})
}

func TestPipeline_CreateFromAD(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ldap.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	env.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})

	sid, _ := identity.ParseSID(domainSID)
	adDN := "CN=bob,OU=people," + adBase
	env.ad.MustAdd(t, adDN, map[string][]string{
		"objectClass":    {"top", "person", "organizationalPerson", "user"},
		"sAMAccountName": {"bob"},
		"objectSid":      {string(sid.Append(1200).Bytes())},
		"primaryGroupID": {"513"},
	})

	plan := env.sync(t, env.object(changes.SideAD, adDN, changes.ChangeCreate))
	require.Equal(t, OpAdd, plan.Op)
	ldapDN := "uid=bob,ou=people," + ldapBase
	entry := env.ldap.Entry(ldapDN)
	require.NotNil(t, entry)
	assert.Equal(t, "bob", entry.String("uid"))
	assert.Equal(t, "1200", entry.String("sambaRID"))
	assert.Equal(t, "513", entry.String("sambaPrimaryGroupRID"))
	assert.False(t, entry.Has("shadowExpire"))
	assert.True(t, env.locks.has(changes.SideLDAP, ldapDN))
}

func TestPipeline_MissingParentIsRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.ldap.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	dn := addLDAPUser(t, env, "ada", map[string][]string{"sambaRID": {"1104"}})
	obj := env.object(changes.SideLDAP, dn, changes.ChangeCreate)

	plan, err := env.pipe.Plan(ctx, obj)
	require.NoError(t, err)
	require.Equal(t, OpAdd, plan.Op)

	err = env.pipe.Apply(ctx, plan)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindConstraint, syncerr.Classify(err))
	assert.True(t, syncerr.Rejectable(err))
	assert.Empty(t, env.locks, "a failed write releases its lock")

	env.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	env.sync(t, obj)
	assert.True(t, env.ad.Exists("CN=ada,OU=people,"+adBase))
}

func TestPipeline_MappingErrorWritesNothing(t *testing.T) {
	tests := []struct {
		name      string
		values    map[string][]string
		attribute string
	}{
		{name: "invalid RID", values: map[string][]string{"uid": {"ada"}, "sambaRID": {"not-a-rid"}}, attribute: "sambaRID"},
		{name: "invalid expiry", values: map[string][]string{"uid": {"ada"}, "shadowExpire": {"soon"}}, attribute: "shadowExpire"},
		{name: "missing account name", values: map[string][]string{"cn": {"ada"}}, attribute: "uid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
			values := map[string][]string{"objectClass": {"person"}}
			for k, v := range tt.values {
				values[k] = v
			}
			obj := &changes.SyncObject{
				Identity:   "uid=ada,ou=people," + ldapBase,
				Side:       changes.SideLDAP,
				ChangeType: changes.ChangeCreate,
			}
			obj.Attributes = attrs.FromStrings(values)

			_, err := env.pipe.Plan(context.Background(), obj)
			require.Error(t, err)
			var mappingErr *syncerr.MappingError
			require.ErrorAs(t, err, &mappingErr)
			assert.Equal(t, tt.attribute, mappingErr.Attribute)
			assert.Equal(t, RuleUser, mappingErr.Rule)
			assert.True(t, syncerr.Rejectable(err))
			assert.Equal(t, 1, env.ad.Writes(), "only the fixture was written")
		})
	}
}

func TestPipeline_Skips(t *testing.T) {
	yes := true
	tests := []struct {
		name      string
		cfg       Config
		overrides map[string]Override
		dn        string
		values    map[string][]string
		change    changes.ChangeType
		reason    string
	}{
		{
			name:   "ignored subtree",
			cfg:    Config{IgnoreSubtrees: []string{"ou=system," + ldapBase}},
			dn:     "uid=svc,ou=system," + ldapBase,
			reason: "ignored subtree",
		},
		{
			name:      "read mode ignores LDAP changes",
			overrides: map[string]Override{RuleUser: {SyncMode: "read"}},
			dn:        "uid=ada,ou=people," + ldapBase,
			reason:    "read mode",
		},
		{
			name:      "ignore filter",
			overrides: map[string]Override{RuleUser: {IgnoreFilter: "(uid=svc-*)"}},
			dn:        "uid=svc-backup,ou=people," + ldapBase,
			reason:    "ignore filter",
		},
		{
			name:      "match filter",
			overrides: map[string]Override{RuleUser: {MatchFilter: "(mail=*)"}},
			dn:        "uid=ada,ou=people," + ldapBase,
			reason:    "does not match",
		},
		{
			name:      "delete disabled",
			overrides: map[string]Override{RuleUser: {DisableDelete: &yes}},
			dn:        "uid=ada,ou=people," + ldapBase,
			change:    changes.ChangeDelete,
			reason:    "deletes are disabled",
		},
		{
			name:   "delete of an absent target",
			dn:     "uid=ada,ou=people," + ldapBase,
			change: changes.ChangeDelete,
			reason: "already absent",
		},
		{
			name:   "no rule",
			dn:     "cn=printer," + ldapBase,
			values: map[string][]string{"objectClass": {"device"}},
			reason: "no mapping rule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.cfg)
			require.NoError(t, env.rules.Configure(tt.overrides))

			values := tt.values
			if values == nil {
				_, rdn, _, _ := dirldap.SplitRDN(tt.dn)
				values = map[string][]string{"objectClass": {"person"}, "uid": {rdn}}
			}
			change := tt.change
			if change == "" {
				change = changes.ChangeCreate
			}
			obj := &changes.SyncObject{Identity: tt.dn, Side: changes.SideLDAP, ChangeType: change, Attributes: attrs.FromStrings(values)}

			plan, err := env.pipe.Plan(context.Background(), obj)
			require.NoError(t, err)
			assert.Equal(t, OpNone, plan.Op)
			assert.Contains(t, plan.Reason, tt.reason)
			assert.NoError(t, env.pipe.Apply(context.Background(), plan))
			assert.Zero(t, env.ad.Writes())
		})
	}
}

func TestPipeline_Rename(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ldap.MustAdd(t, "ou=people,"+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	env.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	dn := addLDAPUser(t, env, "ada", nil)
	env.sync(t, env.object(changes.SideLDAP, dn, changes.ChangeCreate))

	env.ldap.MustMove(t, dn, "uid=lovelace", "")
	newDN := "uid=lovelace,ou=people," + ldapBase
	obj := env.object(changes.SideLDAP, newDN, changes.ChangeRename)
	obj.OldIdentity = dn

	plan := env.sync(t, obj)
	require.Equal(t, OpRename, plan.Op)
	assert.True(t, dirldap.EqualDN("CN=ada,OU=people,"+adBase, plan.OldDN))

	assert.False(t, env.ad.Exists("CN=ada,OU=people,"+adBase))
	entry := env.ad.Entry("CN=lovelace,OU=people," + adBase)
	require.NotNil(t, entry)
	assert.Equal(t, "lovelace", entry.String("sAMAccountName"))

	partner, _ := env.pairs.Partner(context.Background(), changes.SideLDAP, newDN)
	assert.True(t, dirldap.EqualDN("CN=lovelace,OU=people,"+adBase, partner))
	old, _ := env.pairs.Partner(context.Background(), changes.SideLDAP, dn)
	assert.Empty(t, old)

	t.Run("source gone, destination present", func(t *testing.T) {
		plan, err := env.pipe.Plan(context.Background(), obj)
		require.NoError(t, err)
		assert.Equal(t, OpNone, plan.Op, "a replayed rename is a no-op")
	})
}

func TestPipeline_DeleteSubtree(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, dn := range []string{"OU=people", "CN=ada,OU=people", "OU=sub,OU=people", "CN=bob,OU=sub,OU=people"} {
		classes := []string{"organizationalUnit"}
		if dn[:3] == "CN=" {
			classes = []string{"user"}
		}
		env.ad.MustAdd(t, dn+","+adBase, map[string][]string{"objectClass": classes})
	}

	obj := &changes.SyncObject{
		Identity:   "ou=people," + ldapBase,
		Side:       changes.SideLDAP,
		ChangeType: changes.ChangeDelete,
		Attributes: attrs.FromStrings(map[string][]string{"objectClass": {"organizationalUnit"}}),
	}
	plan := env.sync(t, obj)
	assert.Equal(t, OpDelete, plan.Op)

	for _, dn := range []string{"OU=people", "CN=ada,OU=people", "OU=sub,OU=people", "CN=bob,OU=sub,OU=people"} {
		assert.False(t, env.ad.Exists(dn+","+adBase), dn)
		assert.True(t, env.locks.has(changes.SideAD, dn+","+adBase), dn)
	}
}

func TestPipeline_DeleteWithoutRecordedValues(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ad.MustAdd(t, "OU=people,"+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	adDN := "CN=ada,OU=people," + adBase
	env.ad.MustAdd(t, adDN, map[string][]string{"objectClass": {"top", "person", "organizationalPerson", "user"}})

	deleted := func(dn string) *changes.SyncObject {
		return &changes.SyncObject{Identity: dn, Side: changes.SideLDAP, ChangeType: changes.ChangeDelete, Attributes: attrs.New()}
	}

	t.Run("rule comes from the partner entry", func(t *testing.T) {
		plan := env.sync(t, deleted("uid=ada,ou=people,"+ldapBase))
		require.Equal(t, OpDelete, plan.Op, plan.Reason)
		assert.Equal(t, RuleUser, plan.Rule.Name)
		assert.True(t, dirldap.EqualDN(adDN, plan.DN))
		assert.False(t, env.ad.Exists(adDN))
	})

	t.Run("no partner", func(t *testing.T) {
		plan := env.sync(t, deleted("uid=nobody,ou=people,"+ldapBase))
		assert.Equal(t, OpNone, plan.Op)
	})

	t.Run("outside the tree", func(t *testing.T) {
		plan := env.sync(t, deleted("uid=ada,dc=elsewhere"))
		assert.Equal(t, OpNone, plan.Op)
	})
}

func TestPipeline_GroupMembers(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, ou := range []string{"people", "groups"} {
		env.ldap.MustAdd(t, "ou="+ou+","+ldapBase, map[string][]string{"objectClass": {"organizationalUnit"}})
		env.ad.MustAdd(t, "OU="+ou+","+adBase, map[string][]string{"objectClass": {"organizationalUnit"}})
	}
	ada := addLDAPUser(t, env, "ada", nil)
	env.sync(t, env.object(changes.SideLDAP, ada, changes.ChangeCreate))

	group := "cn=staff,ou=groups," + ldapBase
	env.ldap.MustAdd(t, group, map[string][]string{
		"objectClass": {"groupOfNames"},
		"member":      {ada, "uid=bob,ou=people," + ldapBase, "uid=eve,dc=elsewhere"},
	})

	plan := env.sync(t, env.object(changes.SideLDAP, group, changes.ChangeCreate))
	require.Equal(t, OpAdd, plan.Op)

	members := env.ad.Entry("CN=staff,OU=groups," + adBase).Strings("member")
	require.Len(t, members, 2, "members outside the tree are dropped")
	assert.True(t, dirldap.EqualDN("CN=ada,OU=people,"+adBase, members[0]))
	assert.True(t, dirldap.EqualDN("CN=bob,OU=people,"+adBase, members[1]), "unpaired users are named by the user rule")
	assert.Equal(t, "staff", env.ad.Entry("CN=staff,OU=groups,"+adBase).String("sAMAccountName"))
}
