package mapping

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirsync/internal/attrs"
	"github.com/isometry/dirsync/internal/changes"
)

func TestRegistry_Lookup(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		name    string
		side    changes.Side
		classes []string
		want    string
	}{
		{name: "ldap person", side: changes.SideLDAP, classes: []string{"top", "inetOrgPerson", "person"}, want: RuleUser},
		{name: "ad user", side: changes.SideAD, classes: []string{"top", "person", "organizationalPerson", "user"}, want: RuleUser},
		{name: "ad computer", side: changes.SideAD, classes: []string{"top", "person", "user", "computer"}},
		{name: "ldap group", side: changes.SideLDAP, classes: []string{"posixGroup"}, want: RuleGroup},
		{name: "ad group", side: changes.SideAD, classes: []string{"top", "group"}, want: RuleGroup},
		{name: "ldap domain", side: changes.SideLDAP, classes: []string{"sambaDomain"}, want: RuleDomain},
		{name: "ad domain", side: changes.SideAD, classes: []string{"top", "domain", "domainDNS"}, want: RuleDomain},
		{name: "ou", side: changes.SideLDAP, classes: []string{"organizationalUnit"}, want: RuleContainer},
		{name: "class names fold case", side: changes.SideLDAP, classes: []string{"ORGANIZATIONALUNIT"}, want: RuleContainer},
		{name: "ad classes do not match ldap objects", side: changes.SideLDAP, classes: []string{"user"}},
		{name: "unknown", side: changes.SideAD, classes: []string{"printQueue"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := &changes.SyncObject{
				Side:       tt.side,
				Attributes: attrs.FromStrings(map[string][]string{"objectClass": tt.classes}),
			}
			rule := reg.Lookup(obj)
			if tt.want == "" {
				assert.Nil(t, rule)
				return
			}
			require.NotNil(t, rule)
			assert.Equal(t, tt.want, rule.Name)
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	always := func(changes.Side, mapset.Set[string]) bool { return true }
	require.NoError(t, reg.Register(&Rule{Name: "first", Applies: always}))
	assert.Equal(t, SyncBoth, reg.Get("FIRST").SyncMode)

	assert.Error(t, reg.Register(&Rule{Name: "First", Applies: always}), "names are unique")
	assert.Error(t, reg.Register(&Rule{Applies: always}))
	assert.Error(t, reg.Register(&Rule{Name: "second"}))
	assert.Error(t, reg.Register(nil))

	require.NoError(t, reg.Register(&Rule{Name: "second", Applies: always}))
	obj := &changes.SyncObject{Side: changes.SideAD}
	assert.Equal(t, "first", reg.Lookup(obj).Name, "the first matching rule wins")
}

func TestRegistry_Configure(t *testing.T) {
	no := false

	t.Run("applies overrides", func(t *testing.T) {
		reg := DefaultRegistry()
		err := reg.Configure(map[string]Override{
			"domain": {SyncMode: "WRITE", DisableDelete: &no},
			"user": {
				IgnoreFilter:   "(uid=svc-*)",
				MatchFilter:    "(mail=*)",
				IgnoreSubtrees: []string{"ou=system,dc=example,dc=com"},
				Positions:      []Position{{LDAP: "ou=staff,dc=example,dc=com", AD: "OU=Staff,DC=example,DC=com"}},
			},
		})
		require.NoError(t, err)

		domain := reg.Get(RuleDomain)
		assert.Equal(t, SyncWrite, domain.SyncMode)
		assert.False(t, domain.DisableDelete)

		user := reg.Get(RuleUser)
		require.NotNil(t, user.IgnoreFilter)
		require.NotNil(t, user.MatchFilter)
		assert.Len(t, user.IgnoreSubtrees, 1)
		assert.Len(t, user.Positions, 1)

		obj := &changes.SyncObject{
			Identity:   "uid=svc-backup,ou=people,dc=example,dc=com",
			Attributes: attrs.FromStrings(map[string][]string{"uid": {"svc-backup"}, "mail": {"b@example.com"}}),
		}
		assert.Contains(t, user.Ignores(obj), "ignore filter")
	})

	t.Run("defaults are independent", func(t *testing.T) {
		assert.Equal(t, SyncBoth, DefaultRegistry().Get(RuleDomain).SyncMode)
	})

	tests := []struct {
		name      string
		overrides map[string]Override
	}{
		{name: "unknown rule", overrides: map[string]Override{"printer": {}}},
		{name: "bad sync mode", overrides: map[string]Override{"user": {SyncMode: "sideways"}}},
		{name: "bad ignore filter", overrides: map[string]Override{"user": {IgnoreFilter: "uid=("}}},
		{name: "bad match filter", overrides: map[string]Override{"group": {MatchFilter: "(&(cn=x)"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, DefaultRegistry().Configure(tt.overrides))
		})
	}
}

func TestSyncMode(t *testing.T) {
	tests := []struct {
		mode     SyncMode
		fromLDAP bool
		fromAD   bool
	}{
		{SyncBoth, true, true},
		{SyncWrite, true, false},
		{SyncRead, false, true},
		{SyncNone, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			parsed, err := ParseSyncMode(" " + string(tt.mode) + " ")
			require.NoError(t, err)
			assert.Equal(t, tt.mode, parsed)
			assert.Equal(t, tt.fromLDAP, tt.mode.Allows(changes.SideLDAP))
			assert.Equal(t, tt.fromAD, tt.mode.Allows(changes.SideAD))
		})
	}

	mode, err := ParseSyncMode("")
	require.NoError(t, err)
	assert.Equal(t, SyncBoth, mode)
}

func TestAttributeMapping_Table(t *testing.T) {
	m := AttributeMapping{LDAP: "employeeType", AD: "employeeType", Table: [][2]string{{"staff", "Employee"}, {"extern", "Contractor"}}}

	assert.Equal(t, values("Employee", "other"), m.translate(changes.SideLDAP, values("STAFF", "other")))
	assert.Equal(t, values("extern"), m.translate(changes.SideAD, values("contractor")))
}
