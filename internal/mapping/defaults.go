package mapping

import (
	"github.com/isometry/dirsync/internal/changes"
)

// FeaturePasswordHistory enables propagation of the password history length.
const FeaturePasswordHistory = "password_history"

// DomainUsersRID is the primary group of new AD users.
const DomainUsersRID = "513"

// Rule names of DefaultRules.
const (
	RuleDomain    = "domain"
	RuleUser      = "user"
	RuleGroup     = "group"
	RuleContainer = "container"
)

// DefaultRules returns the built-in rule set in lookup order. Each call
// returns fresh rules that may be configured independently.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:          RuleDomain,
			Applies:       Classes([]string{"sambaDomain"}, []string{"domainDNS"}),
			Anchor:        &Anchor{LDAPFilter: "(objectClass=sambaDomain)"},
			DisableDelete: true,
			Attributes: []AttributeMapping{
				{LDAP: "sambaMaxPwdAge", AD: "maxPwdAge", Forward: SecondsToInterval, Reverse: IntervalToSeconds},
				{LDAP: "sambaMinPwdAge", AD: "minPwdAge", Forward: SecondsToInterval, Reverse: IntervalToSeconds},
				{LDAP: "sambaMinPwdLength", AD: "minPwdLength", Forward: Integer, Reverse: Integer},
				{LDAP: "sambaPwdHistoryLength", AD: "pwdHistoryLength", Forward: Integer, Reverse: Integer, Toggle: FeaturePasswordHistory},
				{LDAP: "sambaLockoutDuration", AD: "lockoutDuration", Forward: MinutesToInterval, Reverse: IntervalToMinutes},
			},
		},
		{
			Name:        RuleUser,
			Applies:     Without(Classes([]string{"person"}, []string{"user"}), changes.SideAD, "computer"),
			LDAPClasses: []string{"top", "person", "organizationalPerson", "inetOrgPerson"},
			ADClasses:   []string{"top", "person", "organizationalPerson", "user"},
			LDAPNaming:  "uid",
			ADNaming:    "CN",
			Attributes: []AttributeMapping{
				{LDAP: "uid", AD: "sAMAccountName", Required: true, CaseInsensitive: true},
				{LDAP: "givenName", AD: "givenName"},
				{LDAP: "sn", AD: "sn"},
				{LDAP: "displayName", AD: "displayName"},
				{LDAP: "mail", AD: "mail", CaseInsensitive: true},
				{LDAP: "description", AD: "description"},
				{LDAP: "telephoneNumber", AD: "telephoneNumber"},
				{LDAP: "sambaRID", AD: "objectSid", Forward: RIDToSID, Reverse: SIDToRID, ImmutableOn: changes.SideAD},
				{LDAP: "sambaPrimaryGroupRID", AD: "primaryGroupID", Forward: Default(DomainUsersRID, Integer), Reverse: Integer},
				{LDAP: "shadowExpire", AD: "accountExpires", Forward: DaysToFileTime, Reverse: FileTimeToDays},
			},
		},
		{
			Name:        RuleGroup,
			Applies:     Classes([]string{"posixGroup", "groupOfNames"}, []string{"group"}),
			LDAPClasses: []string{"top", "groupOfNames"},
			ADClasses:   []string{"top", "group"},
			LDAPNaming:  "cn",
			ADNaming:    "CN",
			Attributes: []AttributeMapping{
				{LDAP: "cn", AD: "sAMAccountName", Required: true, CaseInsensitive: true},
				{LDAP: "description", AD: "description"},
				{LDAP: "member", AD: "member", DN: true},
				{LDAP: "sambaRID", AD: "objectSid", Forward: RIDToSID, Reverse: SIDToRID, ImmutableOn: changes.SideAD},
			},
		},
		{
			Name:        RuleContainer,
			Applies:     Classes([]string{"organizationalUnit"}, []string{"organizationalUnit"}),
			LDAPClasses: []string{"top", "organizationalUnit"},
			ADClasses:   []string{"top", "organizationalUnit"},
			LDAPNaming:  "ou",
			ADNaming:    "OU",
			Attributes: []AttributeMapping{
				{LDAP: "description", AD: "description"},
			},
		},
	}
}

// DefaultRegistry returns a registry of DefaultRules.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultRules()...)
	if err != nil {
		panic(err)
	}
	return r
}
