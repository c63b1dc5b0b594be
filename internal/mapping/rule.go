package mapping

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/isometry/dirsync/internal/changes"
	"github.com/isometry/dirsync/internal/filter"
	dirldap "github.com/isometry/dirsync/internal/ldap"
)

// SyncMode gates the directions a rule propagates.
type SyncMode string

const (
	SyncBoth SyncMode = "sync"
	// SyncWrite propagates LDAP to AD only.
	SyncWrite SyncMode = "write"
	// SyncRead propagates AD to LDAP only.
	SyncRead SyncMode = "read"
	SyncNone SyncMode = "none"
)

// ParseSyncMode parses a sync mode; the empty string means SyncBoth.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SyncBoth, nil
	case SyncBoth, SyncWrite, SyncRead, SyncNone:
		return m, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

// Allows reports whether changes read from side may propagate.
func (m SyncMode) Allows(from changes.Side) bool {
	switch m {
	case SyncBoth, "":
		return true
	case SyncWrite:
		return from == changes.SideLDAP
	case SyncRead:
		return from == changes.SideAD
	default:
		return false
	}
}

// Predicate decides whether a rule applies to an object with the given
// lower-cased object classes, read from side.
type Predicate func(side changes.Side, classes mapset.Set[string]) bool

// Classes matches objects carrying any of ldapClasses on the LDAP side or
// any of adClasses on the AD side.
func Classes(ldapClasses, adClasses []string) Predicate {
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, c := range in {
			out[i] = strings.ToLower(c)
		}
		return out
	}
	l, a := lower(ldapClasses), lower(adClasses)
	return func(side changes.Side, classes mapset.Set[string]) bool {
		wanted := l
		if side == changes.SideAD {
			wanted = a
		}
		for _, c := range wanted {
			if classes.Contains(c) {
				return true
			}
		}
		return false
	}
}

// Without narrows p to objects carrying none of the given classes.
func Without(p Predicate, side changes.Side, excluded ...string) Predicate {
	return func(s changes.Side, classes mapset.Set[string]) bool {
		if s == side {
			for _, c := range excluded {
				if classes.Contains(strings.ToLower(c)) {
					return false
				}
			}
		}
		return p(s, classes)
	}
}

// AttributeMapping maps one LDAP attribute to one AD attribute.
type AttributeMapping struct {
	LDAP string
	AD   string

	// Forward converts LDAP values to AD values, Reverse the other way.
	// Nil copies values unchanged.
	Forward ValueFunc
	Reverse ValueFunc

	// Required makes a missing source value a mapping error.
	Required bool
	// CaseInsensitive compares target values without regard to case.
	CaseInsensitive bool
	// DN marks DN-valued attributes; values are mapped between the trees.
	DN bool
	// ImmutableOn names the side where the attribute can only be written
	// when the object is created.
	ImmutableOn changes.Side
	// Table translates values after the transform, LDAP value first.
	Table [][2]string
	// Toggle names the feature flag that enables this mapping. Empty means
	// always enabled.
	Toggle string
}

// Source returns the attribute name on side.
func (m *AttributeMapping) Source(side changes.Side) string {
	if side == changes.SideAD {
		return m.AD
	}
	return m.LDAP
}

// Target returns the attribute name on the side opposite to from.
func (m *AttributeMapping) Target(from changes.Side) string {
	return m.Source(from.Other())
}

func (m *AttributeMapping) transform(from changes.Side) ValueFunc {
	if from == changes.SideAD {
		return m.Reverse
	}
	return m.Forward
}

// translate applies the value table in the direction of propagation.
func (m *AttributeMapping) translate(from changes.Side, values [][]byte) [][]byte {
	if len(m.Table) == 0 {
		return values
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = v
		for _, pair := range m.Table {
			src, dst := pair[0], pair[1]
			if from == changes.SideAD {
				src, dst = dst, src
			}
			if strings.EqualFold(string(v), src) {
				out[i] = []byte(dst)
				break
			}
		}
	}
	return out
}

// Rule is the mapping of one object type between the two directories.
type Rule struct {
	Name    string
	Applies Predicate

	// LDAPClasses and ADClasses are the objectClass values written when the
	// object is created on that side.
	LDAPClasses []string
	ADClasses   []string

	// LDAPNaming and ADNaming are the RDN attribute types on each side, for
	// example "uid" and "CN" for users. Empty keeps the source RDN type.
	LDAPNaming string
	ADNaming   string

	Attributes []AttributeMapping

	SyncMode       SyncMode
	DisableDelete  bool
	IgnoreSubtrees []string
	// IgnoreFilter excludes matching objects; MatchFilter excludes objects
	// that do not match. Both are evaluated against the source attributes.
	IgnoreFilter *filter.Filter
	MatchFilter  *filter.Filter
	// Positions map containers between the trees before the global bases.
	Positions []Position
	// Anchor pins the rule to a single entry per side.
	Anchor *Anchor
}

// Anchor locates the one entry an anchored rule owns on each side. A
// filter selects the first matching entry under the side's base; a side
// without a filter uses the base itself.
type Anchor struct {
	LDAPFilter string
	ADFilter   string
}

func (a *Anchor) filter(side changes.Side) string {
	if side == changes.SideAD {
		return a.ADFilter
	}
	return a.LDAPFilter
}

// Classes returns the objectClass values for creating the object on side.
func (r *Rule) Classes(side changes.Side) []string {
	if side == changes.SideAD {
		return r.ADClasses
	}
	return r.LDAPClasses
}

// Naming returns the RDN attribute type on side.
func (r *Rule) Naming(side changes.Side) string {
	if side == changes.SideAD {
		return r.ADNaming
	}
	return r.LDAPNaming
}

// Ignores reports why obj is excluded from this rule, or "".
func (r *Rule) Ignores(obj *changes.SyncObject) string {
	if reason := r.ignoredSubtree(obj.Identity); reason != "" {
		return reason
	}
	bag := obj.Attrs()
	if r.IgnoreFilter != nil && r.IgnoreFilter.Match(bag) {
		return "matches ignore filter " + r.IgnoreFilter.String()
	}
	if r.MatchFilter != nil && !r.MatchFilter.Match(bag) {
		return "does not match filter " + r.MatchFilter.String()
	}
	return ""
}

func (r *Rule) ignoredSubtree(dn string) string {
	for _, subtree := range r.IgnoreSubtrees {
		if dirldap.IsUnderBase(dn, subtree) {
			return "ignored subtree " + subtree
		}
	}
	return ""
}

// targetNames returns the attribute names written on the side opposite to
// from.
func (r *Rule) targetNames(from changes.Side) []string {
	names := make([]string, 0, len(r.Attributes)+1)
	names = append(names, "objectClass")
	for i := range r.Attributes {
		names = append(names, r.Attributes[i].Target(from))
	}
	return names
}

// Override adjusts a registered rule from configuration. Zero fields leave
// the rule unchanged.
type Override struct {
	SyncMode       string
	DisableDelete  *bool
	IgnoreFilter   string
	MatchFilter    string
	IgnoreSubtrees []string
	// Positions are tried before the base mapping, in order.
	Positions []Position
}

func (o Override) apply(r *Rule) error {
	if o.SyncMode != "" {
		mode, err := ParseSyncMode(o.SyncMode)
		if err != nil {
			return err
		}
		r.SyncMode = mode
	}
	if o.DisableDelete != nil {
		r.DisableDelete = *o.DisableDelete
	}
	if o.IgnoreFilter != "" {
		f, err := filter.Compile(o.IgnoreFilter)
		if err != nil {
			return fmt.Errorf("ignore_filter: %w", err)
		}
		r.IgnoreFilter = f
	}
	if o.MatchFilter != "" {
		f, err := filter.Compile(o.MatchFilter)
		if err != nil {
			return fmt.Errorf("match_filter: %w", err)
		}
		r.MatchFilter = f
	}
	r.IgnoreSubtrees = append(r.IgnoreSubtrees, o.IgnoreSubtrees...)
	r.Positions = append(r.Positions, o.Positions...)
	return nil
}
