package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/isometry/dirsync/internal/changes"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/syncerr"
)

var (
	errOutsideTree = errors.New("outside the synchronized tree")
	errNotAnchor   = errors.New("not the anchor entry")
)

// Position pairs a container on the LDAP side with one on the AD side.
type Position struct {
	LDAP string `mapstructure:"ldap" yaml:"ldap"`
	AD   string `mapstructure:"ad" yaml:"ad"`
}

func (p Position) from(side changes.Side) (src, dst string) {
	if side == changes.SideAD {
		return p.AD, p.LDAP
	}
	return p.LDAP, p.AD
}

// DNPairs records which DNs were last written as partners of each other.
// state.DNMap implements it.
type DNPairs interface {
	Pair(ctx context.Context, ldapDN, adDN string) error
	Partner(ctx context.Context, side changes.Side, dn string) (string, error)
	Forget(ctx context.Context, side changes.Side, dn string) error
}

// targetDN returns where dn, read from side from, lives on the other side.
// A recorded pair wins over position mapping.
func (p *Pipeline) targetDN(ctx context.Context, from changes.Side, dn string, rule *Rule) (string, error) {
	if rule != nil && rule.Anchor != nil {
		src, err := p.anchorDN(ctx, from, rule.Anchor)
		if err != nil {
			return "", err
		}
		if !dirldap.EqualDN(src, dn) {
			return "", fmt.Errorf("%s: %w of rule %s on %s", dn, errNotAnchor, rule.Name, from)
		}
		return p.anchorDN(ctx, from.Other(), rule.Anchor)
	}

	if p.pairs != nil {
		partner, err := p.pairs.Partner(ctx, from, dn)
		if err != nil {
			return "", err
		}
		if partner != "" {
			return partner, nil
		}
	}

	var positions []Position
	if rule != nil {
		positions = append(positions, rule.Positions...)
	}
	positions = append(positions, p.base)

	for _, pos := range positions {
		src, dst := pos.from(from)
		if src == "" || !dirldap.IsUnderBase(dn, src) {
			continue
		}
		mapped, err := dirldap.RebaseDN(dn, src, dst)
		if err != nil {
			return "", err
		}
		if dirldap.EqualDN(dn, src) {
			return mapped, nil
		}
		return p.rename(mapped, from, rule)
	}
	return "", fmt.Errorf("%s: %w", dn, errOutsideTree)
}

// anchorDN returns the entry anchor designates on side.
func (p *Pipeline) anchorDN(ctx context.Context, side changes.Side, anchor *Anchor) (string, error) {
	base := p.base.LDAP
	if side == changes.SideAD {
		base = p.base.AD
	}
	f := anchor.filter(side)
	if f == "" {
		return base, nil
	}

	res, err := p.dirs[side].Search(ctx, &dirldap.SearchRequest{
		BaseDN:     base,
		Scope:      dirldap.ScopeWholeSubtree,
		Filter:     f,
		Attributes: []string{"objectClass"},
	})
	if err != nil {
		return "", syncerr.FromRead(err)
	}
	switch len(res.Entries) {
	case 0:
		return "", fmt.Errorf("no entry matches %s on %s: %w", f, side, errNotAnchor)
	case 1:
	default:
		p.log.WarnContext(ctx, "several entries match anchor filter, using the first",
			"side", side, "filter", f, "dn", res.Entries[0].DN)
	}
	return res.Entries[0].DN, nil
}

// rename swaps the RDN attribute type of dn for the target naming attribute.
func (p *Pipeline) rename(dn string, from changes.Side, rule *Rule) (string, error) {
	attrType, value, parent, err := dirldap.SplitRDN(dn)
	if err != nil {
		return "", err
	}

	var naming string
	if rule != nil {
		naming = rule.Naming(from.Other())
	} else {
		naming = p.namingFor(from, attrType)
	}
	if naming == "" || strings.EqualFold(naming, attrType) {
		return dn, nil
	}
	return dirldap.JoinDN(naming, value, parent), nil
}

// namingFor returns the target naming attribute implied by a source RDN
// type when exactly one rule uses that type, or "".
func (p *Pipeline) namingFor(from changes.Side, attrType string) string {
	targets := mapset.NewThreadUnsafeSet[string]()
	for _, rule := range p.rules.Rules() {
		if strings.EqualFold(rule.Naming(from), attrType) {
			if naming := rule.Naming(from.Other()); naming != "" {
				targets.Add(strings.ToLower(naming))
			}
		}
	}
	if targets.Cardinality() != 1 {
		return ""
	}
	naming, _ := targets.Pop()
	return naming
}

// mapDNValues maps DN-valued attribute values to the other side. Values
// outside the synchronized tree are dropped.
func (p *Pipeline) mapDNValues(ctx context.Context, from changes.Side, values [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		mapped, err := p.targetDN(ctx, from, string(v), nil)
		if err != nil {
			if errors.Is(err, errOutsideTree) {
				continue
			}
			return nil, err
		}
		out = append(out, []byte(mapped))
	}
	return out, nil
}

func equalDNs(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	left := mapset.NewThreadUnsafeSet[string]()
	for _, v := range a {
		left.Add(dirldap.CanonicalDN(string(v)))
	}
	right := mapset.NewThreadUnsafeSet[string]()
	for _, v := range b {
		right.Add(dirldap.CanonicalDN(string(v)))
	}
	return left.Equal(right)
}
