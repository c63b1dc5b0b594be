// Package mapping turns a change read from one directory into the writes
// that bring the other directory in line.
//
// Rules are kept in a Registry and selected by object class. Planning an
// object is side-effect free: every attribute is transformed and compared
// with the current target entry before anything is written, so a value that
// cannot be mapped rejects the whole object and a change that is already
// reflected on the target produces no write at all.
package mapping

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/dirsync/internal/attrs"
	"github.com/isometry/dirsync/internal/changes"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/syncerr"
)

// Locker marks writes so that their echo can be recognized when it is read
// back. state.LockTable implements it.
type Locker interface {
	Lock(ctx context.Context, side changes.Side, identity string) error
	Unlock(ctx context.Context, side changes.Side, identity string) error
}

// Operation is the single write a plan stages.
type Operation int

const (
	OpNone Operation = iota
	OpAdd
	OpModify
	OpDelete
	OpRename
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "none"
	}
}

// Plan is the staged result of mapping one object.
type Plan struct {
	Object *changes.SyncObject
	Rule   *Rule
	Target changes.Side
	Op     Operation

	// DN is the target entry; OldDN is the rename source.
	DN    string
	OldDN string

	// Entry holds the attributes of an add.
	Entry *attrs.Bag
	// Modify holds attribute changes of a modify or rename.
	Modify *dirldap.ModifyRequest

	// Reason explains an OpNone plan.
	Reason string
}

func (p *Plan) String() string {
	if p.Op == OpNone {
		return fmt.Sprintf("skip %s (%s)", p.Object.Identity, p.Reason)
	}
	if p.Op == OpRename {
		return fmt.Sprintf("%s %s %s -> %s", p.Target, p.Op, p.OldDN, p.DN)
	}
	return fmt.Sprintf("%s %s %s", p.Target, p.Op, p.DN)
}

// Config holds the tree-wide mapping settings.
type Config struct {
	LDAPBase string
	ADBase   string
	// IgnoreSubtrees exclude objects on either side.
	IgnoreSubtrees []string
	// Features enables toggled attribute mappings by name.
	Features map[string]bool
}

// Pipeline maps changes between the two directories.
type Pipeline struct {
	rules *Registry
	dirs  map[changes.Side]dirldap.Client
	base  Position
	cfg   Config

	locks Locker
	pairs DNPairs
	env   Env
	log   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLocker locks every target entry immediately before it is written.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) {
		p.locks = l
	}
}

// WithDNPairs records and consults explicit DN pairings.
func WithDNPairs(pairs DNPairs) Option {
	return func(p *Pipeline) {
		p.pairs = pairs
	}
}

// WithIdentityMapper enables the SID transforms.
func WithIdentityMapper(ids IdentityMapper) Option {
	return func(p *Pipeline) {
		p.env.IDs = ids
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// New creates a pipeline writing to ldapDir and adDir.
func New(cfg Config, rules *Registry, ldapDir, adDir dirldap.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		rules: rules,
		dirs: map[changes.Side]dirldap.Client{
			changes.SideLDAP: ldapDir,
			changes.SideAD:   adDir,
		},
		base: Position{LDAP: cfg.LDAPBase, AD: cfg.ADBase},
		cfg:  cfg,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// partnerRule resolves the rule of a delete that carries no object classes
// from the entry it maps to on the other side. An accesslog without old
// values records deletes that way. It returns the partner DN as well.
func (p *Pipeline) partnerRule(ctx context.Context, obj *changes.SyncObject) (*Rule, string, error) {
	from, to := obj.Side, obj.Side.Other()
	candidates := append([]*Rule{nil}, p.rules.Rules()...)
	tried := mapset.NewThreadUnsafeSet[string]()

	for _, rule := range candidates {
		dn, err := p.targetDN(ctx, from, obj.Identity, rule)
		switch {
		case errors.Is(err, errOutsideTree):
			return nil, "", nil
		case errors.Is(err, errNotAnchor):
			continue
		case err != nil:
			return nil, "", err
		}
		if !tried.Add(dirldap.CanonicalDN(dn)) {
			continue
		}
		entry, err := p.get(ctx, to, dn, "objectClass")
		if err != nil {
			return nil, "", err
		}
		if entry == nil {
			continue
		}
		partner := &changes.SyncObject{Identity: entry.DN, Side: to, Attributes: attrs.FromEntry(entry)}
		if owner := p.rules.Lookup(partner); owner != nil {
			p.log.DebugContext(ctx, "resolved rule of delete from partner entry",
				"dn", obj.Identity, "partner", entry.DN, "rule", owner.Name)
			return owner, entry.DN, nil
		}
	}
	return nil, "", nil
}

// mapped is one attribute's desired target values.
type mapped struct {
	mapping *AttributeMapping
	name    string
	values  [][]byte
}

// Plan maps obj and compares the result with the target entry. It performs
// reads only. Transform failures return a *syncerr.MappingError; a target
// that cannot be read returns an error wrapping syncerr.ErrTransient.
func (p *Pipeline) Plan(ctx context.Context, obj *changes.SyncObject) (*Plan, error) {
	from := obj.Side
	to := from.Other()
	plan := &Plan{Object: obj, Target: to}

	skip := func(format string, args ...any) (*Plan, error) {
		plan.Op = OpNone
		plan.Reason = fmt.Sprintf(format, args...)
		return plan, nil
	}

	for _, subtree := range p.cfg.IgnoreSubtrees {
		if dirldap.IsUnderBase(obj.Identity, subtree) {
			return skip("ignored subtree %s", subtree)
		}
	}

	rule := p.rules.Lookup(obj)
	var partnerDN string
	recorded := obj.Attrs().ObjectClasses().Cardinality() > 0
	if rule == nil && !recorded && obj.ChangeType == changes.ChangeDelete {
		var err error
		if rule, partnerDN, err = p.partnerRule(ctx, obj); err != nil {
			return nil, err
		}
	}
	if rule == nil {
		return skip("no mapping rule")
	}
	plan.Rule = rule
	if !rule.SyncMode.Allows(from) {
		return skip("rule %s is in %s mode", rule.Name, rule.SyncMode)
	}
	reason := rule.Ignores(obj)
	if !recorded {
		// Attribute filters cannot judge a change that recorded no values.
		reason = rule.ignoredSubtree(obj.Identity)
	}
	if reason != "" {
		return skip("%s", reason)
	}

	dn := partnerDN
	if dn == "" {
		var err error
		if dn, err = p.targetDN(ctx, from, obj.Identity, rule); err != nil {
			switch {
			case errors.Is(err, errNotAnchor):
				return skip("%v", err)
			case errors.Is(err, syncerr.ErrTransient):
				return nil, err
			}
			return nil, &syncerr.MappingError{Rule: rule.Name, Attribute: "dn", Err: err}
		}
	}
	plan.DN = dn

	if obj.ChangeType == changes.ChangeDelete {
		if rule.DisableDelete {
			return skip("deletes are disabled for rule %s", rule.Name)
		}
		current, err := p.get(ctx, to, dn, "objectClass")
		if err != nil {
			return nil, err
		}
		if current == nil {
			return skip("already absent")
		}
		plan.Op = OpDelete
		return plan, nil
	}

	desired, err := p.transform(ctx, rule, obj)
	if err != nil {
		return nil, err
	}

	names := rule.targetNames(from)
	var current *ldap.Entry
	if obj.ChangeType == changes.ChangeRename && obj.OldIdentity != "" {
		oldDN, err := p.targetDN(ctx, from, obj.OldIdentity, rule)
		if err == nil && !dirldap.EqualDN(oldDN, dn) {
			old, err := p.get(ctx, to, oldDN, names...)
			if err != nil {
				return nil, err
			}
			existing, err := p.get(ctx, to, dn, names...)
			if err != nil {
				return nil, err
			}
			if old != nil && existing == nil {
				plan.Op = OpRename
				plan.OldDN = oldDN
				current = old
			} else {
				current = existing
			}
		}
	}
	if plan.Op != OpRename && current == nil {
		if current, err = p.get(ctx, to, dn, names...); err != nil {
			return nil, err
		}
	}

	if current == nil {
		if len(rule.Classes(to)) == 0 {
			return skip("rule %s does not create objects on %s", rule.Name, to)
		}
		entry, err := p.creation(rule, to, dn, desired)
		if err != nil {
			return nil, err
		}
		plan.Op = OpAdd
		plan.Entry = entry
		return plan, nil
	}

	plan.Modify = p.diff(to, dn, desired, attrs.FromEntry(current))
	if plan.Op == OpRename {
		return plan, nil
	}
	if plan.Modify.IsEmpty() {
		return skip("target is up to date")
	}
	plan.Op = OpModify
	return plan, nil
}

// transform computes the target values of every enabled attribute mapping.
func (p *Pipeline) transform(ctx context.Context, rule *Rule, obj *changes.SyncObject) ([]mapped, error) {
	from := obj.Side
	bag := obj.Attrs()
	out := make([]mapped, 0, len(rule.Attributes))

	for i := range rule.Attributes {
		m := &rule.Attributes[i]
		if m.Toggle != "" && !p.cfg.Features[m.Toggle] {
			continue
		}

		src := m.Source(from)
		values := bag.Values(src)
		if m.Required && len(values) == 0 {
			return nil, &syncerr.MappingError{Rule: rule.Name, Attribute: src, Err: errors.New("required attribute is missing")}
		}

		if fn := m.transform(from); fn != nil {
			var err error
			if values, err = fn(ctx, p.env, values); err != nil {
				return nil, &syncerr.MappingError{Rule: rule.Name, Attribute: src, Err: err}
			}
		}
		if m.DN {
			var err error
			if values, err = p.mapDNValues(ctx, from, values); err != nil {
				return nil, &syncerr.MappingError{Rule: rule.Name, Attribute: src, Err: err}
			}
		}
		values = m.translate(from, values)

		out = append(out, mapped{mapping: m, name: m.Target(from), values: values})
	}
	return out, nil
}

// creation builds the attributes of a new target entry. The naming
// attribute always carries the RDN value.
func (p *Pipeline) creation(rule *Rule, to changes.Side, dn string, desired []mapped) (*attrs.Bag, error) {
	rdnType, rdnValue, _, err := dirldap.SplitRDN(dn)
	if err != nil {
		return nil, &syncerr.MappingError{Rule: rule.Name, Attribute: "dn", Err: err}
	}

	entry := attrs.New()
	entry.SetStrings("objectClass", rule.Classes(to)...)
	entry.SetStrings(rdnType, rdnValue)
	for _, d := range desired {
		if len(d.values) == 0 || strings.EqualFold(d.name, rdnType) || strings.EqualFold(d.name, "objectClass") {
			continue
		}
		entry.Set(d.name, d.values...)
	}
	return entry, nil
}

// diff returns the changes that turn current into desired. The naming
// attribute follows the DN and is never modified directly.
func (p *Pipeline) diff(to changes.Side, dn string, desired []mapped, current *attrs.Bag) *dirldap.ModifyRequest {
	req := &dirldap.ModifyRequest{DN: dn}
	rdnType, _, _, _ := dirldap.SplitRDN(dn)

	for _, d := range desired {
		if strings.EqualFold(d.name, rdnType) || d.mapping.ImmutableOn == to {
			continue
		}
		have := current.Values(d.name)

		var equal bool
		if d.mapping.DN {
			equal = equalDNs(have, d.values)
		} else {
			equal = attrs.EqualValues(have, d.values, d.mapping.CaseInsensitive)
		}
		if equal {
			continue
		}

		if len(d.values) == 0 {
			req.Delete = append(req.Delete, d.name)
			continue
		}
		req.Replace = append(req.Replace, ldap.Attribute{Type: d.name, Vals: attrs.ToStrings(d.values)})
	}
	return req
}

func (p *Pipeline) get(ctx context.Context, side changes.Side, dn string, attributes ...string) (*ldap.Entry, error) {
	entry, err := p.dirs[side].Get(ctx, dn, attributes...)
	if err != nil {
		return nil, syncerr.FromRead(err)
	}
	return entry, nil
}

// Apply executes plan against its target directory. The target entry is
// locked immediately before the write and unlocked again if the write fails.
func (p *Pipeline) Apply(ctx context.Context, plan *Plan) error {
	if plan == nil || plan.Op == OpNone {
		return nil
	}
	dir := p.dirs[plan.Target]

	locked := []string{plan.DN}
	if plan.Op == OpRename {
		locked = append(locked, plan.OldDN)
	}
	for _, dn := range locked {
		if err := p.lock(ctx, plan.Target, dn); err != nil {
			return err
		}
	}

	var err error
	switch plan.Op {
	case OpAdd:
		err = dir.Add(ctx, &dirldap.AddRequest{DN: plan.DN, Attributes: plan.Entry.ToLDAPAttributes()})
	case OpModify:
		plan.Modify.DN = plan.DN
		err = dir.Modify(ctx, plan.Modify)
	case OpRename:
		err = p.move(ctx, dir, plan)
	case OpDelete:
		err = p.deleteTree(ctx, plan)
	}
	if err != nil {
		for _, dn := range locked {
			p.unlock(ctx, plan.Target, dn)
		}
		return syncerr.FromWrite(plan.DN, err)
	}

	p.record(ctx, plan)
	p.log.InfoContext(ctx, "applied change",
		"side", plan.Target, "op", plan.Op.String(), "dn", plan.DN, "source", plan.Object.Identity)
	return nil
}

func (p *Pipeline) move(ctx context.Context, dir dirldap.Client, plan *Plan) error {
	rdnType, rdnValue, parent, err := dirldap.SplitRDN(plan.DN)
	if err != nil {
		return err
	}
	if err := dir.ModifyDN(ctx, &dirldap.ModifyDNRequest{
		DN:           plan.OldDN,
		NewRDN:       dirldap.JoinDN(rdnType, rdnValue, ""),
		DeleteOldRDN: true,
		NewSuperior:  parent,
	}); err != nil {
		return err
	}
	if plan.Modify.IsEmpty() {
		return nil
	}
	plan.Modify.DN = plan.DN
	return dir.Modify(ctx, plan.Modify)
}

// deleteTree removes the target entry. A non-leaf AD entry is removed with
// its subtree, deepest entries first.
func (p *Pipeline) deleteTree(ctx context.Context, plan *Plan) error {
	dir := p.dirs[plan.Target]
	err := dir.Delete(ctx, plan.DN)
	if err == nil || plan.Target != changes.SideAD || !dirldap.HasResultCode(err, ldap.LDAPResultNotAllowedOnNonLeaf) {
		return err
	}

	res, err := dir.Search(ctx, &dirldap.SearchRequest{
		BaseDN:     plan.DN,
		Scope:      dirldap.ScopeWholeSubtree,
		Filter:     "(objectClass=*)",
		Attributes: []string{"1.1"},
	})
	if err != nil {
		return err
	}

	dns := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		dns = append(dns, e.DN)
	}
	slices.SortStableFunc(dns, func(a, b string) int { return cmp.Compare(depth(b), depth(a)) })

	p.log.InfoContext(ctx, "deleting subtree", "side", plan.Target, "dn", plan.DN, "entries", len(dns))
	for _, dn := range dns {
		if !dirldap.EqualDN(dn, plan.DN) {
			if err := p.lock(ctx, plan.Target, dn); err != nil {
				return err
			}
		}
		if err := dir.Delete(ctx, dn); err != nil {
			return err
		}
	}
	return nil
}

func depth(dn string) int {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return 0
	}
	return len(parsed.RDNs)
}

func (p *Pipeline) lock(ctx context.Context, side changes.Side, dn string) error {
	if p.locks == nil {
		return nil
	}
	if err := p.locks.Lock(ctx, side, dn); err != nil {
		return fmt.Errorf("lock %s %s: %w", side, dn, err)
	}
	return nil
}

func (p *Pipeline) unlock(ctx context.Context, side changes.Side, dn string) {
	if p.locks == nil {
		return
	}
	if err := p.locks.Unlock(ctx, side, dn); err != nil {
		p.log.WarnContext(ctx, "failed to release lock", "side", side, "dn", dn, "error", err)
	}
}

// record keeps the DN pairing of a successful write.
func (p *Pipeline) record(ctx context.Context, plan *Plan) {
	if p.pairs == nil {
		return
	}
	obj := plan.Object

	var err error
	switch plan.Op {
	case OpDelete:
		err = p.pairs.Forget(ctx, obj.Side, obj.Identity)
	default:
		if obj.ChangeType == changes.ChangeRename && obj.OldIdentity != "" {
			if err = p.pairs.Forget(ctx, obj.Side, obj.OldIdentity); err != nil {
				break
			}
		}
		ldapDN, adDN := obj.Identity, plan.DN
		if obj.Side == changes.SideAD {
			ldapDN, adDN = plan.DN, obj.Identity
		}
		err = p.pairs.Pair(ctx, ldapDN, adDN)
	}
	if err != nil {
		p.log.WarnContext(ctx, "failed to record DN pair", "dn", obj.Identity, "error", err)
	}
}
