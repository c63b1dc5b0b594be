// Package ldaptest provides an in-memory directory that implements
// ldap.Client for tests.
//
// Two flavors are supported. The AD flavor maintains uSNCreated and
// uSNChanged, assigns objectGUID values, and turns deletes into tombstones
// under "CN=Deleted Objects" that only searches carrying the show-deleted
// control can see. The LDAP flavor can record every write in an
// OpenLDAP-style accesslog. Both enforce the structural rules a real server
// would: parents must exist, DNs are unique, and non-leaf entries cannot be
// deleted.
package ldaptest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/isometry/dirsync/internal/attrs"
	"github.com/isometry/dirsync/internal/filter"
	dirldap "github.com/isometry/dirsync/internal/ldap"
)

// Flavor selects server-specific behaviour.
type Flavor int

const (
	FlavorLDAP Flavor = iota
	FlavorAD
)

// DeletedObjectsRDN is the container AD moves tombstones into.
const DeletedObjectsRDN = "CN=Deleted Objects"

// Operation names accepted by FailNext and Calls.
const (
	OpSearch   = "search"
	OpAdd      = "add"
	OpModify   = "modify"
	OpModifyDN = "modify_dn"
	OpDelete   = "delete"
)

type entry struct {
	dn   string
	bag  *attrs.Bag
	seq  int64
	dead bool
}

// Directory is an in-memory directory server.
type Directory struct {
	mu sync.Mutex

	flavor    Flavor
	base      string
	accesslog string
	domainSID []byte
	sizeLimit int
	now       func() time.Time

	entries  map[string]*entry
	seq      int64
	usn      int64
	lastLog  time.Time
	down     bool
	failNext map[string]error
	calls    map[string]int
}

var _ dirldap.Client = (*Directory)(nil)

// Option configures a Directory.
type Option func(*Directory)

// WithAccessLog records writes as accesslog entries below base.
func WithAccessLog(base string) Option {
	return func(d *Directory) {
		d.accesslog = base
	}
}

// WithDomainSID sets objectSid of the base entry.
func WithDomainSID(sid []byte) Option {
	return func(d *Directory) {
		d.domainSID = sid
	}
}

// WithSizeLimit makes searches returning more than n entries fail with
// sizeLimitExceeded.
func WithSizeLimit(n int) Option {
	return func(d *Directory) {
		d.sizeLimit = n
	}
}

// WithClock replaces the clock used for accesslog timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// New creates a directory holding only its base entry.
func New(flavor Flavor, baseDN string, opts ...Option) *Directory {
	d := &Directory{
		flavor:   flavor,
		base:     baseDN,
		now:      time.Now,
		entries:  make(map[string]*entry),
		failNext: make(map[string]error),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}

	root := attrs.New()
	root.SetStrings("objectClass", "top", "domain")
	if flavor == FlavorAD {
		root.SetStrings("objectClass", "top", "domain", "domainDNS")
	}
	if len(d.domainSID) > 0 {
		root.Set("objectSid", d.domainSID)
	}
	d.insert(baseDN, root)

	if flavor == FlavorAD {
		deleted := attrs.New()
		deleted.SetStrings("objectClass", "top", "container")
		deleted.SetStrings("isDeleted", "TRUE")
		d.insert(DeletedObjectsRDN+","+baseDN, deleted)
	}
	if d.accesslog != "" {
		logRoot := attrs.New()
		logRoot.SetStrings("objectClass", "top", "auditContainer")
		d.insert(d.accesslog, logRoot)
	}
	return d
}

// BaseDN returns the naming context.
func (d *Directory) BaseDN() string {
	return d.base
}

func key(dn string) string {
	return dirldap.CanonicalDN(dn)
}

// insert stores an entry without any checks, stamping AD bookkeeping.
// Entries flagged isDeleted are only visible to show-deleted searches.
func (d *Directory) insert(dn string, bag *attrs.Bag) *entry {
	d.seq++
	e := &entry{dn: dn, bag: bag, seq: d.seq, dead: strings.EqualFold(bag.String("isDeleted"), "TRUE")}
	if d.flavor == FlavorAD {
		d.usn++
		usn := strconv.FormatInt(d.usn, 10)
		bag.SetStrings("uSNCreated", usn)
		bag.SetStrings("uSNChanged", usn)
		if !bag.Has("objectGUID") {
			bag.Set("objectGUID", dirldap.GUIDToBytes(uuid.New()))
		}
	}
	d.entries[key(dn)] = e
	return e
}

func (d *Directory) touch(e *entry) {
	if d.flavor == FlavorAD {
		d.usn++
		e.bag.SetStrings("uSNChanged", strconv.FormatInt(d.usn, 10))
	}
}

// SetDown makes every operation fail as if the server were unreachable.
func (d *Directory) SetDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// FailNext makes the next call of op return err.
func (d *Directory) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[op] = err
}

// Calls returns how many times op was invoked.
func (d *Directory) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Writes returns the number of write operations received.
func (d *Directory) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[OpAdd] + d.calls[OpModify] + d.calls[OpModifyDN] + d.calls[OpDelete]
}

// USN returns the highest committed USN.
func (d *Directory) USN() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usn
}

// Entry returns a copy of the live entry at dn, or nil.
func (d *Directory) Entry(dn string) *attrs.Bag {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key(dn)]
	if !ok || e.dead {
		return nil
	}
	return e.bag.Clone()
}

// Exists reports whether a live entry exists at dn.
func (d *Directory) Exists(dn string) bool {
	return d.Entry(dn) != nil
}

// DN returns the stored spelling of dn, or "".
func (d *Directory) DN(dn string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key(dn)]; ok {
		return e.dn
	}
	return ""
}

// MustAdd adds an entry through the regular write path.
func (d *Directory) MustAdd(tb testing.TB, dn string, values map[string][]string) {
	tb.Helper()
	bag := attrs.FromStrings(values)
	if err := d.Add(context.Background(), &dirldap.AddRequest{DN: dn, Attributes: bag.ToLDAPAttributes()}); err != nil {
		tb.Fatalf("add %s: %v", dn, err)
	}
}

// MustModify replaces attribute values through the regular write path.
func (d *Directory) MustModify(tb testing.TB, dn string, replace map[string][]string) {
	tb.Helper()
	req := &dirldap.ModifyRequest{DN: dn}
	for _, name := range sortedKeys(replace) {
		req.Replace = append(req.Replace, ldap.Attribute{Type: name, Vals: replace[name]})
	}
	if err := d.Modify(context.Background(), req); err != nil {
		tb.Fatalf("modify %s: %v", dn, err)
	}
}

// MustMove renames dn to newRDN below newSuperior, or below its current
// parent when newSuperior is empty.
func (d *Directory) MustMove(tb testing.TB, dn, newRDN, newSuperior string) {
	tb.Helper()
	req := &dirldap.ModifyDNRequest{DN: dn, NewRDN: newRDN, DeleteOldRDN: true, NewSuperior: newSuperior}
	if err := d.ModifyDN(context.Background(), req); err != nil {
		tb.Fatalf("modify DN %s: %v", dn, err)
	}
}

// MustDelete deletes an entry through the regular write path.
func (d *Directory) MustDelete(tb testing.TB, dn string) {
	tb.Helper()
	if err := d.Delete(context.Background(), dn); err != nil {
		tb.Fatalf("delete %s: %v", dn, err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// begin records a call and returns any injected failure.
func (d *Directory) begin(op, dn string) error {
	d.calls[op]++
	if d.down {
		return dirldap.NewLDAPErrorForDN(op, dn, ldap.NewError(ldap.ErrorNetwork, errors.New("connection refused")))
	}
	if err, ok := d.failNext[op]; ok {
		delete(d.failNext, op)
		return err
	}
	return nil
}

func resultError(op, dn string, code uint16, format string, args ...any) error {
	return dirldap.NewLDAPErrorForDN(op, dn, ldap.NewError(code, fmt.Errorf(format, args...)))
}

func (d *Directory) Connect(ctx context.Context) error {
	return d.Ping(ctx)
}

func (d *Directory) Close() error {
	return nil
}

func (d *Directory) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return dirldap.NewConnectionError("server unreachable", true, errors.New("connection refused"))
	}
	return nil
}

func (d *Directory) Stats() dirldap.PoolStats {
	return dirldap.PoolStats{}
}

// RootDSE reports the naming context and, for AD, highestCommittedUSN.
func (d *Directory) RootDSE(_ context.Context, _ ...string) (*ldap.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpSearch, ""); err != nil {
		return nil, err
	}

	bag := attrs.New()
	bag.SetStrings("namingContexts", d.base)
	bag.SetStrings("defaultNamingContext", d.base)
	if d.flavor == FlavorAD {
		bag.SetStrings("highestCommittedUSN", strconv.FormatInt(d.usn, 10))
	}
	return toEntry("", bag, nil), nil
}

// Get returns the live entry at dn, or nil when it does not exist.
func (d *Directory) Get(ctx context.Context, dn string, attributes ...string) (*ldap.Entry, error) {
	res, err := d.Search(ctx, &dirldap.SearchRequest{
		BaseDN:     dn,
		Scope:      dirldap.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
	})
	if err != nil {
		if dirldap.HasResultCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	return res.Entries[0], nil
}

// SearchWithPaging behaves like Search; paging is transparent here.
func (d *Directory) SearchWithPaging(ctx context.Context, req *dirldap.SearchRequest) (*dirldap.SearchResult, error) {
	return d.Search(ctx, req)
}

func (d *Directory) Search(_ context.Context, req *dirldap.SearchRequest) (*dirldap.SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpSearch, req.BaseDN); err != nil {
		return nil, err
	}

	f, err := filter.Compile(req.Filter)
	if err != nil {
		return nil, resultError(OpSearch, req.BaseDN, ldap.LDAPResultFilterError, "%v", err)
	}

	showDeleted := ldap.FindControl(req.Controls, ldap.ControlTypeMicrosoftShowDeleted) != nil
	base, ok := d.entries[key(req.BaseDN)]
	if !ok || (base.dead && !showDeleted) {
		return nil, resultError(OpSearch, req.BaseDN, ldap.LDAPResultNoSuchObject, "no such object")
	}

	var matched []*entry
	for _, e := range d.entries {
		if e.dead && !showDeleted {
			continue
		}
		if !inScope(e.dn, req.BaseDN, req.Scope) {
			continue
		}
		if !f.Match(e.bag) {
			continue
		}
		matched = append(matched, e)
	}
	slices.SortFunc(matched, func(a, b *entry) int { return int(a.seq - b.seq) })

	limit := d.sizeLimit
	if req.SizeLimit > 0 && (limit == 0 || req.SizeLimit < limit) {
		limit = req.SizeLimit
	}
	if limit > 0 && len(matched) > limit {
		return nil, resultError(OpSearch, req.BaseDN, ldap.LDAPResultSizeLimitExceeded, "size limit %d exceeded", limit)
	}

	out := make([]*ldap.Entry, 0, len(matched))
	for _, e := range matched {
		out = append(out, toEntry(e.dn, e.bag, req.Attributes))
	}
	return &dirldap.SearchResult{Entries: out, Total: len(out)}, nil
}

func inScope(dn, base string, scope dirldap.SearchScope) bool {
	switch scope {
	case dirldap.ScopeBaseObject:
		return dirldap.EqualDN(dn, base)
	case dirldap.ScopeSingleLevel:
		parent, err := dirldap.GetDNParent(dn)
		return err == nil && dirldap.EqualDN(parent, base)
	default:
		return dirldap.IsUnderBase(dn, base)
	}
}

// toEntry renders a bag as a go-ldap entry restricted to the requested
// attributes. No attributes, "*" or "+" select everything.
func toEntry(dn string, bag *attrs.Bag, requested []string) *ldap.Entry {
	all := len(requested) == 0 || slices.Contains(requested, "*") || slices.Contains(requested, "+")
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		want[strings.ToLower(r)] = true
	}

	e := &ldap.Entry{DN: dn}
	bag.Each(func(name string, values [][]byte) {
		if len(values) == 0 || (!all && !want[strings.ToLower(name)]) {
			return
		}
		attr := &ldap.EntryAttribute{Name: name}
		for _, v := range values {
			attr.Values = append(attr.Values, string(v))
			attr.ByteValues = append(attr.ByteValues, slices.Clone(v))
		}
		e.Attributes = append(e.Attributes, attr)
	})
	return e
}

func (d *Directory) parentExists(dn string) bool {
	if dirldap.EqualDN(dn, d.base) || (d.accesslog != "" && dirldap.EqualDN(dn, d.accesslog)) {
		return true
	}
	parent, err := dirldap.GetDNParent(dn)
	if err != nil {
		return false
	}
	p, ok := d.entries[key(parent)]
	return ok && !p.dead
}

func (d *Directory) hasChildren(dn string) bool {
	for _, e := range d.entries {
		if e.dead {
			continue
		}
		if parent, err := dirldap.GetDNParent(e.dn); err == nil && dirldap.EqualDN(parent, dn) {
			return true
		}
	}
	return false
}

func (d *Directory) Add(_ context.Context, req *dirldap.AddRequest) error {
	if req == nil || req.DN == "" {
		return errors.New("DN cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpAdd, req.DN); err != nil {
		return err
	}

	if err := dirldap.ValidateDNSyntax(req.DN); err != nil {
		return resultError(OpAdd, req.DN, ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	if e, ok := d.entries[key(req.DN)]; ok && !e.dead {
		return resultError(OpAdd, req.DN, ldap.LDAPResultEntryAlreadyExists, "entry already exists")
	}
	if !d.parentExists(req.DN) {
		return resultError(OpAdd, req.DN, ldap.LDAPResultNoSuchObject, "parent does not exist")
	}

	bag := attrs.New()
	for _, attr := range req.Attributes {
		bag.SetStrings(attr.Type, attr.Vals...)
	}
	if !bag.Has("objectClass") {
		return resultError(OpAdd, req.DN, ldap.LDAPResultObjectClassViolation, "no objectClass")
	}
	rdnType, rdnValue, _, _ := dirldap.SplitRDN(req.DN)
	if !slices.ContainsFunc(bag.Strings(rdnType), func(v string) bool { return strings.EqualFold(v, rdnValue) }) {
		bag.Add(rdnType, []byte(rdnValue))
	}

	d.insert(req.DN, bag)
	d.log("add", req.DN, func(l *attrs.Bag) {
		l.SetStrings("reqMod", modLines(":+ ", bag)...)
	})
	return nil
}

func (d *Directory) Modify(_ context.Context, req *dirldap.ModifyRequest) error {
	if req == nil || req.DN == "" {
		return errors.New("DN cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpModify, req.DN); err != nil {
		return err
	}

	e, ok := d.entries[key(req.DN)]
	if !ok || e.dead {
		return resultError(OpModify, req.DN, ldap.LDAPResultNoSuchObject, "no such object")
	}

	next := e.bag.Clone()
	changed := attrs.New()
	for _, attr := range req.Replace {
		next.SetStrings(attr.Type, attr.Vals...)
		changed.SetStrings(attr.Type, attr.Vals...)
	}
	for _, name := range req.Delete {
		if !next.Has(name) {
			return resultError(OpModify, req.DN, ldap.LDAPResultNoSuchAttribute, "no such attribute %s", name)
		}
		next.Delete(name)
		changed.Set(name)
	}
	for _, attr := range req.Add {
		for _, v := range attr.Vals {
			if slices.Contains(next.Strings(attr.Type), v) {
				return resultError(OpModify, req.DN, ldap.LDAPResultAttributeOrValueExists, "value exists in %s", attr.Type)
			}
			next.Add(attr.Type, []byte(v))
		}
		changed.SetStrings(attr.Type, next.Strings(attr.Type)...)
	}
	if !next.Has("objectClass") {
		return resultError(OpModify, req.DN, ldap.LDAPResultObjectClassViolation, "objectClass cannot be removed")
	}

	e.bag = next
	d.touch(e)
	d.log("modify", e.dn, func(l *attrs.Bag) {
		l.SetStrings("reqMod", modLines(":= ", changed)...)
	})
	return nil
}

func (d *Directory) ModifyDN(_ context.Context, req *dirldap.ModifyDNRequest) error {
	if req == nil || req.DN == "" || req.NewRDN == "" {
		return errors.New("DN and new RDN are required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpModifyDN, req.DN); err != nil {
		return err
	}

	e, ok := d.entries[key(req.DN)]
	if !ok || e.dead {
		return resultError(OpModifyDN, req.DN, ldap.LDAPResultNoSuchObject, "no such object")
	}

	parent := req.NewSuperior
	if parent == "" {
		parent, _ = dirldap.GetDNParent(e.dn)
	}
	newDN := req.NewRDN + "," + parent
	if err := dirldap.ValidateDNSyntax(newDN); err != nil {
		return resultError(OpModifyDN, req.DN, ldap.LDAPResultInvalidDNSyntax, "%v", err)
	}
	if target, ok := d.entries[key(newDN)]; ok && !target.dead && target != e {
		return resultError(OpModifyDN, req.DN, ldap.LDAPResultEntryAlreadyExists, "%s already exists", newDN)
	}
	if p, ok := d.entries[key(parent)]; !ok || p.dead {
		return resultError(OpModifyDN, req.DN, ldap.LDAPResultNoSuchObject, "new superior %s does not exist", parent)
	}

	oldDN := e.dn
	oldType, oldValue, _, _ := dirldap.SplitRDN(oldDN)
	newType, newValue, _, _ := dirldap.SplitRDN(newDN)

	// Move descendants along with the entry.
	var descendants []*entry
	for _, child := range d.entries {
		if child != e && !child.dead && dirldap.IsUnderBase(child.dn, oldDN) {
			descendants = append(descendants, child)
		}
	}
	for _, child := range descendants {
		moved, err := dirldap.RebaseDN(child.dn, oldDN, newDN)
		if err != nil {
			continue
		}
		delete(d.entries, key(child.dn))
		child.dn = moved
		d.entries[key(moved)] = child
	}

	delete(d.entries, key(oldDN))
	e.dn = newDN
	d.entries[key(newDN)] = e

	if req.DeleteOldRDN {
		kept := slices.DeleteFunc(e.bag.Strings(oldType), func(v string) bool { return strings.EqualFold(v, oldValue) })
		e.bag.SetStrings(oldType, kept...)
	}
	if !slices.ContainsFunc(e.bag.Strings(newType), func(v string) bool { return strings.EqualFold(v, newValue) }) {
		e.bag.Add(newType, []byte(newValue))
	}

	d.touch(e)
	d.log("modrdn", oldDN, func(l *attrs.Bag) {
		l.SetStrings("reqNewRDN", req.NewRDN)
		l.SetStrings("reqDeleteOldRDN", strings.ToUpper(strconv.FormatBool(req.DeleteOldRDN)))
		if req.NewSuperior != "" {
			l.SetStrings("reqNewSuperior", req.NewSuperior)
		}
	})
	return nil
}

func (d *Directory) Delete(_ context.Context, dn string) error {
	if dn == "" {
		return errors.New("DN cannot be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin(OpDelete, dn); err != nil {
		return err
	}

	e, ok := d.entries[key(dn)]
	if !ok || e.dead {
		return resultError(OpDelete, dn, ldap.LDAPResultNoSuchObject, "no such object")
	}
	if d.hasChildren(e.dn) {
		return resultError(OpDelete, dn, ldap.LDAPResultNotAllowedOnNonLeaf, "entry has children")
	}

	old := e.bag.Clone()
	delete(d.entries, key(e.dn))

	if d.flavor == FlavorAD {
		d.tombstone(e)
	}
	d.log("delete", e.dn, func(l *attrs.Bag) {
		l.SetStrings("reqOld", modLines(": ", old)...)
	})
	return nil
}

// tombstone keeps a deleted AD entry the way AD does: renamed into the
// Deleted Objects container with its RDN mangled and lastKnownParent set.
func (d *Directory) tombstone(e *entry) {
	rdnType, rdnValue, parent, _ := dirldap.SplitRDN(e.dn)
	guid := dirldap.EntryGUID(toEntry(e.dn, e.bag, []string{"objectGUID"}))

	dead := attrs.New()
	for _, name := range []string{"objectClass", "objectGUID", "objectSid", "sAMAccountName", "uSNCreated", rdnType} {
		if e.bag.Has(name) {
			dead.Set(name, e.bag.Values(name)...)
		}
	}
	dead.SetStrings("isDeleted", "TRUE")
	dead.SetStrings("lastKnownParent", parent)

	e.dn = fmt.Sprintf(`%s=%s\0ADEL:%s,%s,%s`, rdnType, dirldap.EscapeDNValue(rdnValue), guid, DeletedObjectsRDN, d.base)
	e.bag = dead
	e.dead = true
	d.touch(e)
	d.entries[key(e.dn)] = e
}

// log appends an accesslog record when the accesslog is enabled.
func (d *Directory) log(reqType, dn string, fill func(*attrs.Bag)) {
	if d.accesslog == "" || dirldap.IsUnderBase(dn, d.accesslog) {
		return
	}

	stamp := d.now().UTC().Truncate(time.Microsecond)
	if !stamp.After(d.lastLog) {
		stamp = d.lastLog.Add(time.Microsecond)
	}
	d.lastLog = stamp
	start := FormatReqStart(stamp)

	classes := map[string]string{"add": "auditAdd", "modify": "auditModify", "modrdn": "auditModRDN", "delete": "auditDelete"}
	l := attrs.New()
	l.SetStrings("objectClass", "auditWriteObject", classes[reqType])
	l.SetStrings("reqStart", start)
	l.SetStrings("reqEnd", start)
	l.SetStrings("reqType", reqType)
	l.SetStrings("reqDN", dn)
	l.SetStrings("reqResult", "0")
	fill(l)

	d.insert("reqStart="+start+","+d.accesslog, l)
}

// FormatReqStart renders t the way the accesslog overlay stamps reqStart.
func FormatReqStart(t time.Time) string {
	return t.UTC().Format("20060102150405.000000Z")
}

// modLines renders attributes as accesslog value lines ("cn:= x"). An
// attribute without values renders as a delete ("cn:-").
func modLines(sep string, bag *attrs.Bag) []string {
	var out []string
	bag.Each(func(name string, values [][]byte) {
		if len(values) == 0 {
			out = append(out, name+":-")
			return
		}
		for _, v := range values {
			out = append(out, name+sep+string(v))
		}
	})
	return out
}
