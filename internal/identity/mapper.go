// Package identity translates relative identifiers of the LDAP side into
// security identifiers of the AD side and back.
//
// A RID such as "1104" is encoded by prefixing the domain SID of the AD side
// ("S-1-5-21-1-2-3" becomes "S-1-5-21-1-2-3-1104"); decoding strips the
// prefix again. SIDs outside the domain, such as builtin groups, travel
// through unchanged in both directions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of naming contexts whose prefix is cached.
const DefaultCacheSize = 16

// PrefixResolver looks up the domain SID that prefixes every RID.
type PrefixResolver interface {
	// NamingContext identifies the domain the resolver answers for.
	NamingContext() string
	ResolvePrefix(ctx context.Context) (SID, error)
}

// EntryGetter is the directory read used by DirectoryResolver.
type EntryGetter interface {
	Get(ctx context.Context, dn string, attributes ...string) (*ldap.Entry, error)
}

// DirectoryResolver reads objectSid from the domain object at the base DN.
type DirectoryResolver struct {
	dir    EntryGetter
	baseDN string
}

func NewDirectoryResolver(dir EntryGetter, baseDN string) *DirectoryResolver {
	return &DirectoryResolver{dir: dir, baseDN: baseDN}
}

func (r *DirectoryResolver) NamingContext() string {
	return strings.ToLower(r.baseDN)
}

func (r *DirectoryResolver) ResolvePrefix(ctx context.Context) (SID, error) {
	entry, err := r.dir.Get(ctx, r.baseDN, "objectSid")
	if err != nil {
		return SID{}, fmt.Errorf("read domain SID from %s: %w", r.baseDN, err)
	}
	if entry == nil {
		return SID{}, fmt.Errorf("domain object %s not found", r.baseDN)
	}

	raw := entry.GetRawAttributeValue("objectSid")
	if len(raw) == 0 {
		return SID{}, fmt.Errorf("domain object %s has no objectSid", r.baseDN)
	}
	if IsSIDString(string(raw)) {
		return ParseSID(string(raw))
	}
	return DecodeSID(raw)
}

// StaticResolver returns a configured domain SID.
type StaticResolver struct {
	Context string
	SID     SID
}

func (r StaticResolver) NamingContext() string {
	return strings.ToLower(r.Context)
}

func (r StaticResolver) ResolvePrefix(context.Context) (SID, error) {
	if r.SID.IsZero() {
		return SID{}, errors.New("no domain SID configured")
	}
	return r.SID, nil
}

// CacheStats counts prefix lookups.
type CacheStats struct {
	Hits     int64
	Misses   int64
	Resolves int64
}

// Mapper encodes and decodes identifiers. It is safe for concurrent use.
type Mapper struct {
	resolver PrefixResolver
	cache    *lru.Cache[string, SID]
	log      *slog.Logger

	hits, misses, resolves atomic.Int64
}

// NewMapper creates a mapper whose prefix lookups are cached per naming context.
func NewMapper(resolver PrefixResolver, log *slog.Logger) (*Mapper, error) {
	if resolver == nil {
		return nil, errors.New("prefix resolver is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, SID](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create prefix cache: %w", err)
	}
	return &Mapper{resolver: resolver, cache: cache, log: log}, nil
}

// Prefix returns the domain SID, resolving it at most once per cycle.
func (m *Mapper) Prefix(ctx context.Context) (SID, error) {
	key := m.resolver.NamingContext()
	if sid, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		return sid, nil
	}
	m.misses.Add(1)

	sid, err := m.resolver.ResolvePrefix(ctx)
	if err != nil {
		return SID{}, err
	}
	m.resolves.Add(1)
	m.cache.Add(key, sid)
	m.log.DebugContext(ctx, "resolved domain SID", "naming_context", key, "sid", sid.String())
	return sid, nil
}

// Encode maps a local relative identifier to a foreign SID string.
//
// Encode accepts canonical decimal RIDs and full SIDs outside the domain,
// which pass through. Everything else is an error, so that Decode(Encode(x))
// returns x for every accepted x: a RID with a sign, surrounding space or
// leading zeros has no unique inverse, and a full SID inside the domain would
// decode to its bare RID.
func (m *Mapper) Encode(ctx context.Context, rid string) (string, error) {
	if rid == "" {
		return "", errors.New("relative identifier cannot be empty")
	}
	if IsSIDString(rid) {
		return m.passThrough(ctx, rid)
	}

	n, err := strconv.ParseUint(rid, 10, 32)
	if err != nil {
		return "", fmt.Errorf("invalid relative identifier %q: %w", rid, err)
	}
	if canonical := strconv.FormatUint(n, 10); canonical != rid {
		return "", fmt.Errorf("relative identifier %q is not canonical, expected %q", rid, canonical)
	}

	prefix, err := m.Prefix(ctx)
	if err != nil {
		return "", err
	}
	return prefix.Append(uint32(n)).String(), nil
}

func (m *Mapper) passThrough(ctx context.Context, s string) (string, error) {
	sid, err := ParseSID(s)
	if err != nil {
		return "", err
	}
	prefix, err := m.Prefix(ctx)
	if err != nil {
		return "", err
	}
	if sid.Contains(prefix) {
		rid, _ := sid.RID()
		return "", fmt.Errorf("%s lies in the domain, use its relative identifier %d", sid, rid)
	}
	return sid.String(), nil
}

// Decode maps a foreign SID string back to the local relative identifier,
// in canonical decimal form. SIDs outside the domain are returned unchanged.
func (m *Mapper) Decode(ctx context.Context, sid string) (string, error) {
	parsed, err := ParseSID(sid)
	if err != nil {
		return "", err
	}

	prefix, err := m.Prefix(ctx)
	if err != nil {
		return "", err
	}
	if !parsed.Contains(prefix) {
		return parsed.String(), nil
	}

	rid, _ := parsed.RID()
	return strconv.FormatUint(uint64(rid), 10), nil
}

// EncodeBinary is Encode producing the binary objectSid form.
func (m *Mapper) EncodeBinary(ctx context.Context, rid string) ([]byte, error) {
	s, err := m.Encode(ctx, rid)
	if err != nil {
		return nil, err
	}
	sid, err := ParseSID(s)
	if err != nil {
		return nil, err
	}
	return sid.Bytes(), nil
}

// DecodeBinary is Decode for a binary objectSid value. Textual SIDs are
// accepted as well.
func (m *Mapper) DecodeBinary(ctx context.Context, raw []byte) (string, error) {
	if IsSIDString(string(raw)) {
		return m.Decode(ctx, string(raw))
	}
	sid, err := DecodeSID(raw)
	if err != nil {
		return "", err
	}
	return m.Decode(ctx, sid.String())
}

// ResetCycle drops cached prefixes. The scheduler calls it at each cycle start.
func (m *Mapper) ResetCycle() {
	m.cache.Purge()
}

func (m *Mapper) Stats() CacheStats {
	return CacheStats{
		Hits:     m.hits.Load(),
		Misses:   m.misses.Load(),
		Resolves: m.resolves.Load(),
	}
}
