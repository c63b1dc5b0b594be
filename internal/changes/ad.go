package changes

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/dirsync/internal/attrs"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/syncerr"
)

const (
	// usnWindow is the width of the USN ranges searched when the server
	// refuses an unbounded change search with sizeLimitExceeded.
	usnWindow = 999

	adPageSize = 1000

	deletedMarker = "\nDEL:"
)

// adAttributes are requested with every AD change search.
var adAttributes = []string{"*", "uSNCreated", "uSNChanged", "objectGUID", "isDeleted", "lastKnownParent"}

// ADReader polls an Active Directory compatible server by USN.
type ADReader struct {
	dir    dirldap.Client
	baseDN string
	guids  GUIDStore
	log    *slog.Logger
}

var _ Reader = (*ADReader)(nil)

// NewADReader creates a reader for the naming context baseDN. The GUID store
// remembers where each object was last seen so that moves can be detected.
func NewADReader(dir dirldap.Client, baseDN string, guids GUIDStore, log *slog.Logger) *ADReader {
	if log == nil {
		log = slog.Default()
	}
	return &ADReader{
		dir:    dir,
		baseDN: baseDN,
		guids:  guids,
		log:    log.With("side", SideAD),
	}
}

func (r *ADReader) Side() Side {
	return SideAD
}

// Poll returns every object whose uSNCreated or uSNChanged is above cursor.
func (r *ADReader) Poll(ctx context.Context, cursor int64) (*Batch, error) {
	root, err := r.dir.RootDSE(ctx, "highestCommittedUSN")
	if err != nil {
		return nil, syncerr.FromRead(fmt.Errorf("read highestCommittedUSN: %w", err))
	}
	highest, err := strconv.ParseInt(root.GetAttributeValue("highestCommittedUSN"), 10, 64)
	if err != nil {
		return nil, syncerr.FromRead(fmt.Errorf("invalid highestCommittedUSN %q: %w", root.GetAttributeValue("highestCommittedUSN"), err))
	}

	batch := &Batch{Position: cursor}
	if highest <= cursor {
		return batch, nil
	}

	entries, err := r.search(ctx, cursor+1, highest)
	if err != nil {
		return nil, syncerr.FromRead(err)
	}

	slices.SortStableFunc(entries, func(a, b *ldap.Entry) int {
		return cmp.Compare(changeUSN(a), changeUSN(b))
	})

	for _, entry := range entries {
		usn := changeUSN(entry)
		if usn <= cursor {
			continue
		}
		batch.Position = max(batch.Position, usn)

		obj, err := r.classify(ctx, entry, cursor)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			continue
		}
		batch.Objects = append(batch.Objects, obj)
	}

	r.log.DebugContext(ctx, "polled changes", "usn", cursor, "highest", highest, "objects", len(batch.Objects))
	return batch, nil
}

// search returns the entries changed or created in [from, highest], falling
// back to fixed USN windows when the server caps the result size.
func (r *ADReader) search(ctx context.Context, from, highest int64) ([]*ldap.Entry, error) {
	entries, err := r.searchFilter(ctx, fmt.Sprintf("(|(uSNChanged>=%d)(uSNCreated>=%d))", from, from))
	if err == nil {
		return entries, nil
	}
	if !dirldap.HasResultCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return nil, err
	}

	r.log.InfoContext(ctx, "change search exceeded the size limit, searching by USN window", "from", from, "highest", highest)

	seen := make(map[string]int)
	entries = entries[:0]
	for lo := from; lo <= highest; lo += usnWindow {
		hi := lo + usnWindow - 1
		window, err := r.searchFilter(ctx, fmt.Sprintf(
			"(|(&(uSNChanged>=%d)(uSNChanged<=%d))(&(uSNCreated>=%d)(uSNCreated<=%d)))", lo, hi, lo, hi))
		if err != nil {
			return nil, err
		}
		for _, entry := range window {
			k := dirldap.CanonicalDN(entry.DN)
			if i, ok := seen[k]; ok {
				entries[i] = entry
				continue
			}
			seen[k] = len(entries)
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (r *ADReader) searchFilter(ctx context.Context, filter string) ([]*ldap.Entry, error) {
	res, err := r.dir.SearchWithPaging(ctx, &dirldap.SearchRequest{
		BaseDN:     r.baseDN,
		Scope:      dirldap.ScopeWholeSubtree,
		Filter:     filter,
		Attributes: adAttributes,
		Controls:   []ldap.Control{ldap.NewControlMicrosoftShowDeleted()},
		PageSize:   adPageSize,
	})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// classify turns a changed entry into a SyncObject, or nil when the entry is
// outside the synchronized tree.
func (r *ADReader) classify(ctx context.Context, entry *ldap.Entry, cursor int64) (*SyncObject, error) {
	obj := &SyncObject{
		Identity:   entry.DN,
		Side:       SideAD,
		Attributes: attrs.FromEntry(entry),
		Position:   changeUSN(entry),
		GUID:       dirldap.EntryGUID(entry),
	}

	if strings.EqualFold(entry.GetAttributeValue("isDeleted"), "TRUE") {
		dn, ok := deletedObjectDN(entry)
		if !ok {
			r.log.DebugContext(ctx, "ignoring deleted object without lastKnownParent", "dn", entry.DN)
			return nil, nil
		}
		obj.Identity = dn
		obj.ChangeType = ChangeDelete
		if !dirldap.IsUnderBase(dn, r.baseDN) {
			return nil, nil
		}
		return obj, nil
	}

	if r.deletedObjects(entry.DN) {
		return nil, nil
	}

	created, _ := obj.Attributes.Int64("uSNCreated")
	switch {
	case created > cursor:
		obj.ChangeType = ChangeCreate
	default:
		obj.ChangeType = ChangeModify
		if obj.GUID != "" && r.guids != nil {
			known, err := r.guids.LookupGUID(ctx, obj.GUID)
			if err != nil {
				return nil, syncerr.FromRead(err)
			}
			if known != "" && !dirldap.EqualDN(known, entry.DN) {
				obj.ChangeType = ChangeRename
				obj.OldIdentity = known
			}
		}
	}
	return obj, nil
}

func (r *ADReader) deletedObjects(dn string) bool {
	return dirldap.IsUnderBase(dn, dirldap.JoinDN("CN", "Deleted Objects", r.baseDN))
}

// Acknowledge records where obj now lives once it has been applied or
// rejected, so the next poll can tell a move from a modification.
func (r *ADReader) Acknowledge(ctx context.Context, obj *SyncObject) error {
	if r.guids == nil || obj.GUID == "" {
		return nil
	}
	if obj.ChangeType == ChangeDelete {
		return r.guids.ForgetGUID(ctx, obj.GUID)
	}
	return r.guids.RememberGUID(ctx, obj.GUID, obj.Identity)
}

// Fetch reads the current state of dn.
func (r *ADReader) Fetch(ctx context.Context, dn string) (*SyncObject, error) {
	entry, err := r.dir.Get(ctx, dn, adAttributes...)
	if err != nil {
		return nil, syncerr.FromRead(err)
	}
	if entry == nil {
		return nil, nil
	}
	return &SyncObject{
		Identity:   entry.DN,
		Side:       SideAD,
		ChangeType: ChangeModify,
		Attributes: attrs.FromEntry(entry),
		Position:   changeUSN(entry),
		GUID:       dirldap.EntryGUID(entry),
	}, nil
}

// changeUSN is max(uSNCreated, uSNChanged).
func changeUSN(entry *ldap.Entry) int64 {
	created, _ := strconv.ParseInt(entry.GetAttributeValue("uSNCreated"), 10, 64)
	changed, _ := strconv.ParseInt(entry.GetAttributeValue("uSNChanged"), 10, 64)
	return max(created, changed)
}

// deletedObjectDN rebuilds the DN a tombstone had before deletion from its
// mangled RDN ("CN=name\0ADEL:<guid>") and lastKnownParent.
func deletedObjectDN(entry *ldap.Entry) (string, bool) {
	parent := entry.GetAttributeValue("lastKnownParent")
	if parent == "" {
		return "", false
	}
	rdnType, value, _, err := dirldap.SplitRDN(entry.DN)
	if err != nil {
		return "", false
	}
	if i := strings.Index(value, deletedMarker); i >= 0 {
		value = value[:i]
	} else if i := strings.Index(value, `\0ADEL:`); i >= 0 {
		value = value[:i]
	}
	return dirldap.JoinDN(rdnType, value, parent), true
}
