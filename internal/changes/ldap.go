package changes

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/dirsync/internal/attrs"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/syncerr"
)

// DefaultAccessLogBase is the suffix of the OpenLDAP accesslog database.
const DefaultAccessLogBase = "cn=accesslog"

const reqStartLayout = "20060102150405Z"

var ldapAttributes = []string{"*", "entryUUID"}

// LDAPReader follows the OpenLDAP accesslog of the LDAP side. Successful
// write requests are turned into changes and the entry state is re-read from
// the main suffix, so every event carries the object as it is now.
type LDAPReader struct {
	dir       dirldap.Client
	baseDN    string
	accessLog string
	log       *slog.Logger
}

var _ Reader = (*LDAPReader)(nil)

// NewLDAPReader creates a reader for baseDN. An empty accessLog uses
// DefaultAccessLogBase.
func NewLDAPReader(dir dirldap.Client, baseDN, accessLog string, log *slog.Logger) *LDAPReader {
	if accessLog == "" {
		accessLog = DefaultAccessLogBase
	}
	if log == nil {
		log = slog.Default()
	}
	return &LDAPReader{
		dir:       dir,
		baseDN:    baseDN,
		accessLog: accessLog,
		log:       log.With("side", SideLDAP),
	}
}

func (r *LDAPReader) Side() Side {
	return SideLDAP
}

// request is one parsed accesslog record.
type request struct {
	position int64
	reqType  string
	dn       string
	newDN    string
	old      *attrs.Bag
}

// Poll returns the write requests logged after cursor, a reqStart timestamp
// in microseconds since the epoch.
func (r *LDAPReader) Poll(ctx context.Context, cursor int64) (*Batch, error) {
	since := time.UnixMicro(cursor).UTC().Format("20060102150405.000000Z")
	res, err := r.dir.SearchWithPaging(ctx, &dirldap.SearchRequest{
		BaseDN: r.accessLog,
		Scope:  dirldap.ScopeSingleLevel,
		Filter: fmt.Sprintf("(&(objectClass=auditWriteObject)(reqResult=0)(reqStart>=%s))", since),
		Attributes: []string{
			"reqStart", "reqType", "reqDN", "reqNewRDN", "reqNewSuperior", "reqOld",
		},
	})
	if err != nil {
		return nil, syncerr.FromRead(fmt.Errorf("search accesslog: %w", err))
	}

	var requests []*request
	for _, entry := range res.Entries {
		req, err := parseRequest(entry)
		if err != nil {
			r.log.WarnContext(ctx, "skipping malformed accesslog entry", "dn", entry.DN, "error", err)
			continue
		}
		if req.position <= cursor {
			continue
		}
		requests = append(requests, req)
	}
	slices.SortStableFunc(requests, func(a, b *request) int { return cmp.Compare(a.position, b.position) })

	batch := &Batch{Position: cursor}
	superseded := coalesce(requests)
	for i, req := range requests {
		batch.Position = max(batch.Position, req.position)
		if superseded.Contains(i) {
			continue
		}

		obj, err := r.toObject(ctx, req)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			batch.Objects = append(batch.Objects, obj)
		}
	}

	r.log.DebugContext(ctx, "polled changes", "since", since, "requests", len(requests), "objects", len(batch.Objects))
	return batch, nil
}

// coalesce returns the indexes of modify requests that a later modify of the
// same DN makes redundant.
func coalesce(requests []*request) mapset.Set[int] {
	superseded := mapset.NewThreadUnsafeSet[int]()
	modified := mapset.NewThreadUnsafeSet[string]()
	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		if req.reqType != "modify" {
			continue
		}
		if !modified.Add(dirldap.CanonicalDN(req.dn)) {
			superseded.Add(i)
		}
	}
	return superseded
}

func parseRequest(entry *ldap.Entry) (*request, error) {
	start, err := time.Parse(reqStartLayout, entry.GetAttributeValue("reqStart"))
	if err != nil {
		return nil, fmt.Errorf("invalid reqStart: %w", err)
	}
	req := &request{
		position: start.UnixMicro(),
		reqType:  strings.ToLower(entry.GetAttributeValue("reqType")),
		dn:       entry.GetAttributeValue("reqDN"),
	}
	if req.dn == "" {
		return nil, errors.New("missing reqDN")
	}

	switch req.reqType {
	case "add", "modify":
	case "modrdn":
		newRDN := entry.GetAttributeValue("reqNewRDN")
		if newRDN == "" {
			return nil, errors.New("missing reqNewRDN")
		}
		parent := entry.GetAttributeValue("reqNewSuperior")
		if parent == "" {
			if parent, err = dirldap.GetDNParent(req.dn); err != nil {
				return nil, err
			}
		}
		req.newDN = newRDN + "," + parent
	case "delete":
		req.old = parseOldValues(entry.GetAttributeValues("reqOld"))
	default:
		return nil, fmt.Errorf("unsupported reqType %q", req.reqType)
	}
	return req, nil
}

// parseOldValues reads reqOld lines ("cn: value").
func parseOldValues(lines []string) *attrs.Bag {
	bag := attrs.New()
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		bag.Add(name, []byte(value))
	}
	return bag
}

func (r *LDAPReader) toObject(ctx context.Context, req *request) (*SyncObject, error) {
	obj := &SyncObject{
		Identity: req.dn,
		Side:     SideLDAP,
		Position: req.position,
	}
	inBase := dirldap.IsUnderBase(req.dn, r.baseDN)

	switch req.reqType {
	case "add":
		obj.ChangeType = ChangeCreate
	case "modify":
		obj.ChangeType = ChangeModify
	case "delete":
		if !inBase {
			return nil, nil
		}
		obj.ChangeType = ChangeDelete
		obj.Attributes = req.old
		return obj, nil
	case "modrdn":
		newIn := dirldap.IsUnderBase(req.newDN, r.baseDN)
		switch {
		case inBase && newIn:
			obj.ChangeType = ChangeRename
			obj.OldIdentity = req.dn
		case newIn:
			obj.ChangeType = ChangeCreate
		case inBase:
			// Moved out of the synchronized tree.
			obj.ChangeType = ChangeDelete
			if current, err := r.Fetch(ctx, req.newDN); err != nil {
				return nil, err
			} else if current != nil {
				obj.Attributes = current.Attributes
				obj.GUID = current.GUID
			}
			return obj, nil
		default:
			return nil, nil
		}
		obj.Identity = req.newDN
		inBase = true
	}
	if !inBase {
		return nil, nil
	}

	current, err := r.Fetch(ctx, obj.Identity)
	if err != nil {
		return nil, err
	}
	if current == nil {
		// A later delete or rename follows in the log.
		r.log.DebugContext(ctx, "entry no longer exists, skipping", "dn", obj.Identity, "type", req.reqType)
		return nil, nil
	}
	obj.Identity = current.Identity
	obj.Attributes = current.Attributes
	obj.GUID = current.GUID
	return obj, nil
}

// Fetch reads the current state of dn from the main suffix.
func (r *LDAPReader) Fetch(ctx context.Context, dn string) (*SyncObject, error) {
	entry, err := r.dir.Get(ctx, dn, ldapAttributes...)
	if err != nil {
		return nil, syncerr.FromRead(err)
	}
	if entry == nil {
		return nil, nil
	}
	return &SyncObject{
		Identity:   entry.DN,
		Side:       SideLDAP,
		ChangeType: ChangeModify,
		Attributes: attrs.FromEntry(entry),
		GUID:       entry.GetAttributeValue("entryUUID"),
	}, nil
}
