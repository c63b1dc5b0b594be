// Package changes reads ordered, resumable change feeds from both directory
// sides.
//
// The AD side is polled by update sequence number (USN). The LDAP side is
// read from the OpenLDAP accesslog overlay, with the entry state re-read from
// the main suffix. Both readers return a Batch whose Position is the
// high-water mark of everything examined, so the caller can persist a cursor
// past events that were skipped.
package changes

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/isometry/dirsync/internal/attrs"
)

// Side names one of the two synchronized directories.
type Side string

const (
	SideLDAP Side = "ldap"
	SideAD   Side = "ad"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideLDAP {
		return SideAD
	}
	return SideLDAP
}

func (s Side) String() string {
	return string(s)
}

// ParseSide parses "ldap" or "ad".
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideLDAP:
		return SideLDAP, nil
	case SideAD:
		return SideAD, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// ChangeType is the kind of change observed on a side.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

// SyncObject is one directory entry's change as observed on one side.
type SyncObject struct {
	Identity    string     `json:"identity"`
	Side        Side       `json:"side"`
	ChangeType  ChangeType `json:"change_type"`
	Attributes  *attrs.Bag `json:"attributes,omitempty"`
	OldIdentity string     `json:"old_identity,omitempty"`
	Position    int64      `json:"position"`
	GUID        string     `json:"guid,omitempty"`
}

// Attrs returns the attribute bag, never nil.
func (o *SyncObject) Attrs() *attrs.Bag {
	if o.Attributes == nil {
		o.Attributes = attrs.New()
	}
	return o.Attributes
}

func (o *SyncObject) String() string {
	if o.ChangeType == ChangeRename {
		return fmt.Sprintf("%s %s %s -> %s @%d", o.Side, o.ChangeType, o.OldIdentity, o.Identity, o.Position)
	}
	return fmt.Sprintf("%s %s %s @%d", o.Side, o.ChangeType, o.Identity, o.Position)
}

// Marshal encodes the object for the reject queue.
func (o *SyncObject) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalSyncObject decodes an object written by Marshal.
func UnmarshalSyncObject(data []byte) (*SyncObject, error) {
	var o SyncObject
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode sync object: %w", err)
	}
	return &o, nil
}

// Batch is the result of one poll.
type Batch struct {
	Objects []*SyncObject
	// Position is the highest position examined, including skipped events.
	Position int64
}

// Empty reports whether the batch holds no objects.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Objects) == 0
}

// Reader produces the change feed of one side.
type Reader interface {
	Side() Side
	// Poll returns changes strictly after cursor, ordered by position. A
	// store that cannot be reached yields an error wrapping
	// syncerr.ErrTransient; no new changes yield an empty batch.
	Poll(ctx context.Context, cursor int64) (*Batch, error)
	// Fetch re-reads the current state of identity. A missing entry
	// returns nil, nil.
	Fetch(ctx context.Context, identity string) (*SyncObject, error)
}

// GUIDStore remembers the last known DN of each AD objectGUID.
type GUIDStore interface {
	LookupGUID(ctx context.Context, guid string) (string, error)
	RememberGUID(ctx context.Context, guid, dn string) error
	ForgetGUID(ctx context.Context, guid string) error
}

// Acknowledger is implemented by readers that keep per-object bookkeeping.
// Acknowledge is called once an object has been applied or rejected.
type Acknowledger interface {
	Acknowledge(ctx context.Context, obj *SyncObject) error
}
