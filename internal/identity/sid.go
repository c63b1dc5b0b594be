package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bwmarrin/go-objectsid"
)

// maxSubAuthorities is the limit imposed by the binary SID layout.
const maxSubAuthorities = 15

// SID is a parsed security identifier.
type SID struct {
	Revision       uint8
	Authority      uint64
	SubAuthorities []uint32
}

// ParseSID parses the textual S-R-I-S... form.
func ParseSID(s string) (SID, error) {
	s = strings.TrimSpace(s)
	if len(s) < 5 || !strings.EqualFold(s[:2], "S-") {
		return SID{}, fmt.Errorf("invalid SID %q: must start with 'S-'", s)
	}

	parts := strings.Split(s[2:], "-")
	if len(parts) < 2 {
		return SID{}, fmt.Errorf("invalid SID %q: missing identifier authority", s)
	}
	if len(parts)-2 > maxSubAuthorities {
		return SID{}, fmt.Errorf("invalid SID %q: too many sub-authorities", s)
	}

	rev, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return SID{}, fmt.Errorf("invalid SID %q revision: %w", s, err)
	}
	auth, err := strconv.ParseUint(parts[1], 10, 48)
	if err != nil {
		return SID{}, fmt.Errorf("invalid SID %q authority: %w", s, err)
	}

	sid := SID{Revision: uint8(rev), Authority: auth}
	for _, p := range parts[2:] {
		sub, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return SID{}, fmt.Errorf("invalid SID %q sub-authority %q: %w", s, p, err)
		}
		sid.SubAuthorities = append(sid.SubAuthorities, uint32(sub))
	}
	return sid, nil
}

// DecodeSID decodes the binary objectSid form stored by Active Directory.
func DecodeSID(b []byte) (SID, error) {
	if len(b) == 0 {
		return SID{}, errors.New("binary SID cannot be empty")
	}
	if len(b) < 8 {
		return SID{}, fmt.Errorf("binary SID too short: %d bytes", len(b))
	}
	count := int(b[1])
	if count > maxSubAuthorities || len(b) != 8+4*count {
		return SID{}, fmt.Errorf("binary SID length %d does not match %d sub-authorities", len(b), count)
	}

	if count == 0 {
		// go-objectsid always reads a relative identifier.
		var auth [8]byte
		copy(auth[2:], b[2:8])
		return SID{Revision: b[0], Authority: binary.BigEndian.Uint64(auth[:])}, nil
	}

	// go-objectsid does no bounds checking, so it only sees validated input.
	return ParseSID(objectsid.Decode(b).String())
}

// Bytes returns the binary objectSid encoding.
func (s SID) Bytes() []byte {
	out := make([]byte, 8+4*len(s.SubAuthorities))
	out[0] = s.Revision
	out[1] = byte(len(s.SubAuthorities))

	var auth [8]byte
	binary.BigEndian.PutUint64(auth[:], s.Authority)
	copy(out[2:8], auth[2:])

	for i, sub := range s.SubAuthorities {
		binary.LittleEndian.PutUint32(out[8+4*i:], sub)
	}
	return out
}

func (s SID) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", s.Revision, s.Authority)
	for _, sub := range s.SubAuthorities {
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatUint(uint64(sub), 10))
	}
	return sb.String()
}

// IsZero reports whether s is the zero SID.
func (s SID) IsZero() bool {
	return s.Revision == 0 && s.Authority == 0 && len(s.SubAuthorities) == 0
}

// RID returns the last sub-authority.
func (s SID) RID() (uint32, bool) {
	if len(s.SubAuthorities) == 0 {
		return 0, false
	}
	return s.SubAuthorities[len(s.SubAuthorities)-1], true
}

// Domain returns s without its relative identifier.
func (s SID) Domain() SID {
	if len(s.SubAuthorities) == 0 {
		return s
	}
	return SID{
		Revision:       s.Revision,
		Authority:      s.Authority,
		SubAuthorities: slices.Clone(s.SubAuthorities[:len(s.SubAuthorities)-1]),
	}
}

// Append returns a new SID with rid appended.
func (s SID) Append(rid uint32) SID {
	subs := make([]uint32, 0, len(s.SubAuthorities)+1)
	subs = append(subs, s.SubAuthorities...)
	return SID{Revision: s.Revision, Authority: s.Authority, SubAuthorities: append(subs, rid)}
}

func (s SID) Equal(o SID) bool {
	return s.Revision == o.Revision && s.Authority == o.Authority && slices.Equal(s.SubAuthorities, o.SubAuthorities)
}

// Contains reports whether s is a direct member of domain.
func (s SID) Contains(domain SID) bool {
	return len(s.SubAuthorities) == len(domain.SubAuthorities)+1 && s.Domain().Equal(domain)
}

var wellKnownPrefixes = []string{
	"S-1-0",    // Null Authority
	"S-1-1",    // World Authority
	"S-1-2",    // Local Authority
	"S-1-3",    // Creator Authority
	"S-1-4",    // Non-unique Authority
	"S-1-5-18", // Local System
	"S-1-5-19", // Local Service
	"S-1-5-20", // Network Service
	"S-1-5-32", // Builtin
}

// IsWellKnown reports whether the SID belongs to a well-known authority
// rather than a domain.
func (s SID) IsWellKnown() bool {
	str := s.String()
	for _, prefix := range wellKnownPrefixes {
		if str == prefix || strings.HasPrefix(str, prefix+"-") {
			return true
		}
	}
	return false
}

// IsSIDString reports whether v looks like a textual SID.
func IsSIDString(v string) bool {
	v = strings.TrimSpace(v)
	return len(v) > 2 && strings.EqualFold(v[:2], "S-")
}
