package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the size of an objectGUID value.
const GUIDBytesLength = 16

// GUIDFromBytes decodes an Active Directory objectGUID. AD stores the first
// three fields little-endian and the last eight bytes as-is.
func GUIDFromBytes(b []byte) (uuid.UUID, error) {
	if len(b) != GUIDBytesLength {
		return uuid.Nil, fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(b))
	}
	var u uuid.UUID
	copy(u[:], swapGUIDFields(b))
	return u, nil
}

// GUIDToBytes encodes a UUID into the objectGUID wire layout.
func GUIDToBytes(u uuid.UUID) []byte {
	return swapGUIDFields(u[:])
}

func swapGUIDFields(in []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	out[4], out[5] = in[5], in[4]
	out[6], out[7] = in[7], in[6]
	copy(out[8:], in[8:])
	return out
}

// GUIDBytesToString converts objectGUID bytes to the hyphenated string form.
func GUIDBytesToString(b []byte) (string, error) {
	u, err := GUIDFromBytes(b)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// StringToGUIDBytes parses a hyphenated, braced or compact GUID string into
// objectGUID bytes.
func StringToGUIDBytes(s string) ([]byte, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid GUID format %q: %w", s, err)
	}
	return GUIDToBytes(u), nil
}

// GUIDToSearchFilter builds an equality filter matching objectGUID.
func GUIDToSearchFilter(s string) (string, error) {
	b, err := StringToGUIDBytes(s)
	if err != nil {
		return "", err
	}
	return "(objectGUID=" + ldap.EscapeFilter(string(b)) + ")", nil
}

// EntryGUID returns the objectGUID of an entry, or "" when absent or malformed.
func EntryGUID(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}
	s, err := GUIDBytesToString(entry.GetRawAttributeValue("objectGUID"))
	if err != nil {
		return ""
	}
	return s
}
