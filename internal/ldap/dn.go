package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDNCase rewrites attribute types in upper case, as Active Directory
// presents them, keeping values as given.
//
//	"cn=john,ou=users,dc=example,dc=com" -> "CN=john,OU=users,DC=example,DC=com"
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	return formatDN(parsed.RDNs, strings.ToUpper, nil), nil
}

// CanonicalDN returns a case-folded form of dn suitable as a map or table
// key. Two DNs naming the same entry produce the same key.
func CanonicalDN(dn string) string {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return ""
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return strings.ToLower(dn)
	}
	return formatDN(parsed.RDNs, strings.ToLower, strings.ToLower)
}

// EqualDN reports whether two DNs name the same entry.
func EqualDN(a, b string) bool {
	return CanonicalDN(a) == CanonicalDN(b)
}

func formatDN(rdns []*ldap.RelativeDN, typeFn, valueFn func(string) string) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			value := attr.Value
			if valueFn != nil {
				value = valueFn(value)
			}
			attrs = append(attrs, typeFn(attr.Type)+"="+EscapeDNValue(value))
		}
		parts = append(parts, strings.Join(attrs, "+"))
	}
	return strings.Join(parts, ",")
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	if dn == "" {
		return errors.New("DN cannot be empty")
	}
	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}
	return nil
}

// SplitRDN returns the type and unescaped value of the leftmost RDN and the
// parent DN. Multi-valued RDNs yield their first attribute.
func SplitRDN(dn string) (attrType, value, parent string, err error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", "", "", errors.New("DN cannot be empty")
	}
	first := parsed.RDNs[0].Attributes[0]
	return first.Type, first.Value, formatDN(parsed.RDNs[1:], keep, nil), nil
}

func keep(s string) string { return s }

// ExtractRDNValue extracts the value of the first RDN component with the specified attribute type.
func ExtractRDNValue(dn, attrType string) (string, error) {
	if dn == "" {
		return "", errors.New("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, attrType) {
				return attr.Value, nil
			}
		}
	}
	return "", fmt.Errorf("attribute type '%s' not found in DN '%s'", attrType, dn)
}

// GetDNParent returns the parent DN by removing the first RDN component.
func GetDNParent(dn string) (string, error) {
	if dn == "" {
		return "", errors.New("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) <= 1 {
		return "", fmt.Errorf("DN has no parent: %s", dn)
	}
	return formatDN(parsed.RDNs[1:], keep, nil), nil
}

// IsDNChild checks if childDN is a direct or indirect child of parentDN.
func IsDNChild(childDN, parentDN string) (bool, error) {
	if childDN == "" || parentDN == "" {
		return false, errors.New("DNs cannot be empty")
	}

	child, err := ldap.ParseDN(childDN)
	if err != nil {
		return false, fmt.Errorf("invalid child DN syntax: %w", err)
	}
	parent, err := ldap.ParseDN(parentDN)
	if err != nil {
		return false, fmt.Errorf("invalid parent DN syntax: %w", err)
	}

	return parent.AncestorOfFold(child), nil
}

// IsUnderBase reports whether dn equals base or lies beneath it.
func IsUnderBase(dn, base string) bool {
	if EqualDN(dn, base) {
		return true
	}
	ok, err := IsDNChild(dn, base)
	return err == nil && ok
}

// RebaseDN replaces the oldBase suffix of dn with newBase. The leading
// components keep their original spelling.
func RebaseDN(dn, oldBase, newBase string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	base, err := ldap.ParseDN(oldBase)
	if err != nil {
		return "", fmt.Errorf("invalid base DN syntax: %w", err)
	}

	if parsed.EqualFold(base) {
		return newBase, nil
	}
	if !base.AncestorOfFold(parsed) {
		return "", fmt.Errorf("%s is not under %s", dn, oldBase)
	}

	head := formatDN(parsed.RDNs[:len(parsed.RDNs)-len(base.RDNs)], keep, nil)
	if newBase == "" {
		return head, nil
	}
	return head + "," + newBase, nil
}

// JoinDN builds "<attrType>=<escaped value>,<parent>".
func JoinDN(attrType, value, parent string) string {
	rdn := attrType + "=" + EscapeDNValue(value)
	if parent == "" {
		return rdn
	}
	return rdn + "," + parent
}

// EscapeDNValue escapes special characters in a DN attribute value (RFC 4514).
//
//	"Doe, John" -> "Doe\, John"
//	" John "    -> "\ John\ "
//	"#123"      -> "\#123"
func EscapeDNValue(value string) string {
	if !NeedsDNEscaping(value) {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)
	last := len(value) - 1
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == ',' || c == '+' || c == '"' || c == '\\' || c == '<' || c == '>' || c == ';' || c == '=':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '#' && i == 0, c == ' ' && (i == 0 || i == last):
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == 0:
			b.WriteString(`\00`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// UnescapeDNValue removes RFC 4514 escaping from an attribute value.
func UnescapeDNValue(value string) string {
	if !strings.Contains(value, `\`) {
		return value
	}
	parsed, err := ldap.ParseDN("x=" + value)
	if err != nil || len(parsed.RDNs) != 1 || len(parsed.RDNs[0].Attributes) != 1 {
		return value
	}
	return parsed.RDNs[0].Attributes[0].Value
}

// NeedsDNEscaping checks if a value contains characters that need DN escaping.
func NeedsDNEscaping(value string) bool {
	if value == "" {
		return false
	}
	if value[0] == ' ' || value[len(value)-1] == ' ' || value[0] == '#' {
		return true
	}
	return strings.ContainsAny(value, ",+\"\\<>;=\x00")
}
