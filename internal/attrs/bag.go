// Package attrs provides the typed attribute bag carried by every synchronized
// directory object: an ordered mapping from attribute name to an ordered
// sequence of raw byte values.
//
// Attribute names are matched case-insensitively, as LDAP does, while the
// spelling first used for a name is preserved for output. Values are opaque
// bytes; text and integer helpers exist at the boundary for attributes with
// string semantics.
package attrs

import (
	"bytes"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-ldap/ldap/v3"
)

// Bag is an ordered, case-insensitive attribute map. The zero value is not
// usable; construct bags with New or FromEntry.
type Bag struct {
	names  []string
	index  map[string]int
	values [][][]byte
}

// New returns an empty bag.
func New() *Bag {
	return &Bag{index: make(map[string]int)}
}

// FromEntry copies the attributes of a go-ldap entry into a new bag,
// preserving the server's attribute order.
func FromEntry(entry *ldap.Entry) *Bag {
	b := New()
	if entry == nil {
		return b
	}
	for _, attr := range entry.Attributes {
		if len(attr.ByteValues) > 0 {
			b.Set(attr.Name, attr.ByteValues...)
			continue
		}
		b.SetStrings(attr.Name, attr.Values...)
	}
	return b
}

// FromStrings builds a bag from text values. Map iteration order is not
// stable, so names are inserted sorted.
func FromStrings(m map[string][]string) *Bag {
	b := New()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		b.SetStrings(name, m[name]...)
	}
	return b
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Len returns the number of attributes in the bag.
func (b *Bag) Len() int {
	return len(b.names)
}

// Names returns the attribute names in insertion order.
func (b *Bag) Names() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

// Has reports whether the attribute is present with at least one value.
func (b *Bag) Has(name string) bool {
	i, ok := b.index[key(name)]
	return ok && len(b.values[i]) > 0
}

// Values returns the raw values of an attribute, or nil.
func (b *Bag) Values(name string) [][]byte {
	if i, ok := b.index[key(name)]; ok {
		return b.values[i]
	}
	return nil
}

// First returns the first raw value of an attribute, or nil.
func (b *Bag) First(name string) []byte {
	vals := b.Values(name)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// String returns the first value of an attribute decoded as text.
func (b *Bag) String(name string) string {
	return string(b.First(name))
}

// Strings returns every value of an attribute decoded as text.
func (b *Bag) Strings(name string) []string {
	vals := b.Values(name)
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// Int64 parses the first value of an attribute as a base-10 integer.
func (b *Bag) Int64(name string) (int64, bool) {
	raw := b.String(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set replaces the values of an attribute. Setting no values keeps the name
// with an empty value list, which diffing treats as "absent".
func (b *Bag) Set(name string, values ...[]byte) {
	k := key(name)
	copied := make([][]byte, len(values))
	for i, v := range values {
		copied[i] = bytes.Clone(v)
	}
	if i, ok := b.index[k]; ok {
		b.values[i] = copied
		return
	}
	b.index[k] = len(b.names)
	b.names = append(b.names, name)
	b.values = append(b.values, copied)
}

// SetStrings replaces the values of an attribute with text values.
func (b *Bag) SetStrings(name string, values ...string) {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	b.Set(name, raw...)
}

// Add appends values to an attribute, creating it when missing.
func (b *Bag) Add(name string, values ...[]byte) {
	existing := b.Values(name)
	merged := make([][]byte, 0, len(existing)+len(values))
	merged = append(merged, existing...)
	merged = append(merged, values...)
	b.Set(name, merged...)
}

// Delete removes an attribute entirely.
func (b *Bag) Delete(name string) {
	k := key(name)
	i, ok := b.index[k]
	if !ok {
		return
	}
	b.names = append(b.names[:i], b.names[i+1:]...)
	b.values = append(b.values[:i], b.values[i+1:]...)
	delete(b.index, k)
	for j := i; j < len(b.names); j++ {
		b.index[key(b.names[j])] = j
	}
}

// Each calls fn for every attribute in insertion order.
func (b *Bag) Each(fn func(name string, values [][]byte)) {
	for i, name := range b.names {
		fn(name, b.values[i])
	}
}

// Clone returns a deep copy of the bag.
func (b *Bag) Clone() *Bag {
	c := New()
	b.Each(func(name string, values [][]byte) {
		c.Set(name, values...)
	})
	return c
}

// ObjectClasses returns the lower-cased objectClass values as a set.
func (b *Bag) ObjectClasses() mapset.Set[string] {
	classes := mapset.NewThreadUnsafeSet[string]()
	for _, oc := range b.Strings("objectClass") {
		classes.Add(strings.ToLower(oc))
	}
	return classes
}

// HasObjectClass reports whether the bag carries the given objectClass.
func (b *Bag) HasObjectClass(class string) bool {
	return b.ObjectClasses().Contains(strings.ToLower(class))
}

// NameSet returns the lower-cased attribute names present with values.
func (b *Bag) NameSet() mapset.Set[string] {
	names := mapset.NewThreadUnsafeSet[string]()
	for i, name := range b.names {
		if len(b.values[i]) > 0 {
			names.Add(key(name))
		}
	}
	return names
}

// ToLDAPAttributes renders the non-empty attributes in the form go-ldap add
// requests expect. Binary values survive the conversion since Go strings are
// byte sequences.
func (b *Bag) ToLDAPAttributes() []ldap.Attribute {
	out := make([]ldap.Attribute, 0, len(b.names))
	b.Each(func(name string, values [][]byte) {
		if len(values) == 0 {
			return
		}
		out = append(out, ldap.Attribute{Type: name, Vals: ToStrings(values)})
	})
	return out
}

// ToStrings converts raw values to strings without any decoding.
func ToStrings(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// EqualValues reports whether two value lists hold the same set of values,
// ignoring order. With fold set, values are compared case-insensitively.
func EqualValues(a, b [][]byte, fold bool) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(v []byte) string {
		if fold {
			return string(bytes.ToLower(v))
		}
		return string(v)
	}
	left := mapset.NewThreadUnsafeSet[string]()
	for _, v := range a {
		left.Add(norm(v))
	}
	right := mapset.NewThreadUnsafeSet[string]()
	for _, v := range b {
		right.Add(norm(v))
	}
	return left.Equal(right)
}
