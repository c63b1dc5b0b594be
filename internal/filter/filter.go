// Package filter evaluates RFC 4515 search filters against attribute bags.
//
// Filters are compiled with go-ldap's compiler and walked as BER packets, so
// anything the server would accept parses here too. Matching is schema-less:
// values compare case-insensitively when both sides are valid UTF-8, and
// ordering filters compare numerically when both sides are integers.
package filter

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/dirsync/internal/attrs"
)

// Matching rule OIDs understood by extensible match filters.
const (
	MatchingRuleBitAnd = "1.2.840.113556.1.4.803"
	MatchingRuleBitOr  = "1.2.840.113556.1.4.804"
)

// Filter is a compiled search filter.
type Filter struct {
	raw    string
	packet *ber.Packet
}

// Compile parses a filter string.
func Compile(s string) (*Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "(objectClass=*)"
	}
	packet, err := ldap.CompileFilter(s)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", s, err)
	}
	return &Filter{raw: s, packet: packet}, nil
}

// Match compiles filter and evaluates it against b.
func Match(filter string, b *attrs.Bag) (bool, error) {
	f, err := Compile(filter)
	if err != nil {
		return false, err
	}
	return f.Match(b), nil
}

func (f *Filter) String() string {
	return f.raw
}

// Match reports whether b satisfies the filter. A nil filter matches everything.
func (f *Filter) Match(b *attrs.Bag) bool {
	if f == nil {
		return true
	}
	return eval(f.packet, b)
}

func eval(p *ber.Packet, b *attrs.Bag) bool {
	switch p.Tag {
	case ldap.FilterAnd:
		for _, child := range p.Children {
			if !eval(child, b) {
				return false
			}
		}
		return true

	case ldap.FilterOr:
		for _, child := range p.Children {
			if eval(child, b) {
				return true
			}
		}
		return false

	case ldap.FilterNot:
		return len(p.Children) == 1 && !eval(p.Children[0], b)

	case ldap.FilterPresent:
		return b.Has(packetString(p))

	case ldap.FilterEqualityMatch, ldap.FilterApproxMatch:
		attr, value := assertion(p)
		return anyValue(b.Values(attr), func(v []byte) bool { return equal(v, value) })

	case ldap.FilterGreaterOrEqual:
		attr, value := assertion(p)
		return anyValue(b.Values(attr), func(v []byte) bool { return compare(v, value) >= 0 })

	case ldap.FilterLessOrEqual:
		attr, value := assertion(p)
		return anyValue(b.Values(attr), func(v []byte) bool { return compare(v, value) <= 0 })

	case ldap.FilterSubstrings:
		return substrings(p, b)

	case ldap.FilterExtensibleMatch:
		return extensible(p, b)

	default:
		return false
	}
}

func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	if p.Data != nil {
		return p.Data.String()
	}
	return ""
}

func assertion(p *ber.Packet) (string, []byte) {
	if len(p.Children) != 2 {
		return "", nil
	}
	return packetString(p.Children[0]), []byte(packetString(p.Children[1]))
}

func anyValue(values [][]byte, fn func([]byte) bool) bool {
	for _, v := range values {
		if fn(v) {
			return true
		}
	}
	return false
}

func equal(a, b []byte) bool {
	if utf8.Valid(a) && utf8.Valid(b) {
		return bytes.EqualFold(a, b)
	}
	return bytes.Equal(a, b)
}

func compare(a, b []byte) int {
	ai, aErr := strconv.ParseInt(string(a), 10, 64)
	bi, bErr := strconv.ParseInt(string(b), 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(string(a)), strings.ToLower(string(b)))
}

func substrings(p *ber.Packet, b *attrs.Bag) bool {
	if len(p.Children) != 2 {
		return false
	}
	attr := packetString(p.Children[0])
	parts := p.Children[1].Children

	return anyValue(b.Values(attr), func(raw []byte) bool {
		v := strings.ToLower(string(raw))
		for i, part := range parts {
			s := strings.ToLower(packetString(part))
			switch part.Tag {
			case ldap.FilterSubstringsInitial:
				if !strings.HasPrefix(v, s) {
					return false
				}
				v = v[len(s):]
			case ldap.FilterSubstringsAny:
				idx := strings.Index(v, s)
				if idx < 0 {
					return false
				}
				v = v[idx+len(s):]
			case ldap.FilterSubstringsFinal:
				if i != len(parts)-1 || !strings.HasSuffix(v, s) {
					return false
				}
			}
		}
		return true
	})
}

func extensible(p *ber.Packet, b *attrs.Bag) bool {
	var rule, attr string
	var value []byte
	for _, child := range p.Children {
		switch child.Tag {
		case ldap.MatchingRuleAssertionMatchingRule:
			rule = packetString(child)
		case ldap.MatchingRuleAssertionType:
			attr = packetString(child)
		case ldap.MatchingRuleAssertionMatchValue:
			value = []byte(packetString(child))
		}
	}
	if attr == "" {
		return false
	}

	switch rule {
	case MatchingRuleBitAnd, MatchingRuleBitOr:
		mask, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return false
		}
		return anyValue(b.Values(attr), func(v []byte) bool {
			n, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return false
			}
			if rule == MatchingRuleBitAnd {
				return n&mask == mask
			}
			return n&mask != 0
		})
	case "":
		return anyValue(b.Values(attr), func(v []byte) bool { return equal(v, value) })
	default:
		return false
	}
}
