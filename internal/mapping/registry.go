package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/isometry/dirsync/internal/changes"
)

// Registry holds mapping rules in lookup order. The first rule whose
// predicate matches an object owns it.
type Registry struct {
	rules []*Rule
}

// NewRegistry returns a registry holding rules in the given order.
func NewRegistry(rules ...*Rule) (*Registry, error) {
	r := &Registry{}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends rule. Names are unique and case-insensitive.
func (r *Registry) Register(rule *Rule) error {
	if rule == nil || rule.Name == "" {
		return errors.New("rule must have a name")
	}
	if rule.Applies == nil {
		return fmt.Errorf("rule %s has no predicate", rule.Name)
	}
	if r.Get(rule.Name) != nil {
		return fmt.Errorf("rule %s registered twice", rule.Name)
	}
	if rule.SyncMode == "" {
		rule.SyncMode = SyncBoth
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Get returns the rule named name, or nil.
func (r *Registry) Get(name string) *Rule {
	for _, rule := range r.rules {
		if strings.EqualFold(rule.Name, name) {
			return rule
		}
	}
	return nil
}

// Rules returns the rules in lookup order.
func (r *Registry) Rules() []*Rule {
	return r.rules
}

// Lookup returns the rule owning obj, or nil.
func (r *Registry) Lookup(obj *changes.SyncObject) *Rule {
	classes := obj.Attrs().ObjectClasses()
	for _, rule := range r.rules {
		if rule.Applies(obj.Side, classes) {
			return rule
		}
	}
	return nil
}

// Configure applies overrides keyed by rule name.
func (r *Registry) Configure(overrides map[string]Override) error {
	for name, o := range overrides {
		rule := r.Get(name)
		if rule == nil {
			return fmt.Errorf("unknown mapping rule %q", name)
		}
		if err := o.apply(rule); err != nil {
			return fmt.Errorf("rule %s: %w", name, err)
		}
	}
	return nil
}
