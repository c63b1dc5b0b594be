// Package syncerr defines the error taxonomy of the synchronization engine.
//
// Every error raised while processing a change falls into one of four kinds:
//
//   - transient: a directory is unreachable; the scheduler backs off and the
//     cursor is not advanced
//   - mapping: an attribute value cannot be transformed; the change is rejected
//   - constraint: the target directory refused the write; the change is rejected
//   - fatal: configuration or persistent state is unusable; startup aborts
//
// Mapping and constraint errors are scoped to a single object and never stop
// propagation of unrelated changes.
package syncerr

import (
	"errors"
	"fmt"

	"github.com/isometry/dirsync/internal/ldap"
)

// ErrTransient marks a directory as temporarily unreachable.
var ErrTransient = errors.New("directory unreachable")

// Kind classifies an error for the scheduler.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindMapping
	KindConstraint
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMapping:
		return "mapping"
	case KindConstraint:
		return "constraint"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransient, e.err)
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// MappingError reports an attribute whose value could not be transformed.
type MappingError struct {
	Rule      string
	Attribute string
	Err       error
}

func (e *MappingError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("mapping %s/%s: %v", e.Rule, e.Attribute, e.Err)
	}
	return fmt.Sprintf("mapping %s: %v", e.Attribute, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// ConstraintViolation reports a write refused by the target directory.
type ConstraintViolation struct {
	DN   string
	Code uint16
	Err  error
}

func (e *ConstraintViolation) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("constraint violation on %s (code %d): %v", e.DN, e.Code, e.Err)
	}
	return fmt.Sprintf("constraint violation on %s: %v", e.DN, e.Err)
}

func (e *ConstraintViolation) Unwrap() error {
	return e.Err
}

// FatalConfigError aborts startup.
type FatalConfigError struct {
	Component string
	Err       error
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Component, e.Err)
}

func (e *FatalConfigError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalConfigError for the named component.
func Fatal(component string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalConfigError{Component: component, Err: err}
}

// FromWrite converts an error returned by a directory write on dn into the
// taxonomy. Errors that are already classified pass through unchanged.
func FromWrite(dn string, err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case KindTransient, KindMapping, KindConstraint, KindFatal:
		return err
	}

	switch ldap.GetErrorCategory(err) {
	case ldap.ErrorCategoryConnection, ldap.ErrorCategoryServer, ldap.ErrorCategoryAuthentication:
		return Transient(err)
	default:
		return &ConstraintViolation{DN: dn, Code: ldap.ResultCode(err), Err: err}
	}
}

// FromRead converts an error returned by a directory read. Reads only fail
// for reasons outside the object, so anything unclassified is transient.
func FromRead(err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) != KindUnknown {
		return err
	}
	return Transient(err)
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var fatal *FatalConfigError
	var mapping *MappingError
	var constraint *ConstraintViolation

	switch {
	case errors.As(err, &fatal):
		return KindFatal
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.As(err, &mapping):
		return KindMapping
	case errors.As(err, &constraint):
		return KindConstraint
	default:
		return KindUnknown
	}
}

// Rejectable reports whether err should turn the change into a rejected
// change rather than stop the current drain.
func Rejectable(err error) bool {
	switch Classify(err) {
	case KindMapping, KindConstraint:
		return true
	default:
		return false
	}
}
