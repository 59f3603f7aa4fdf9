package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates a referenced client, tier, invoice or payment is absent.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates input rejected before any store write.
	ErrValidation = errors.New("validation failed")
	// ErrUniqueConstraint indicates a store uniqueness violation.
	ErrUniqueConstraint = errors.New("unique constraint violated")
	// ErrConflict indicates another writer currently owns the resource.
	ErrConflict = errors.New("conflict")
	// ErrStoreIO indicates a transient store failure. Never retried by the core.
	ErrStoreIO = errors.New("store unavailable")
)

// ValidationError carries field-level messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError with a single field message.
func NewValidationError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

// Add records a message for field. The first message per field wins.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StoreError wraps a failed store call with the operation that issued it.
type StoreError struct {
	Op  string
	Err error
}

// StoreIO wraps err as a store failure. Returns nil for a nil err.
func StoreIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreIO, e.Err}
}

// UserSafeMessage returns an error description suitable for API clients.
// Store failures are reduced to a generic message.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return "the billing store is temporarily unavailable, retry the operation"
	}
	return err.Error()
}
