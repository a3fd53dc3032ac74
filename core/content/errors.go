// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content

import (
	"fmt"

	"github.com/juju/errors"
)

// InvalidEntityError reports an entity that failed structural validation.
// Key is the dotted path of the offending field.
type InvalidEntityError struct {
	EntityName string
	Entity     interface{}
	Key        string
}

// NewInvalidEntity returns an InvalidEntityError for the named entity.
func NewInvalidEntity(name string, entity interface{}, key string) error {
	return &InvalidEntityError{EntityName: name, Entity: entity, Key: key}
}

// Error implements error.
func (e *InvalidEntityError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid %s", e.EntityName)
	}
	return fmt.Sprintf("invalid %s: %s", e.EntityName, e.Key)
}

// Is makes the error satisfy errors.Is(err, errors.NotValid).
func (*InvalidEntityError) Is(target error) bool {
	return target == errors.NotValid
}

// IsInvalidEntity reports whether err is an InvalidEntityError.
func IsInvalidEntity(err error) bool {
	var e *InvalidEntityError
	return errors.As(err, &e)
}

// AlreadyExistsError reports a duplicate key on insert. For version
// conflicts Key is "version" and Value carries the current maximum
// version, which drives conflict-driven catch-up.
type AlreadyExistsError struct {
	EntityName string
	Key        string
	Value      interface{}
}

// NewAlreadyExists returns an AlreadyExistsError for the named entity.
func NewAlreadyExists(name, key string, value interface{}) error {
	return &AlreadyExistsError{EntityName: name, Key: key, Value: value}
}

// Error implements error.
func (e *AlreadyExistsError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s already exists: %s", e.EntityName, e.Key)
	}
	return fmt.Sprintf("%s already exists: %s=%v", e.EntityName, e.Key, e.Value)
}

// Is makes the error satisfy errors.Is(err, errors.AlreadyExists).
func (*AlreadyExistsError) Is(target error) bool {
	return target == errors.AlreadyExists
}

// IsAlreadyExists reports whether err is an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var e *AlreadyExistsError
	return errors.As(err, &e)
}

// VersionConflict extracts the current maximum version from a version
// conflict error. The ok result is false for any other error.
func VersionConflict(err error) (int64, bool) {
	var e *AlreadyExistsError
	if !errors.As(err, &e) || e.Key != "version" {
		return 0, false
	}
	switch v := e.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// EntityTooLargeError reports an entity exceeding a configured size cap.
type EntityTooLargeError struct {
	EntityName string
	Size       int
	Max        int
}

// NewEntityTooLarge returns an EntityTooLargeError for the named entity.
func NewEntityTooLarge(name string, size, max int) error {
	return &EntityTooLargeError{EntityName: name, Size: size, Max: max}
}

// Error implements error.
func (e *EntityTooLargeError) Error() string {
	return fmt.Sprintf("%s too large: %d bytes exceeds limit of %d", e.EntityName, e.Size, e.Max)
}

// IsEntityTooLarge reports whether err is an EntityTooLargeError.
func IsEntityTooLarge(err error) bool {
	var e *EntityTooLargeError
	return errors.As(err, &e)
}

// UnsupportedTypeError reports a document type with no registered
// content type.
type UnsupportedTypeError struct {
	Type string
}

// NewUnsupportedType returns an UnsupportedTypeError for the given type.
func NewUnsupportedType(contentType string) error {
	return &UnsupportedTypeError{Type: contentType}
}

// Error implements error.
func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported content type %q", e.Type)
}

// Is makes the error satisfy errors.Is(err, errors.NotSupported).
func (*UnsupportedTypeError) Is(target error) bool {
	return target == errors.NotSupported
}

// IsUnsupportedType reports whether err is an UnsupportedTypeError.
func IsUnsupportedType(err error) bool {
	var e *UnsupportedTypeError
	return errors.As(err, &e)
}

// AssertError reports a violated internal invariant. It is a bug in the
// backend or the store, never a caller mistake.
type AssertError struct {
	Message string
}

// NewAssert returns an AssertError with the formatted message.
func NewAssert(format string, args ...interface{}) error {
	return &AssertError{Message: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *AssertError) Error() string {
	return "assertion failed: " + e.Message
}

// IsAssert reports whether err is an AssertError.
func IsAssert(err error) bool {
	var e *AssertError
	return errors.As(err, &e)
}
