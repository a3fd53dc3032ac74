// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params defines the wire representation of errors crossing the
// RPC boundary, and the translation between wire codes and the typed
// errors used inside the backend.
package params

import (
	"encoding/json"

	"github.com/juju/errors"

	corecontent "github.com/coedit/coedit/core/content"
)

// Error is the wire form of any error returned in a REPLY_ERROR frame.
// Info carries the structured payload of entity errors.
type Error struct {
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Info    map[string]interface{} `json:"info,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}

// ErrorCode returns the wire code of the error.
func (e *Error) ErrorCode() string {
	return e.Code
}

// The set of error codes crossing the wire. These are stable protocol
// values, not internal identifiers.
const (
	CodeInvalidEntity  = "invalid entity"
	CodeAlreadyExists  = "already exists"
	CodeNotFound       = "not found"
	CodeEntityTooLarge = "entity too large"
	CodeTypeError      = "type error"
	CodeUnauthorized   = "unauthorized access"
	CodeDisconnected   = "disconnected"
	CodeAssert         = "assertion failed"
)

// ErrCode returns the wire code of an error, unwrapping juju/errors
// annotations on the way.
func ErrCode(err error) string {
	type coder interface {
		ErrorCode() string
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// IsCodeNotFound reports whether the error carries CodeNotFound.
func IsCodeNotFound(err error) bool {
	return ErrCode(err) == CodeNotFound
}

// IsCodeAlreadyExists reports whether the error carries CodeAlreadyExists.
func IsCodeAlreadyExists(err error) bool {
	return ErrCode(err) == CodeAlreadyExists
}

// IsCodeUnauthorized reports whether the error carries CodeUnauthorized.
func IsCodeUnauthorized(err error) bool {
	return ErrCode(err) == CodeUnauthorized
}

// TranslateError maps a backend error to its wire form. Unrecognised
// errors cross the wire with their message and no code.
func TranslateError(err error) *Error {
	if err == nil {
		return nil
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	out := &Error{Message: err.Error()}

	var invalid *corecontent.InvalidEntityError
	var exists *corecontent.AlreadyExistsError
	var tooLarge *corecontent.EntityTooLargeError
	var unsupported *corecontent.UnsupportedTypeError
	var assert *corecontent.AssertError
	switch {
	case errors.As(err, &invalid):
		out.Code = CodeInvalidEntity
		out.Info = map[string]interface{}{
			"entityName": invalid.EntityName,
			"key":        invalid.Key,
		}
	case errors.As(err, &exists):
		out.Code = CodeAlreadyExists
		out.Info = map[string]interface{}{
			"entityName": exists.EntityName,
			"key":        exists.Key,
			"value":      exists.Value,
		}
	case errors.As(err, &tooLarge):
		out.Code = CodeEntityTooLarge
		out.Info = map[string]interface{}{
			"entityName": tooLarge.EntityName,
			"size":       tooLarge.Size,
			"max":        tooLarge.Max,
		}
	case errors.As(err, &unsupported):
		out.Code = CodeTypeError
		out.Info = map[string]interface{}{"type": unsupported.Type}
	case errors.As(err, &assert):
		out.Code = CodeAssert
	case errors.Is(err, errors.NotFound):
		out.Code = CodeNotFound
	case errors.Is(err, errors.Unauthorized):
		out.Code = CodeUnauthorized
	}
	return out
}

// TranslateWireError maps a wire error back to the typed error the code
// represents, so client-side callers can use the same predicates as
// server-side ones.
func TranslateWireError(err *Error) error {
	if err == nil {
		return nil
	}
	switch err.Code {
	case CodeInvalidEntity:
		return &corecontent.InvalidEntityError{
			EntityName: infoString(err.Info, "entityName"),
			Key:        infoString(err.Info, "key"),
		}
	case CodeAlreadyExists:
		return &corecontent.AlreadyExistsError{
			EntityName: infoString(err.Info, "entityName"),
			Key:        infoString(err.Info, "key"),
			Value:      infoValue(err.Info, "value"),
		}
	case CodeEntityTooLarge:
		return &corecontent.EntityTooLargeError{
			EntityName: infoString(err.Info, "entityName"),
			Size:       infoInt(err.Info, "size"),
			Max:        infoInt(err.Info, "max"),
		}
	case CodeTypeError:
		return corecontent.NewUnsupportedType(infoString(err.Info, "type"))
	case CodeAssert:
		return &corecontent.AssertError{Message: err.Message}
	case CodeNotFound:
		return errors.NewNotFound(nil, err.Message)
	case CodeUnauthorized:
		return errors.NewUnauthorized(nil, err.Message)
	}
	return err
}

func infoString(info map[string]interface{}, key string) string {
	s, _ := info[key].(string)
	return s
}

func infoValue(info map[string]interface{}, key string) interface{} {
	return info[key]
}

func infoInt(info map[string]interface{}, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	}
	return 0
}
