// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package presence holds the value types for the presence service: who is
// editing what, keyed by session.
package presence

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"

	corecontent "github.com/coedit/coedit/core/content"
)

// Presence records one session's location within a document, for example
// a caret position or selection range. Data is opaque to the backend.
type Presence struct {
	SessionID string               `json:"sessionId"`
	UserID    string               `json:"userId"`
	Location  corecontent.Document `json:"location"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Meta      corecontent.Metadata `json:"meta,omitempty"`
	Updated   time.Time            `json:"updated"`
}

// Validate checks the record for structural validity.
func (p Presence) Validate() error {
	if p.SessionID == "" {
		return corecontent.NewInvalidEntity("presence", p, "sessionId")
	}
	if p.UserID == "" {
		return corecontent.NewInvalidEntity("presence", p, "userId")
	}
	if err := p.Location.Validate(); err != nil {
		return errors.Trace(corecontent.NewInvalidEntity("presence", p, "location"))
	}
	return nil
}
