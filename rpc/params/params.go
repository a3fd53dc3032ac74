// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package params

// Session identifies an authenticated connection. It is the payload of
// the auth service's "active" event.
type Session struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}
