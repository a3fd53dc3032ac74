// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"

	corecontent "github.com/coedit/coedit/core/content"
	corepresence "github.com/coedit/coedit/core/presence"
)

// Identity is an authenticated principal.
type Identity struct {
	UserID string
}

// Authorizer is the external policy collaborator gating the content and
// presence services. The server never inspects credentials itself.
type Authorizer interface {
	// Authenticate checks the credentials presented to logIn and
	// returns the identity they prove. Failures are returned as
	// unauthorized errors.
	Authenticate(ctx context.Context, credentials json.RawMessage) (Identity, error)

	// MayReadContent reports whether the identity may read the
	// document's snapshots and operations.
	MayReadContent(ctx context.Context, id Identity, doc corecontent.Document) (bool, error)

	// MayWriteContent reports whether the identity may register
	// schemas for and submit operations to the document.
	MayWriteContent(ctx context.Context, id Identity, doc corecontent.Document) (bool, error)

	// MayReadPresence reports whether the identity may observe the
	// given presence record.
	MayReadPresence(ctx context.Context, id Identity, p corepresence.Presence) (bool, error)

	// MayWritePresence reports whether the identity may publish the
	// given presence record.
	MayWritePresence(ctx context.Context, id Identity, p corepresence.Presence) (bool, error)
}
