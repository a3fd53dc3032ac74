// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds helpers shared by the test suites.
package testing

import "time"

const (
	// LongWait is used when the test expects the event to happen and
	// only fails after this long.
	LongWait = 10 * time.Second

	// ShortWait is used when the test expects nothing to happen and
	// gives it this long to prove it.
	ShortWait = 50 * time.Millisecond
)
