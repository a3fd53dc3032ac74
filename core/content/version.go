// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content

// Version bounds. MaxVersion is the "latest" sentinel accepted wherever a
// version argument marks the end of a range.
const (
	MinVersion int64 = 0
	MaxVersion int64 = 1<<31 - 1
)

// ClampVersionRange normalises a [start, end) version range request.
// Negative starts are raised to MinVersion and ends beyond the sentinel
// are clamped to MaxVersion. The returned empty flag is true when the
// range selects nothing.
func ClampVersionRange(start, end int64) (int64, int64, bool) {
	if start < MinVersion {
		start = MinVersion
	}
	if end > MaxVersion {
		end = MaxVersion
	}
	return start, end, start >= end
}
