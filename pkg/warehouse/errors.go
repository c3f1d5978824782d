package warehouse

import "errors"

// Error classes for the load path. Callers match them with errors.Is; the
// wrapped message carries the specifics.
var (
	// ErrConfig marks construction-time misuse: bad attribute sets, a
	// missing target connection, an unsupported parameter style.
	ErrConfig = errors.New("invalid configuration")

	// ErrData marks a row that lacks values an operation requires.
	ErrData = errors.New("row is missing required data")

	// ErrConsistency marks database state that contradicts the request,
	// such as a fact whose stored measures differ under a compared ensure.
	ErrConsistency = errors.New("inconsistent warehouse state")

	// ErrAbsent marks operations where a missing member is exceptional.
	// Plain lookups signal absence through the default key value instead.
	ErrAbsent = errors.New("member not found")
)
