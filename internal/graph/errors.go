package graph

import "errors"

// Error taxonomy shared by the store and every resolver built on it.
var (
	// ErrNotFound is returned when dereferencing an id that is not in the store.
	ErrNotFound = errors.New("node not found")

	// ErrConstraintViolation is returned when a write breaks a typing rule:
	// a literal/object column that disagrees with the predicate data type,
	// a meta key outside the allow-list, or an identity collision.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrDepthExceeded is returned when a context chain walk passes
	// MaxHierarchyDepth or loops back on itself.
	ErrDepthExceeded = errors.New("hierarchy depth exceeded")

	// ErrAmbiguousMatch is returned when a lookup that must yield exactly
	// one candidate yields several.
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrCacheUnavailable is returned when a Context Map cannot be built.
	ErrCacheUnavailable = errors.New("context map unavailable")
)
