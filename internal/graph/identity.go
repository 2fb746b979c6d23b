package graph

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// identityNamespace seeds every content-derived id. Changing it changes
// every assertion id ever written.
var identityNamespace = uuid.MustParse("5d1c6a2e-9b0f-4f57-8a51-0e2a4c3b7d19")

// fieldSep cannot appear in ids and is escaped out of literals.
const fieldSep = "\x1f"

// NewNodeID returns a fresh random id for nodes that are not content addressed.
func NewNodeID() string {
	return uuid.New().String()
}

// normalizeRef is the null/format rule for reference columns: absent
// references hash as the empty string and ids are trimmed. Node ids are
// case-sensitive, so no case folding happens here.
func normalizeRef(id string) string {
	return strings.TrimSpace(id)
}

// ContentID hashes an ordered list of already-normalized fields under a
// kind prefix into a UUID-shaped id.
func ContentID(kind string, fields ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	for _, f := range fields {
		b.WriteString(fieldSep)
		b.WriteString(strings.ReplaceAll(f, fieldSep, " "))
	}
	return uuid.NewSHA1(identityNamespace, []byte(b.String())).String()
}

// AssertionKey is the normalized identity tuple of an assertion. Field
// order here is the identity rule; readers doing duplicate checks must go
// through this type rather than hashing columns themselves.
type AssertionKey struct {
	Subject        string
	Predicate      string
	Object         string
	Literal        string
	Observation    string
	Event          string
	AttributeGroup string
}

// KeyOf builds the normalized identity tuple for a. String literals carry
// their language tag so the same text in two languages stays two facts.
func KeyOf(a *Assertion) AssertionKey {
	lit := a.Literal.Canonical()
	if a.Literal.String != nil && a.Language != "" {
		lit = "s@" + strings.ToLower(a.Language) + ":" + *a.Literal.String
	}
	return AssertionKey{
		Subject:        normalizeRef(a.SubjectID),
		Predicate:      normalizeRef(a.PredicateID),
		Object:         normalizeRef(a.ObjectID),
		Literal:        lit,
		Observation:    normalizeRef(a.ObservationID),
		Event:          normalizeRef(a.EventID),
		AttributeGroup: normalizeRef(a.AttributeGroupID),
	}
}

// ID hashes the key.
func (k AssertionKey) ID() string {
	return ContentID("assertion/v1",
		k.Subject, k.Predicate, k.Object, k.Literal,
		k.Observation, k.Event, k.AttributeGroup)
}

// AssertionID returns the deterministic id for a.
func AssertionID(a *Assertion) string {
	return KeyOf(a).ID()
}

// SpaceTimeID returns the deterministic id for a spacetime fact, keyed by
// item, event and feature rank.
func SpaceTimeID(st *SpaceTime) string {
	return ContentID("spacetime/v1",
		normalizeRef(st.ItemID), normalizeRef(st.EventID), strconv.Itoa(st.FeatureID))
}
