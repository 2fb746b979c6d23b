package graph

import (
	"fmt"
	"strconv"
	"time"
)

// MaxHierarchyDepth is the hard cap on context chain length. A walk that
// needs more hops is a cycle or a misconfiguration, not a real hierarchy.
const MaxHierarchyDepth = 100

// PathSeparator joins ancestor labels in a materialized path.
const PathSeparator = "/"

// ItemType is the closed enumeration of manifest node kinds.
type ItemType string

// Resolvable records.
const (
	ItemTypeProject   ItemType = "projects"
	ItemTypeTable     ItemType = "tables"
	ItemTypeSubject   ItemType = "subjects"
	ItemTypeMedia     ItemType = "media"
	ItemTypeDocument  ItemType = "documents"
	ItemTypePredicate ItemType = "predicates"
	ItemTypeType      ItemType = "types"
	ItemTypePerson    ItemType = "persons"
)

// Vocabulary nodes, addressed by URI.
const (
	ItemTypePublisher  ItemType = "publishers"
	ItemTypeVocabulary ItemType = "vocabularies"
	ItemTypeClass      ItemType = "class"
	ItemTypeProperty   ItemType = "property"
	ItemTypeUnit       ItemType = "units"
	ItemTypeURI        ItemType = "uri"
	ItemTypeMediaType  ItemType = "media-types"
	ItemTypeLanguage   ItemType = "languages"
)

// Structuring nodes. They only group statements and are never
// dereferenced standalone.
const (
	ItemTypeObservation    ItemType = "observations"
	ItemTypeEvent          ItemType = "events"
	ItemTypeAttributeGroup ItemType = "attribute-groups"
)

var itemTypeFamilies = map[ItemType]string{
	ItemTypeProject:        "resolvable",
	ItemTypeTable:          "resolvable",
	ItemTypeSubject:        "resolvable",
	ItemTypeMedia:          "resolvable",
	ItemTypeDocument:       "resolvable",
	ItemTypePredicate:      "resolvable",
	ItemTypeType:           "resolvable",
	ItemTypePerson:         "resolvable",
	ItemTypePublisher:      "vocabulary",
	ItemTypeVocabulary:     "vocabulary",
	ItemTypeClass:          "vocabulary",
	ItemTypeProperty:       "vocabulary",
	ItemTypeUnit:           "vocabulary",
	ItemTypeURI:            "vocabulary",
	ItemTypeMediaType:      "vocabulary",
	ItemTypeLanguage:       "vocabulary",
	ItemTypeObservation:    "structuring",
	ItemTypeEvent:          "structuring",
	ItemTypeAttributeGroup: "structuring",
}

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	_, ok := itemTypeFamilies[t]
	return ok
}

// IsResolvable reports whether nodes of this type are dereferenceable records.
func (t ItemType) IsResolvable() bool { return itemTypeFamilies[t] == "resolvable" }

// IsVocabulary reports whether nodes of this type are URI-addressed vocabulary terms.
func (t ItemType) IsVocabulary() bool { return itemTypeFamilies[t] == "vocabulary" }

// IsStructuring reports whether nodes of this type only group statements.
func (t ItemType) IsStructuring() bool { return itemTypeFamilies[t] == "structuring" }

// IsPredicateCapable reports whether a node of this type may be used as an
// assertion predicate.
func (t ItemType) IsPredicateCapable() bool {
	return t == ItemTypePredicate || t == ItemTypeProperty
}

// IsGeoEligible reports whether spatial/temporal attributes may be inherited
// by nodes of this type.
func (t ItemType) IsGeoEligible() bool {
	switch t {
	case ItemTypeSubject, ItemTypeMedia, ItemTypeDocument, ItemTypeTable, ItemTypePerson, ItemTypeProject:
		return true
	}
	return false
}

// IsLocation reports whether the type is a location/record node.
func (t ItemType) IsLocation() bool { return t == ItemTypeSubject }

// IsMediaLike reports whether the type is a media or document node.
func (t ItemType) IsMediaLike() bool { return t == ItemTypeMedia || t == ItemTypeDocument }

// DataType selects which literal column an assertion populates.
type DataType string

const (
	DataTypeID      DataType = "id"
	DataTypeBoolean DataType = "xsd:boolean"
	DataTypeDate    DataType = "xsd:date"
	DataTypeDouble  DataType = "xsd:double"
	DataTypeInteger DataType = "xsd:integer"
	DataTypeString  DataType = "xsd:string"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeID, DataTypeBoolean, DataTypeDate, DataTypeDouble, DataTypeInteger, DataTypeString:
		return true
	}
	return false
}

// Node is a manifest node, the only kind of addressable thing in the graph.
// Self references (class, project, publisher, context) are ids into the
// same store, never embedded pointers.
type Node struct {
	ID          string
	ItemType    ItemType
	DataType    DataType
	Label       string
	Slug        string
	URI         string
	ItemKey     string
	ItemClassID string
	ProjectID   string
	PublisherID string
	ContextID   string
	Path        string
	Meta        Meta
	SourceID    string
	Created     time.Time
	Updated     time.Time
}

// Clone returns a copy of n that shares no mutable state with it.
func (n *Node) Clone() *Node {
	c := *n
	c.Meta = n.Meta.Clone()
	return &c
}

// Literal holds the payload of a literal-valued assertion. Exactly one
// field is set for a valid literal; all nil for reference assertions.
type Literal struct {
	String   *string
	Boolean  *bool
	Integer  *int64
	Double   *float64
	Datetime *time.Time
}

// IsZero reports whether no literal column is populated.
func (l Literal) IsZero() bool {
	return l.String == nil && l.Boolean == nil && l.Integer == nil && l.Double == nil && l.Datetime == nil
}

// count returns how many literal columns are populated.
func (l Literal) count() int {
	n := 0
	if l.String != nil {
		n++
	}
	if l.Boolean != nil {
		n++
	}
	if l.Integer != nil {
		n++
	}
	if l.Double != nil {
		n++
	}
	if l.Datetime != nil {
		n++
	}
	return n
}

// DataType returns the data type matching the populated column, or "" when
// zero or several columns are set.
func (l Literal) DataType() DataType {
	if l.count() != 1 {
		return ""
	}
	switch {
	case l.String != nil:
		return DataTypeString
	case l.Boolean != nil:
		return DataTypeBoolean
	case l.Integer != nil:
		return DataTypeInteger
	case l.Double != nil:
		return DataTypeDouble
	default:
		return DataTypeDate
	}
}

// Canonical renders the literal for hashing. The format is part of the
// identity rule: changing it changes every assertion id.
func (l Literal) Canonical() string {
	switch {
	case l.String != nil:
		return "s:" + *l.String
	case l.Boolean != nil:
		return "b:" + strconv.FormatBool(*l.Boolean)
	case l.Integer != nil:
		return "i:" + strconv.FormatInt(*l.Integer, 10)
	case l.Double != nil:
		return "d:" + strconv.FormatFloat(*l.Double, 'g', -1, 64)
	case l.Datetime != nil:
		return "t:" + l.Datetime.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// Text renders the literal for display.
func (l Literal) Text() string {
	switch {
	case l.String != nil:
		return *l.String
	case l.Boolean != nil:
		return strconv.FormatBool(*l.Boolean)
	case l.Integer != nil:
		return strconv.FormatInt(*l.Integer, 10)
	case l.Double != nil:
		return strconv.FormatFloat(*l.Double, 'g', -1, 64)
	case l.Datetime != nil:
		return l.Datetime.UTC().Format(time.RFC3339)
	}
	return ""
}

// clone deep-copies the populated column.
func (l Literal) clone() Literal {
	var c Literal
	if l.String != nil {
		v := *l.String
		c.String = &v
	}
	if l.Boolean != nil {
		v := *l.Boolean
		c.Boolean = &v
	}
	if l.Integer != nil {
		v := *l.Integer
		c.Integer = &v
	}
	if l.Double != nil {
		v := *l.Double
		c.Double = &v
	}
	if l.Datetime != nil {
		v := *l.Datetime
		c.Datetime = &v
	}
	return c
}

// StringLiteral, BoolLiteral, IntLiteral, DoubleLiteral and DateLiteral
// build single-column literals.
func StringLiteral(s string) Literal { return Literal{String: &s} }
func BoolLiteral(b bool) Literal { return Literal{Boolean: &b} }
func IntLiteral(i int64) Literal { return Literal{Integer: &i} }
func DoubleLiteral(f float64) Literal { return Literal{Double: &f} }
func DateLiteral(t time.Time) Literal { return Literal{Datetime: &t} }

// Assertion is a single subject → predicate → (object | literal) statement.
type Assertion struct {
	ID               string
	ProjectID        string
	SubjectID        string
	PredicateID      string
	ObjectID         string
	ObservationID    string
	EventID          string
	AttributeGroupID string
	Literal          Literal
	Language         string
	Sort             float64
	Hidden           bool // stored as visible = !Hidden
	SourceID         string
	Created          time.Time
	Updated          time.Time
}

// Clone returns a deep copy of a.
func (a *Assertion) Clone() *Assertion {
	c := *a
	c.Literal = a.Literal.clone()
	return &c
}

// References returns every node id the assertion points at, in column order.
func (a *Assertion) References() []string {
	refs := make([]string, 0, 6)
	for _, id := range []string{a.SubjectID, a.PredicateID, a.ObjectID, a.ObservationID, a.EventID, a.AttributeGroupID} {
		if id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// ReplaceReference rewrites every column holding from to hold to and
// reports whether anything changed. The id is not recomputed.
func (a *Assertion) ReplaceReference(from, to string) bool {
	changed := false
	for _, col := range []*string{&a.SubjectID, &a.PredicateID, &a.ObjectID, &a.ObservationID, &a.EventID, &a.AttributeGroupID} {
		if *col == from {
			*col = to
			changed = true
		}
	}
	return changed
}

// SpaceTime is a directly attached spatial and/or chronological fact.
// A row may carry coordinates, a time span, or both.
type SpaceTime struct {
	ID           string
	ItemID       string
	EventID      string
	FeatureID    int
	Latitude     *float64
	Longitude    *float64
	GeometryType string
	Geometry     string // GeoJSON geometry object, optional
	Earliest     *float64
	Start        *float64
	Stop         *float64
	Latest       *float64
	SourceID     string
	Created      time.Time
	Updated      time.Time
}

// HasGeometry reports whether the fact carries a complete coordinate pair.
// Latitude without longitude (or the reverse) is treated as missing.
func (st *SpaceTime) HasGeometry() bool {
	if st.Latitude == nil || st.Longitude == nil {
		return false
	}
	lat, lon := *st.Latitude, *st.Longitude
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// HasChronology reports whether the fact carries a consistent time span.
func (st *SpaceTime) HasChronology() bool {
	if st.Start == nil || st.Stop == nil {
		return false
	}
	return *st.Start <= *st.Stop
}

// Clone returns a deep copy of st.
func (st *SpaceTime) Clone() *SpaceTime {
	c := *st
	for _, p := range []**float64{&c.Latitude, &c.Longitude, &c.Earliest, &c.Start, &c.Stop, &c.Latest} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}

// String implements fmt.Stringer for log output.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s %q)", n.ItemType, n.ID, n.Label)
}
