package graph

import (
	"fmt"
	"math"
	"sort"
)

// MetaKind is the value kind a meta key accepts.
type MetaKind int

const (
	MetaBool MetaKind = iota
	MetaInt
	MetaString
	MetaDouble
)

func (k MetaKind) String() string {
	switch k {
	case MetaBool:
		return "bool"
	case MetaInt:
		return "int"
	case MetaString:
		return "string"
	case MetaDouble:
		return "double"
	}
	return "unknown"
}

// Meta keys recognised by the allow-list.
const (
	MetaFlagHumanRemains = "flag_human_remains"
	MetaGeoSpecificity   = "geo_specificity"
	MetaGeoNote          = "geo_note"
	MetaAltLabel         = "skos_alt_label"
	MetaSort             = "sort"
)

type metaRule struct {
	kind  MetaKind
	types map[ItemType]bool
}

func typeSet(ts ...ItemType) map[ItemType]bool {
	m := make(map[ItemType]bool, len(ts))
	for _, t := range ts {
		m[t] = true
	}
	return m
}

// metaAllowList is the (key, kind, item types) table every meta bag is
// validated against.
var metaAllowList = map[string]metaRule{
	MetaFlagHumanRemains: {MetaBool, typeSet(ItemTypeSubject, ItemTypeMedia, ItemTypeDocument, ItemTypeProject, ItemTypeTable, ItemTypePerson)},
	MetaGeoSpecificity:   {MetaInt, typeSet(ItemTypeProject, ItemTypeSubject, ItemTypeMedia, ItemTypeDocument, ItemTypeTable)},
	MetaGeoNote:          {MetaString, typeSet(ItemTypeProject, ItemTypeSubject)},
	MetaAltLabel:         {MetaString, typeSet(ItemTypePredicate, ItemTypeType, ItemTypeClass, ItemTypeProperty)},
	MetaSort:             {MetaDouble, typeSet(ItemTypePredicate, ItemTypeType)},
}

// Meta is the typed form of a node's meta_json bag. Nil fields are absent.
type Meta struct {
	FlagHumanRemains *bool
	GeoSpecificity   *int
	GeoNote          *string
	AltLabel         *string
	Sort             *float64
}

// Clone deep-copies m.
func (m Meta) Clone() Meta {
	var c Meta
	if m.FlagHumanRemains != nil {
		v := *m.FlagHumanRemains
		c.FlagHumanRemains = &v
	}
	if m.GeoSpecificity != nil {
		v := *m.GeoSpecificity
		c.GeoSpecificity = &v
	}
	if m.GeoNote != nil {
		v := *m.GeoNote
		c.GeoNote = &v
	}
	if m.AltLabel != nil {
		v := *m.AltLabel
		c.AltLabel = &v
	}
	if m.Sort != nil {
		v := *m.Sort
		c.Sort = &v
	}
	return c
}

// HumanRemains reports whether the node carries a true human remains flag.
func (m Meta) HumanRemains() bool {
	return m.FlagHumanRemains != nil && *m.FlagHumanRemains
}

// Map returns the bag form of m for storage.
func (m Meta) Map() map[string]any {
	out := make(map[string]any)
	if m.FlagHumanRemains != nil {
		out[MetaFlagHumanRemains] = *m.FlagHumanRemains
	}
	if m.GeoSpecificity != nil {
		out[MetaGeoSpecificity] = *m.GeoSpecificity
	}
	if m.GeoNote != nil {
		out[MetaGeoNote] = *m.GeoNote
	}
	if m.AltLabel != nil {
		out[MetaAltLabel] = *m.AltLabel
	}
	if m.Sort != nil {
		out[MetaSort] = *m.Sort
	}
	return out
}

// Validate checks that every populated field is allowed for itemType.
func (m Meta) Validate(itemType ItemType) error {
	keys := make([]string, 0, 5)
	for k := range m.Map() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !metaAllowList[k].types[itemType] {
			return fmt.Errorf("meta key %q not allowed for %s: %w", k, itemType, ErrConstraintViolation)
		}
	}
	return nil
}

// ParseMeta converts an open key bag into Meta, rejecting unknown keys,
// keys not allowed for itemType, and values of the wrong kind.
func ParseMeta(itemType ItemType, bag map[string]any) (Meta, error) {
	var m Meta
	keys := make([]string, 0, len(bag))
	for k := range bag {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rule, ok := metaAllowList[k]
		if !ok {
			return Meta{}, fmt.Errorf("unknown meta key %q: %w", k, ErrConstraintViolation)
		}
		if !rule.types[itemType] {
			return Meta{}, fmt.Errorf("meta key %q not allowed for %s: %w", k, itemType, ErrConstraintViolation)
		}
		v := bag[k]
		if v == nil {
			continue
		}
		if err := m.set(k, rule.kind, v); err != nil {
			return Meta{}, err
		}
	}
	return m, nil
}

func (m *Meta) set(key string, kind MetaKind, v any) error {
	bad := func() error {
		return fmt.Errorf("meta key %q wants %s, got %T: %w", key, kind, v, ErrConstraintViolation)
	}
	switch kind {
	case MetaBool:
		b, ok := v.(bool)
		if !ok {
			return bad()
		}
		m.FlagHumanRemains = &b
	case MetaInt:
		i, ok := asInt(v)
		if !ok {
			return bad()
		}
		m.GeoSpecificity = &i
	case MetaString:
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		switch key {
		case MetaGeoNote:
			m.GeoNote = &s
		case MetaAltLabel:
			m.AltLabel = &s
		}
	case MetaDouble:
		f, ok := asFloat(v)
		if !ok {
			return bad()
		}
		m.Sort = &f
	}
	return nil
}

// asInt accepts integral JSON numbers in any of the shapes decoders produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
