package api

import "time"

// Spacetime is the effective spatial/temporal projection of one item.
// It is computed at read time and never written back.
type Spacetime struct {
	ItemID string `json:"item_id"`
	// Geometry is nil when neither the item nor any ancestor has one.
	Geometry *Geometry `json:"geometry,omitempty"`
	// Chronology is nil when neither the item nor any ancestor has one.
	Chronology *Chronology `json:"chronology,omitempty"`
	// GeoSpecificity is the precision/obfuscation level: the item's own
	// value, else its project's default, else absent.
	GeoSpecificity *int   `json:"geo_specificity,omitempty"`
	GeoNote        string `json:"geo_note,omitempty"`
	// Truncated is set when the walk stopped on a loop or the depth cap.
	Truncated bool `json:"truncated,omitempty"`
	// Reason explains an empty or partial result.
	Reason string `json:"reason,omitempty"`
}

// Geometry is a resolved coordinate fact.
type Geometry struct {
	Type       string     `json:"type"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	GeoJSON    string     `json:"geojson,omitempty"`
	FeatureID  int        `json:"feature_id"`
	Provenance Provenance `json:"provenance"`
}

// Chronology is a resolved time span in signed years (negative = BCE).
type Chronology struct {
	Earliest   *float64   `json:"earliest,omitempty"`
	Start      float64    `json:"start"`
	Stop       float64    `json:"stop"`
	Latest     *float64   `json:"latest,omitempty"`
	FeatureID  int        `json:"feature_id"`
	Provenance Provenance `json:"provenance"`
}

// Provenance kinds.
const (
	Given    = "given"
	Inferred = "inferred"
)

// Provenance records which node supplied an attribute.
type Provenance struct {
	Kind        string `json:"kind"`
	SourceID    string `json:"source_id"`
	SourceLabel string `json:"source_label"`
	// Level is 0 for the item itself, n for its n-th ancestor.
	Level int `json:"level"`
	// Note is "given for <label>" or "inferred from <label>".
	Note string `json:"note"`
}

// Term identifies a node in a synthesized statement.
type Term struct {
	ID    string `json:"id"`
	URI   string `json:"uri,omitempty"`
	Label string `json:"label,omitempty"`
}

// Statement is a synthesized, non-persistent assertion.
type Statement struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Predicate Term   `json:"predicate"`
	// Object is set for reference statements; Literal for literal ones.
	Object   *Term  `json:"object,omitempty"`
	Literal  string `json:"literal,omitempty"`
	DataType string `json:"data_type,omitempty"`
	Language string `json:"language,omitempty"`
	// SourceAssertionID is the real assertion this was derived from, empty
	// for default backfill.
	SourceAssertionID string    `json:"source_assertion_id,omitempty"`
	LocalPredicateID  string    `json:"local_predicate_id,omitempty"`
	Default           bool      `json:"default,omitempty"`
	Created           time.Time `json:"created,omitempty"`
	Updated           time.Time `json:"updated,omitempty"`
}

// SensitivityReport summarizes one propagation run over a project.
type SensitivityReport struct {
	ProjectID string `json:"project_id"`
	// Flagged counts nodes newly flagged by this run.
	Flagged        int      `json:"flagged"`
	AlreadyFlagged int      `json:"already_flagged"`
	Checked        int      `json:"checked"`
	Resumed        bool     `json:"resumed,omitempty"`
	FlaggedIDs     []string `json:"flagged_ids,omitempty"`
}

// MergePair is one (keep, delete) alignment.
type MergePair struct {
	Keep       string `json:"keep"`
	Delete     string `json:"delete"`
	KeepPath   string `json:"keep_path"`
	DeletePath string `json:"delete_path"`
}

// MergeReport accumulates the outcome of a subtree merge. A run never
// stops at the first problem; Errors and Warnings collect them instead.
type MergeReport struct {
	KeepRootID           string      `json:"keep_root_id"`
	DeleteRootID         string      `json:"delete_root_id"`
	DryRun               bool        `json:"dry_run,omitempty"`
	Merged               []MergePair `json:"merged"`
	RedirectedAssertions int         `json:"redirected_assertions"`
	RedirectedSpaceTime  int         `json:"redirected_spacetime"`
	RedirectedClasses    int         `json:"redirected_classes"`
	ReparentedChildren   int         `json:"reparented_children"`
	Warnings             []string    `json:"warnings,omitempty"`
	Errors               []string    `json:"errors,omitempty"`
}

// Result is one entry of a batch response. A failed item carries Error
// and never blocks its siblings.
type Result[T any] struct {
	ID    string `json:"id"`
	Value T      `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}
