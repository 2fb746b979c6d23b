package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Reader is the read side of the graph store. Resolvers depend only on this.
type Reader interface {
	GetNode(ctx context.Context, id string) (*Node, error)
	FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error)
	GetAssertion(ctx context.Context, id string) (*Assertion, error)
	FindAssertions(ctx context.Context, f AssertionFilter) ([]*Assertion, error)
	// FindSpaceTime returns the facts attached to any of itemIDs, ordered by
	// item, feature rank, then id.
	FindSpaceTime(ctx context.Context, itemIDs ...string) ([]*SpaceTime, error)
}

// Writer is the mutating side of the graph store.
type Writer interface {
	UpsertNode(ctx context.Context, n *Node) (*Node, error)
	UpsertAssertion(ctx context.Context, a *Assertion) (*Assertion, error)
	UpsertSpaceTime(ctx context.Context, st *SpaceTime) (*SpaceTime, error)
	DeleteNode(ctx context.Context, id string) error
	DeleteAssertion(ctx context.Context, id string) error
	DeleteSpaceTime(ctx context.Context, id string) error
}

// Store is a complete graph store backend.
// This allows us to swap the backend (Memory -> SQLite) under every resolver.
type Store interface {
	Reader
	Writer
	Close() error
}

// NodeFilter selects nodes. Zero-valued fields do not constrain.
// Results are ordered by id.
type NodeFilter struct {
	IDs         []string
	ItemTypes   []ItemType
	ProjectID   string
	ContextID   string
	ItemClassID string
	Label       string
	Path        string
	PathPrefix  string
	URIs        []string
	ExcludeIDs  []string
	AfterID     string // only ids strictly greater, for resumable scans
	Limit       int
}

// Match reports whether n satisfies f.
func (f NodeFilter) Match(n *Node) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, n.ID) {
		return false
	}
	if len(f.ItemTypes) > 0 {
		ok := false
		for _, t := range f.ItemTypes {
			if n.ItemType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ProjectID != "" && n.ProjectID != f.ProjectID {
		return false
	}
	if f.ContextID != "" && n.ContextID != f.ContextID {
		return false
	}
	if f.ItemClassID != "" && n.ItemClassID != f.ItemClassID {
		return false
	}
	if f.Label != "" && n.Label != f.Label {
		return false
	}
	if f.Path != "" && n.Path != f.Path {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(n.Path, f.PathPrefix) {
		return false
	}
	if len(f.URIs) > 0 && (n.URI == "" || !contains(f.URIs, n.URI)) {
		return false
	}
	if len(f.ExcludeIDs) > 0 && contains(f.ExcludeIDs, n.ID) {
		return false
	}
	if f.AfterID != "" && n.ID <= f.AfterID {
		return false
	}
	return true
}

// AssertionFilter selects assertions. Zero-valued fields do not constrain.
// Results are ordered by sort value, then id.
type AssertionFilter struct {
	IDs          []string
	ProjectID    string
	SubjectIDs   []string
	PredicateIDs []string
	ObjectIDs    []string
	// References matches an assertion pointing at any of these ids in any
	// reference column.
	References  []string
	VisibleOnly bool
}

// Match reports whether a satisfies f.
func (f AssertionFilter) Match(a *Assertion) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, a.ID) {
		return false
	}
	if f.ProjectID != "" && a.ProjectID != f.ProjectID {
		return false
	}
	if len(f.SubjectIDs) > 0 && !contains(f.SubjectIDs, a.SubjectID) {
		return false
	}
	if len(f.PredicateIDs) > 0 && !contains(f.PredicateIDs, a.PredicateID) {
		return false
	}
	if len(f.ObjectIDs) > 0 && (a.ObjectID == "" || !contains(f.ObjectIDs, a.ObjectID)) {
		return false
	}
	if len(f.References) > 0 {
		hit := false
		for _, r := range a.References() {
			if contains(f.References, r) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.VisibleOnly && a.Hidden {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortAssertions(as []*Assertion) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Sort != as[j].Sort {
			return as[i].Sort < as[j].Sort
		}
		return as[i].ID < as[j].ID
	})
}

func sortSpaceTime(sts []*SpaceTime) {
	sort.Slice(sts, func(i, j int) bool {
		a, b := sts[i], sts[j]
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		if a.FeatureID != b.FeatureID {
			return a.FeatureID < b.FeatureID
		}
		return a.ID < b.ID
	})
}

// Ancestors walks the context chain upward from the node with id start and
// returns its ancestors nearest first, not including start itself.
// The walk stops at a node without a context, at a node in stop, or after
// maxDepth hops. Exceeding maxDepth or revisiting a node returns the
// ancestors collected so far together with ErrDepthExceeded. Cancellation
// is checked before every hop.
func Ancestors(ctx context.Context, r Reader, start string, maxDepth int, stop map[string]bool) ([]*Node, error) {
	if maxDepth <= 0 || maxDepth > MaxHierarchyDepth {
		maxDepth = MaxHierarchyDepth
	}
	cur, err := r.GetNode(ctx, start)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{cur.ID: true}
	var chain []*Node
	for hop := 0; cur.ContextID != "" && !stop[cur.ID]; hop++ {
		if err := ctx.Err(); err != nil {
			return chain, err
		}
		if hop >= maxDepth {
			return chain, fmt.Errorf("walk from %s passed %d hops: %w", start, maxDepth, ErrDepthExceeded)
		}
		if seen[cur.ContextID] {
			return chain, fmt.Errorf("context loop at %s from %s: %w", cur.ContextID, start, ErrDepthExceeded)
		}
		parent, err := r.GetNode(ctx, cur.ContextID)
		if err != nil {
			return chain, fmt.Errorf("context of %s: %w", cur.ID, err)
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// optionalRef dereferences id, treating "" as absent.
func optionalRef(ctx context.Context, r Reader, id string) (*Node, error) {
	if id == "" {
		return nil, nil
	}
	n, err := r.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ClassOf returns the classifying node of n, or nil when n has none.
func ClassOf(ctx context.Context, r Reader, n *Node) (*Node, error) {
	return optionalRef(ctx, r, n.ItemClassID)
}

// ParentOf returns the context parent of n, or nil for a root.
func ParentOf(ctx context.Context, r Reader, n *Node) (*Node, error) {
	return optionalRef(ctx, r, n.ContextID)
}

// ProjectOf returns the owning project of n, or nil when unset.
func ProjectOf(ctx context.Context, r Reader, n *Node) (*Node, error) {
	return optionalRef(ctx, r, n.ProjectID)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
