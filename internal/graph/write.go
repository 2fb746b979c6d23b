package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// backend is the raw persistence surface a store exposes to the shared
// write rules below. put/remove do no validation; callers hold whatever
// lock or transaction makes the read-then-write sequence atomic.
type backend interface {
	Reader
	putNode(ctx context.Context, n *Node) error
	putAssertion(ctx context.Context, a *Assertion) error
	putSpaceTime(ctx context.Context, st *SpaceTime) error
	removeNode(ctx context.Context, id string) error
	removeAssertion(ctx context.Context, id string) error
	removeSpaceTime(ctx context.Context, id string) error
}

// pathFor is the materialized path rule: the parent's path plus the
// node's own label, with root markers contributing nothing.
func pathFor(n, parent *Node, roots map[string]bool) string {
	if parent == nil || roots[parent.ID] {
		return n.Label
	}
	if parent.Path == "" {
		return n.Label
	}
	return parent.Path + PathSeparator + n.Label
}

func validateNode(n *Node) error {
	if !n.ItemType.Valid() {
		return fmt.Errorf("node %s: unknown item type %q: %w", n.ID, n.ItemType, ErrConstraintViolation)
	}
	if !n.DataType.Valid() {
		return fmt.Errorf("node %s: unknown data type %q: %w", n.ID, n.DataType, ErrConstraintViolation)
	}
	if n.Label == "" {
		return fmt.Errorf("node %s: empty label: %w", n.ID, ErrConstraintViolation)
	}
	if n.ContextID != "" && n.ContextID == n.ID {
		return fmt.Errorf("node %s is its own context: %w", n.ID, ErrDepthExceeded)
	}
	return n.Meta.Validate(n.ItemType)
}

func upsertNode(ctx context.Context, b backend, roots map[string]bool, in *Node) (*Node, error) {
	n := in.Clone()
	if n.DataType == "" {
		n.DataType = DataTypeID
	}
	if n.ID == "" {
		n.ID = NewNodeID()
	}
	if err := validateNode(n); err != nil {
		return nil, err
	}

	existing, err := b.GetNode(ctx, n.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var parent *Node
	if n.ContextID != "" {
		parent, err = b.GetNode(ctx, n.ContextID)
		if err != nil {
			return nil, fmt.Errorf("context %s of %s: %w", n.ContextID, n.ID, err)
		}
		chain, err := Ancestors(ctx, b, parent.ID, MaxHierarchyDepth, nil)
		if err != nil {
			return nil, fmt.Errorf("context chain of %s: %w", n.ID, err)
		}
		for _, a := range chain {
			if a.ID == n.ID {
				return nil, fmt.Errorf("context of %s loops through itself: %w", n.ID, ErrDepthExceeded)
			}
		}
		if len(chain)+1 > MaxHierarchyDepth {
			return nil, fmt.Errorf("node %s would sit %d levels deep: %w", n.ID, len(chain)+1, ErrDepthExceeded)
		}
	}
	n.Path = pathFor(n, parent, roots)

	now := time.Now().UTC()
	if existing != nil {
		n.Created = existing.Created
	} else if n.Created.IsZero() {
		n.Created = now
	}
	n.Updated = now

	if err := b.putNode(ctx, n); err != nil {
		return nil, fmt.Errorf("put node %s: %w", n.ID, err)
	}
	if existing != nil && existing.Path != n.Path {
		if err := repath(ctx, b, roots, n); err != nil {
			return nil, err
		}
	}
	return n.Clone(), nil
}

// repath rebuilds the path of every descendant of root after root's own
// path changed.
func repath(ctx context.Context, b backend, roots map[string]bool, root *Node) error {
	type level struct {
		node  *Node
		depth int
	}
	queue := []level{{root, 0}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= MaxHierarchyDepth {
			return fmt.Errorf("repath below %s: %w", root.ID, ErrDepthExceeded)
		}
		children, err := b.FindNodes(ctx, NodeFilter{ContextID: cur.node.ID})
		if err != nil {
			return fmt.Errorf("children of %s: %w", cur.node.ID, err)
		}
		for _, c := range children {
			p := pathFor(c, cur.node, roots)
			if p == c.Path {
				continue
			}
			c.Path = p
			c.Updated = time.Now().UTC()
			if err := b.putNode(ctx, c); err != nil {
				return fmt.Errorf("repath %s: %w", c.ID, err)
			}
			queue = append(queue, level{c, cur.depth + 1})
		}
	}
	return nil
}

// structuringRef checks an optional grouping column.
func structuringRef(ctx context.Context, b backend, id string, want ItemType) error {
	if id == "" {
		return nil
	}
	n, err := b.GetNode(ctx, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", want, id, err)
	}
	if n.ItemType != want {
		return fmt.Errorf("%s is %s, want %s: %w", id, n.ItemType, want, ErrConstraintViolation)
	}
	return nil
}

// checkAssertion enforces the typing rules without touching storage.
func checkAssertion(ctx context.Context, b backend, a *Assertion) error {
	subject, err := b.GetNode(ctx, a.SubjectID)
	if err != nil {
		return fmt.Errorf("subject %s: %w", a.SubjectID, err)
	}
	pred, err := b.GetNode(ctx, a.PredicateID)
	if err != nil {
		return fmt.Errorf("predicate %s: %w", a.PredicateID, err)
	}
	if !pred.ItemType.IsPredicateCapable() {
		return fmt.Errorf("%s cannot be a predicate: %w", pred, ErrConstraintViolation)
	}

	if pred.DataType == DataTypeID {
		if a.ObjectID == "" {
			return fmt.Errorf("predicate %s wants an object reference: %w", pred.ID, ErrConstraintViolation)
		}
		if !a.Literal.IsZero() {
			return fmt.Errorf("predicate %s takes no literal: %w", pred.ID, ErrConstraintViolation)
		}
		if _, err := b.GetNode(ctx, a.ObjectID); err != nil {
			return fmt.Errorf("object %s: %w", a.ObjectID, err)
		}
	} else {
		if a.ObjectID != "" {
			return fmt.Errorf("literal predicate %s takes no object: %w", pred.ID, ErrConstraintViolation)
		}
		if got := a.Literal.DataType(); got != pred.DataType {
			return fmt.Errorf("predicate %s wants %s literal, got %q: %w", pred.ID, pred.DataType, got, ErrConstraintViolation)
		}
	}

	if err := structuringRef(ctx, b, a.ObservationID, ItemTypeObservation); err != nil {
		return err
	}
	if err := structuringRef(ctx, b, a.EventID, ItemTypeEvent); err != nil {
		return err
	}
	if err := structuringRef(ctx, b, a.AttributeGroupID, ItemTypeAttributeGroup); err != nil {
		return err
	}
	if a.ProjectID == "" {
		a.ProjectID = subject.ProjectID
	}
	return nil
}

func upsertAssertion(ctx context.Context, b backend, in *Assertion) (*Assertion, error) {
	a := in.Clone()
	if err := checkAssertion(ctx, b, a); err != nil {
		return nil, err
	}

	key := KeyOf(a)
	id := key.ID()
	if a.ID != "" && a.ID != id {
		return nil, fmt.Errorf("assertion id %s does not match its content (%s): %w", a.ID, id, ErrConstraintViolation)
	}
	a.ID = id

	existing, err := b.GetAssertion(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	if existing != nil {
		if KeyOf(existing) != key {
			return nil, fmt.Errorf("assertion %s collides with different content: %w", id, ErrConstraintViolation)
		}
		a.Created = existing.Created
	} else if a.Created.IsZero() {
		a.Created = now
	}
	a.Updated = now

	if err := b.putAssertion(ctx, a); err != nil {
		return nil, fmt.Errorf("put assertion %s: %w", id, err)
	}
	return a.Clone(), nil
}

func upsertSpaceTime(ctx context.Context, b backend, in *SpaceTime) (*SpaceTime, error) {
	st := in.Clone()
	item, err := b.GetNode(ctx, st.ItemID)
	if err != nil {
		return nil, fmt.Errorf("spacetime item %s: %w", st.ItemID, err)
	}
	if !item.ItemType.IsGeoEligible() {
		return nil, fmt.Errorf("%s cannot carry spacetime facts: %w", item, ErrConstraintViolation)
	}
	if err := structuringRef(ctx, b, st.EventID, ItemTypeEvent); err != nil {
		return nil, err
	}
	id := SpaceTimeID(st)
	if st.ID != "" && st.ID != id {
		return nil, fmt.Errorf("spacetime id %s does not match its key (%s): %w", st.ID, id, ErrConstraintViolation)
	}
	st.ID = id

	existing, err := findSpaceTimeByID(ctx, b, st.ItemID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if existing != nil {
		st.Created = existing.Created
	} else if st.Created.IsZero() {
		st.Created = now
	}
	st.Updated = now
	if err := b.putSpaceTime(ctx, st); err != nil {
		return nil, fmt.Errorf("put spacetime %s: %w", id, err)
	}
	return st.Clone(), nil
}

func findSpaceTimeByID(ctx context.Context, r Reader, itemID, id string) (*SpaceTime, error) {
	facts, err := r.FindSpaceTime(ctx, itemID)
	if err != nil {
		return nil, err
	}
	for _, f := range facts {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, nil
}

// deleteNode refuses to orphan anything: children, referencing
// assertions and attached facts must be moved or removed first.
func deleteNode(ctx context.Context, b backend, id string) error {
	if _, err := b.GetNode(ctx, id); err != nil {
		return err
	}
	children, err := b.FindNodes(ctx, NodeFilter{ContextID: id, Limit: 1})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("node %s still has children: %w", id, ErrConstraintViolation)
	}
	refs, err := b.FindAssertions(ctx, AssertionFilter{References: []string{id}})
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return fmt.Errorf("node %s still referenced by %d assertions: %w", id, len(refs), ErrConstraintViolation)
	}
	facts, err := b.FindSpaceTime(ctx, id)
	if err != nil {
		return err
	}
	if len(facts) > 0 {
		return fmt.Errorf("node %s still carries %d spacetime facts: %w", id, len(facts), ErrConstraintViolation)
	}
	return b.removeNode(ctx, id)
}
