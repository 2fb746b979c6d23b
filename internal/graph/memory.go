package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// MemoryStore is the in-memory Store. All writes run the shared rules in
// write.go under the write lock, so a write sees a stable snapshot.
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	assertions map[string]*Assertion
	spacetime  map[string]*SpaceTime
	children   map[string]map[string]struct{} // context id → child ids
	factsOf    map[string]map[string]struct{} // item id → spacetime ids
	roots      map[string]bool

	// Roaring bitmap index: node id → set of internal assertion ids that
	// reference it in any column. Keeps reference lookups O(k) instead of a
	// full scan during merges and deletes.
	refs        map[string]*roaring.Bitmap
	assertIntID map[string]uint32 // Assertion.ID → internal bitmap uint32 ID
	intToAssert []string          // reverse: uint32 → Assertion.ID
	nextIntID   uint32            // monotonic counter

	// undo collects node restores while a node upsert is in flight so a
	// failed repath leaves the store as it was.
	undo []func()
}

// NewMemoryStore returns an empty store. roots are the designated root
// markers that never contribute a label to descendant paths.
func NewMemoryStore(roots ...string) *MemoryStore {
	s := &MemoryStore{
		nodes:       make(map[string]*Node),
		assertions:  make(map[string]*Assertion),
		spacetime:   make(map[string]*SpaceTime),
		children:    make(map[string]map[string]struct{}),
		factsOf:     make(map[string]map[string]struct{}),
		roots:       make(map[string]bool),
		refs:        make(map[string]*roaring.Bitmap),
		assertIntID: make(map[string]uint32),
	}
	for _, r := range roots {
		s.roots[r] = true
	}
	return s
}

// Roots returns the root marker set.
func (s *MemoryStore) Roots() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.roots))
	for k := range s.roots {
		out[k] = true
	}
	return out
}

// memView is the unlocked view of the store handed to the shared write
// rules. Only valid while s.mu is held.
type memView struct{ s *MemoryStore }

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s}.GetNode(ctx, id)
}

func (s *MemoryStore) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s}.FindNodes(ctx, f)
}

func (s *MemoryStore) GetAssertion(ctx context.Context, id string) (*Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s}.GetAssertion(ctx, id)
}

func (s *MemoryStore) FindAssertions(ctx context.Context, f AssertionFilter) ([]*Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s}.FindAssertions(ctx, f)
}

func (s *MemoryStore) FindSpaceTime(ctx context.Context, itemIDs ...string) ([]*SpaceTime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s}.FindSpaceTime(ctx, itemIDs...)
}

func (s *MemoryStore) UpsertNode(ctx context.Context, n *Node) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = []func(){}
	defer func() { s.undo = nil }()
	out, err := upsertNode(ctx, memView{s}, s.roots, n)
	if err != nil {
		for i := len(s.undo) - 1; i >= 0; i-- {
			s.undo[i]()
		}
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) UpsertAssertion(ctx context.Context, a *Assertion) (*Assertion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertAssertion(ctx, memView{s}, a)
}

func (s *MemoryStore) UpsertSpaceTime(ctx context.Context, st *SpaceTime) (*SpaceTime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertSpaceTime(ctx, memView{s}, st)
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteNode(ctx, memView{s}, id)
}

func (s *MemoryStore) DeleteAssertion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assertions[id]; !ok {
		return fmt.Errorf("assertion %s: %w", id, ErrNotFound)
	}
	return memView{s}.removeAssertion(ctx, id)
}

func (s *MemoryStore) DeleteSpaceTime(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spacetime[id]; !ok {
		return fmt.Errorf("spacetime %s: %w", id, ErrNotFound)
	}
	return memView{s}.removeSpaceTime(ctx, id)
}

// Close is a no-op; the store holds no external resources.
func (s *MemoryStore) Close() error { return nil }

// --- unlocked view ---

func (v memView) GetNode(_ context.Context, id string) (*Node, error) {
	n, ok := v.s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

func (v memView) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	var candidates []*Node
	switch {
	case len(f.IDs) > 0:
		for _, id := range f.IDs {
			if n, ok := v.s.nodes[id]; ok {
				candidates = append(candidates, n)
			}
		}
	case f.ContextID != "":
		for id := range v.s.children[f.ContextID] {
			candidates = append(candidates, v.s.nodes[id])
		}
	default:
		candidates = make([]*Node, 0, len(v.s.nodes))
		for _, n := range v.s.nodes {
			candidates = append(candidates, n)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Node
	for _, n := range candidates {
		if f.Match(n) {
			out = append(out, n.Clone())
		}
	}
	sortNodes(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v memView) GetAssertion(_ context.Context, id string) (*Assertion, error) {
	a, ok := v.s.assertions[id]
	if !ok {
		return nil, fmt.Errorf("assertion %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// referencing returns the assertions indexed under any of ids.
func (v memView) referencing(ids []string) []*Assertion {
	bm := roaring.New()
	for _, id := range ids {
		if b, ok := v.s.refs[id]; ok {
			bm.Or(b)
		}
	}
	out := make([]*Assertion, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		intID := it.Next()
		if int(intID) < len(v.s.intToAssert) {
			if a, ok := v.s.assertions[v.s.intToAssert[intID]]; ok {
				out = append(out, a)
			}
		}
	}
	return out
}

func (v memView) FindAssertions(ctx context.Context, f AssertionFilter) ([]*Assertion, error) {
	var candidates []*Assertion
	switch {
	case len(f.IDs) > 0:
		for _, id := range f.IDs {
			if a, ok := v.s.assertions[id]; ok {
				candidates = append(candidates, a)
			}
		}
	case len(f.References) > 0:
		candidates = v.referencing(f.References)
	case len(f.SubjectIDs) > 0:
		candidates = v.referencing(f.SubjectIDs)
	case len(f.ObjectIDs) > 0:
		candidates = v.referencing(f.ObjectIDs)
	default:
		candidates = make([]*Assertion, 0, len(v.s.assertions))
		for _, a := range v.s.assertions {
			candidates = append(candidates, a)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Assertion
	for _, a := range candidates {
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sortAssertions(out)
	return out, nil
}

func (v memView) FindSpaceTime(_ context.Context, itemIDs ...string) ([]*SpaceTime, error) {
	var out []*SpaceTime
	for _, item := range itemIDs {
		for id := range v.s.factsOf[item] {
			out = append(out, v.s.spacetime[id].Clone())
		}
	}
	sortSpaceTime(out)
	return out, nil
}

func (v memView) putNode(_ context.Context, n *Node) error {
	s := v.s
	old, had := s.nodes[n.ID]
	if s.undo != nil {
		id := n.ID
		s.undo = append(s.undo, func() { s.restoreNode(id, old, had) })
	}
	if had && old.ContextID != n.ContextID {
		delete(s.children[old.ContextID], n.ID)
		if len(s.children[old.ContextID]) == 0 {
			delete(s.children, old.ContextID)
		}
	}
	s.nodes[n.ID] = n.Clone()
	if n.ContextID != "" {
		set, ok := s.children[n.ContextID]
		if !ok {
			set = make(map[string]struct{})
			s.children[n.ContextID] = set
		}
		set[n.ID] = struct{}{}
	}
	return nil
}

// restoreNode puts back the stored version of id that putNode replaced.
// Stored nodes are never mutated in place, so old still holds that version.
func (s *MemoryStore) restoreNode(id string, old *Node, had bool) {
	if cur, ok := s.nodes[id]; ok && cur.ContextID != "" {
		delete(s.children[cur.ContextID], id)
		if len(s.children[cur.ContextID]) == 0 {
			delete(s.children, cur.ContextID)
		}
	}
	if !had {
		delete(s.nodes, id)
		return
	}
	s.nodes[id] = old
	if old.ContextID != "" {
		set, ok := s.children[old.ContextID]
		if !ok {
			set = make(map[string]struct{})
			s.children[old.ContextID] = set
		}
		set[id] = struct{}{}
	}
}

func (v memView) removeNode(_ context.Context, id string) error {
	s := v.s
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	delete(s.nodes, id)
	if n.ContextID != "" {
		delete(s.children[n.ContextID], id)
		if len(s.children[n.ContextID]) == 0 {
			delete(s.children, n.ContextID)
		}
	}
	delete(s.refs, id)
	return nil
}

// indexAssertion assigns an internal bitmap ID and registers the assertion
// under every node it references. Must be called with s.mu held.
func (v memView) indexAssertion(a *Assertion) {
	s := v.s
	intID, ok := s.assertIntID[a.ID]
	if !ok {
		intID = s.nextIntID
		s.nextIntID++
		s.assertIntID[a.ID] = intID
		for uint32(len(s.intToAssert)) <= intID {
			s.intToAssert = append(s.intToAssert, "")
		}
		s.intToAssert[intID] = a.ID
	}
	for _, ref := range a.References() {
		bm, exists := s.refs[ref]
		if !exists {
			bm = roaring.New()
			s.refs[ref] = bm
		}
		bm.Add(intID)
	}
}

func (v memView) unindexAssertion(a *Assertion) {
	s := v.s
	intID, ok := s.assertIntID[a.ID]
	if !ok {
		return
	}
	for _, ref := range a.References() {
		if bm, exists := s.refs[ref]; exists {
			bm.Remove(intID)
			if bm.IsEmpty() {
				delete(s.refs, ref)
			}
		}
	}
}

func (v memView) putAssertion(_ context.Context, a *Assertion) error {
	if old, ok := v.s.assertions[a.ID]; ok {
		v.unindexAssertion(old)
	}
	c := a.Clone()
	v.s.assertions[a.ID] = c
	v.indexAssertion(c)
	return nil
}

func (v memView) removeAssertion(_ context.Context, id string) error {
	s := v.s
	a, ok := s.assertions[id]
	if !ok {
		return fmt.Errorf("assertion %s: %w", id, ErrNotFound)
	}
	v.unindexAssertion(a)
	delete(s.assertions, id)
	if intID, ok := s.assertIntID[id]; ok {
		delete(s.assertIntID, id)
		if int(intID) < len(s.intToAssert) {
			s.intToAssert[intID] = ""
		}
	}
	return nil
}

func (v memView) putSpaceTime(_ context.Context, st *SpaceTime) error {
	s := v.s
	if old, ok := s.spacetime[st.ID]; ok && old.ItemID != st.ItemID {
		delete(s.factsOf[old.ItemID], st.ID)
	}
	s.spacetime[st.ID] = st.Clone()
	set, ok := s.factsOf[st.ItemID]
	if !ok {
		set = make(map[string]struct{})
		s.factsOf[st.ItemID] = set
	}
	set[st.ID] = struct{}{}
	return nil
}

func (v memView) removeSpaceTime(_ context.Context, id string) error {
	s := v.s
	st, ok := s.spacetime[id]
	if !ok {
		return fmt.Errorf("spacetime %s: %w", id, ErrNotFound)
	}
	delete(s.spacetime, id)
	delete(s.factsOf[st.ItemID], id)
	if len(s.factsOf[st.ItemID]) == 0 {
		delete(s.factsOf, st.ItemID)
	}
	return nil
}
