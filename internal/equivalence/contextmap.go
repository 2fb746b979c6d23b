// Package equivalence maps project-private vocabulary onto shared
// ontologies and synthesizes the derived statements that mapping implies.
package equivalence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentic-research/stratum/internal/graph"
)

// Kind classifies a Context Map edge by the predicate that produced it.
type Kind int

const (
	// KindEquivalence covers same-as, exact-match and close-match.
	KindEquivalence Kind = iota
	// KindMapsFrom covers the "maps from" family.
	KindMapsFrom
	// KindSubType covers broader / sub-class. These edges never drive
	// synthesis; the sensitivity propagator reads them.
	KindSubType
)

func (k Kind) String() string {
	switch k {
	case KindEquivalence:
		return "equivalence"
	case KindMapsFrom:
		return "maps-from"
	case KindSubType:
		return "sub-type"
	}
	return "unknown"
}

// Entry is one row of the Context Map: local node → canonical node.
type Entry struct {
	LocalID        string
	Kind           Kind
	RelationURI    string
	CanonicalID    string
	CanonicalURI   string
	CanonicalLabel string
	CanonicalType  graph.ItemType
	AssertionID    string
}

// ContextMap is an immutable per-project projection of equivalence edges.
// Lookups never mutate it, so one instance may be shared by any number of
// concurrent synthesis calls.
type ContextMap struct {
	ProjectID string
	Version   uint64
	BuiltAt   time.Time
	entries   map[string][]Entry
	size      int
}

// Canonical returns the equivalence and maps-from entries for localID.
func (m *ContextMap) Canonical(localID string) []Entry {
	var out []Entry
	for _, e := range m.entries[localID] {
		if e.Kind != KindSubType {
			out = append(out, e)
		}
	}
	return out
}

// Related returns every entry for localID, sub-type edges included.
func (m *ContextMap) Related(localID string) []Entry {
	return m.entries[localID]
}

// Len is the number of entries.
func (m *ContextMap) Len() int { return m.size }

// LocalIDs returns the local nodes that have at least one entry, sorted.
func (m *ContextMap) LocalIDs() []string {
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// canonicalTypes are the vocabulary-ish kinds a local term may be mapped to.
var canonicalTypes = map[graph.ItemType]bool{
	graph.ItemTypeClass:    true,
	graph.ItemTypeProperty: true,
	graph.ItemTypeURI:      true,
}

// relationPredicates resolves configured URIs into predicate node ids.
func relationPredicates(ctx context.Context, r graph.Reader, cfg Config) (map[string]Kind, map[string]string, error) {
	kinds := make(map[string]Kind)
	for _, u := range cfg.SubTypeURIs {
		kinds[u] = KindSubType
	}
	for _, u := range cfg.MapsFromURIs {
		kinds[u] = KindMapsFrom
	}
	for _, u := range cfg.EquivalenceURIs {
		kinds[u] = KindEquivalence
	}
	uris := make([]string, 0, len(kinds))
	for u := range kinds {
		uris = append(uris, u)
	}
	if len(uris) == 0 {
		return nil, nil, nil
	}

	preds, err := r.FindNodes(ctx, graph.NodeFilter{
		URIs:      uris,
		ItemTypes: []graph.ItemType{graph.ItemTypePredicate, graph.ItemTypeProperty},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("relation predicates: %w", err)
	}
	byID := make(map[string]Kind, len(preds))
	uriOf := make(map[string]string, len(preds))
	for _, p := range preds {
		byID[p.ID] = kinds[p.URI]
		uriOf[p.ID] = p.URI
	}
	return byID, uriOf, nil
}

// isVocabularyTerm reports whether a node can carry project vocabulary.
func isVocabularyTerm(t graph.ItemType) bool {
	return t == graph.ItemTypePredicate || t == graph.ItemTypeType || t == graph.ItemTypeProperty
}

// Build scans the project's statements and assembles its Context Map. A
// project with no statements at all yields ErrCacheUnavailable.
func Build(ctx context.Context, r graph.Reader, cfg Config, projectID string) (*ContextMap, error) {
	if _, err := r.GetNode(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w: %w", projectID, graph.ErrCacheUnavailable, err)
	}
	statements, err := r.FindAssertions(ctx, graph.AssertionFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("statements of %s: %w", projectID, err)
	}
	if len(statements) == 0 {
		return nil, fmt.Errorf("project %s has no statements: %w", projectID, graph.ErrCacheUnavailable)
	}

	// Every predicate and controlled term used in the project's statements.
	candidates := make(map[string]bool)
	for _, a := range statements {
		candidates[a.PredicateID] = true
		candidates[a.SubjectID] = true
		if a.ObjectID != "" {
			candidates[a.ObjectID] = true
		}
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes, err := r.FindNodes(ctx, graph.NodeFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("vocabulary of %s: %w", projectID, err)
	}
	var local []string
	for _, n := range nodes {
		if !isVocabularyTerm(n.ItemType) {
			continue
		}
		if cfg.BootstrapProject != "" && n.ProjectID == cfg.BootstrapProject && projectID != cfg.BootstrapProject {
			continue
		}
		local = append(local, n.ID)
	}

	m := &ContextMap{ProjectID: projectID, BuiltAt: time.Now().UTC(), entries: make(map[string][]Entry)}
	relations, relationURI, err := relationPredicates(ctx, r, cfg)
	if err != nil {
		return nil, err
	}
	if len(local) == 0 || len(relations) == 0 {
		return m, nil
	}
	relIDs := make([]string, 0, len(relations))
	for id := range relations {
		relIDs = append(relIDs, id)
	}
	sort.Strings(relIDs)

	links, err := r.FindAssertions(ctx, graph.AssertionFilter{SubjectIDs: local, PredicateIDs: relIDs})
	if err != nil {
		return nil, fmt.Errorf("equivalence links of %s: %w", projectID, err)
	}
	objIDs := make([]string, 0, len(links))
	for _, a := range links {
		if a.ObjectID != "" {
			objIDs = append(objIDs, a.ObjectID)
		}
	}
	if len(objIDs) == 0 {
		return m, nil
	}
	objs, err := r.FindNodes(ctx, graph.NodeFilter{IDs: objIDs})
	if err != nil {
		return nil, fmt.Errorf("canonical terms of %s: %w", projectID, err)
	}
	objByID := make(map[string]*graph.Node, len(objs))
	for _, o := range objs {
		objByID[o.ID] = o
	}

	for _, a := range links {
		obj, ok := objByID[a.ObjectID]
		if !ok || !canonicalTypes[obj.ItemType] {
			continue
		}
		m.entries[a.SubjectID] = append(m.entries[a.SubjectID], Entry{
			LocalID:        a.SubjectID,
			Kind:           relations[a.PredicateID],
			RelationURI:    relationURI[a.PredicateID],
			CanonicalID:    obj.ID,
			CanonicalURI:   obj.URI,
			CanonicalLabel: obj.Label,
			CanonicalType:  obj.ItemType,
			AssertionID:    a.ID,
		})
		m.size++
	}
	for id := range m.entries {
		es := m.entries[id]
		sort.Slice(es, func(i, j int) bool {
			if es[i].Kind != es[j].Kind {
				return es[i].Kind < es[j].Kind
			}
			return es[i].CanonicalID < es[j].CanonicalID
		})
	}
	return m, nil
}
