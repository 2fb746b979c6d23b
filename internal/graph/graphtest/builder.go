// Package graphtest builds small graphs for tests across packages.
package graphtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentic-research/stratum/internal/graph"
)

// BootstrapProject owns the shared vocabulary nodes built by Vocab.
const BootstrapProject = "bootstrap"

// Builder writes fixture nodes into a store, failing the test on any error.
type Builder struct {
	T       testing.TB
	Store   graph.Store
	Project string
	ctx     context.Context
}

// New returns a builder over a fresh MemoryStore with a project node
// already created. roots are passed through as root markers.
func New(t testing.TB, roots ...string) *Builder {
	t.Helper()
	return seed(t, graph.NewMemoryStore(roots...))
}

// NewSQLite is New over a SQLiteStore in a temporary directory, closed
// when the test ends.
func NewSQLite(t testing.TB, roots ...string) *Builder {
	t.Helper()
	s, err := graph.OpenSQLiteStore(filepath.Join(t.TempDir(), "graphtest.db"), roots...)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return seed(t, s)
}

func seed(t testing.TB, s graph.Store) *Builder {
	t.Helper()
	b := &Builder{T: t, Store: s, ctx: context.Background()}
	b.Node(&graph.Node{ID: BootstrapProject, ItemType: graph.ItemTypeProject, Label: "Bootstrap"})
	p := b.Node(&graph.Node{ID: "proj", ItemType: graph.ItemTypeProject, Label: "Test Project"})
	b.Project = p.ID
	return b
}

// On returns a builder over an existing store.
func On(t testing.TB, s graph.Store, project string) *Builder {
	return &Builder{T: t, Store: s, Project: project, ctx: context.Background()}
}

// Node upserts n, defaulting its project to the builder's project.
func (b *Builder) Node(n *graph.Node) *graph.Node {
	b.T.Helper()
	if n.ProjectID == "" && n.ItemType != graph.ItemTypeProject {
		n.ProjectID = b.Project
	}
	out, err := b.Store.UpsertNode(b.ctx, n)
	if err != nil {
		b.T.Fatalf("upsert node %s: %v", n.ID, err)
	}
	return out
}

// Subject creates a location/record node under parent ("" for a root).
func (b *Builder) Subject(id, label, parent string) *graph.Node {
	b.T.Helper()
	return b.Node(&graph.Node{ID: id, ItemType: graph.ItemTypeSubject, Label: label, ContextID: parent})
}

// Media creates a media node.
func (b *Builder) Media(id, label string) *graph.Node {
	b.T.Helper()
	return b.Node(&graph.Node{ID: id, ItemType: graph.ItemTypeMedia, Label: label})
}

// Predicate creates a predicate node with the given data type.
func (b *Builder) Predicate(id, label string, dt graph.DataType) *graph.Node {
	b.T.Helper()
	return b.Node(&graph.Node{ID: id, ItemType: graph.ItemTypePredicate, DataType: dt, Label: label})
}

// Type creates a controlled-term node.
func (b *Builder) Type(id, label string) *graph.Node {
	b.T.Helper()
	return b.Node(&graph.Node{ID: id, ItemType: graph.ItemTypeType, Label: label})
}

// Vocab creates a URI-addressed vocabulary node owned by the bootstrap project.
func (b *Builder) Vocab(id string, t graph.ItemType, label, uri string) *graph.Node {
	b.T.Helper()
	return b.Node(&graph.Node{ID: id, ItemType: t, Label: label, URI: uri, ProjectID: BootstrapProject})
}

// Link upserts a reference assertion subject → predicate → object.
func (b *Builder) Link(subject, predicate, object string) *graph.Assertion {
	b.T.Helper()
	out, err := b.Store.UpsertAssertion(b.ctx, &graph.Assertion{
		SubjectID: subject, PredicateID: predicate, ObjectID: object,
	})
	if err != nil {
		b.T.Fatalf("upsert assertion %s -%s-> %s: %v", subject, predicate, object, err)
	}
	return out
}

// Literal upserts a literal assertion.
func (b *Builder) Literal(subject, predicate string, lit graph.Literal) *graph.Assertion {
	b.T.Helper()
	out, err := b.Store.UpsertAssertion(b.ctx, &graph.Assertion{
		SubjectID: subject, PredicateID: predicate, Literal: lit,
	})
	if err != nil {
		b.T.Fatalf("upsert literal %s -%s->: %v", subject, predicate, err)
	}
	return out
}

// Point attaches a coordinate fact of the given rank to item.
func (b *Builder) Point(item string, rank int, lat, lon float64) *graph.SpaceTime {
	b.T.Helper()
	out, err := b.Store.UpsertSpaceTime(b.ctx, &graph.SpaceTime{
		ItemID: item, FeatureID: rank, Latitude: &lat, Longitude: &lon, GeometryType: "Point",
	})
	if err != nil {
		b.T.Fatalf("upsert point on %s: %v", item, err)
	}
	return out
}

// Span attaches a time-span fact of the given rank to item.
func (b *Builder) Span(item string, rank int, start, stop float64) *graph.SpaceTime {
	b.T.Helper()
	out, err := b.Store.UpsertSpaceTime(b.ctx, &graph.SpaceTime{
		ItemID: item, FeatureID: rank, Start: &start, Stop: &stop,
	})
	if err != nil {
		b.T.Fatalf("upsert span on %s: %v", item, err)
	}
	return out
}
