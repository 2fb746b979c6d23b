package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/graph/graphtest"
	"github.com/agentic-research/stratum/internal/jobs"
)

// surezha builds two copies of the same site under Iraq:
//
//	Asia/Iraq/Surezha/Operation 1/Locus 1
//	Asia/Iraq/Tell Surezha/Operation 1/Locus 1
//	Asia/Iraq/Tell Surezha/Operation 2
func surezha(t *testing.T) *graphtest.Builder {
	return surezhaOn(t, graphtest.New)
}

type newBuilder func(t testing.TB, roots ...string) *graphtest.Builder

var backends = []struct {
	name  string
	build newBuilder
}{
	{"memory", graphtest.New},
	{"sqlite", graphtest.NewSQLite},
}

func surezhaOn(t *testing.T, newB newBuilder) *graphtest.Builder {
	b := newB(t, "world")
	b.Subject("world", "World", "")
	b.Subject("asia", "Asia", "world")
	b.Subject("iraq", "Iraq", "asia")

	b.Subject("surezha", "Surezha", "iraq")
	b.Subject("op1", "Operation 1", "surezha")
	b.Subject("locus1", "Locus 1", "op1")

	b.Subject("tell", "Tell Surezha", "iraq")
	b.Subject("op1b", "Operation 1", "tell")
	b.Subject("locus1b", "Locus 1", "op1b")
	b.Subject("op2", "Operation 2", "tell")

	b.Predicate("note", "Note", graph.DataTypeString)
	b.Predicate("depicts", "Depicts", graph.DataTypeID)
	b.Literal("locus1b", "note", graph.StringLiteral("ashy fill"))
	b.Media("photo", "Locus photo")
	b.Link("photo", "depicts", "locus1b")
	b.Point("tell", 0, 36.35, 43.95)
	return b
}

func TestMerge_SurezhaScenario(t *testing.T) {
	for _, be := range backends {
		t.Run(be.name, func(t *testing.T) {
			b := surezhaOn(t, be.build)
			ctx := context.Background()
			m := New(b.Store, nil, nil, nil)

			rep, err := m.Merge(ctx, "surezha", "tell", Options{})
			require.NoError(t, err)
			assert.Empty(t, rep.Errors)
			require.Len(t, rep.Merged, 3)
			assert.Equal(t, "locus1b", rep.Merged[0].Delete, "deepest pair first")
			assert.Equal(t, "op1b", rep.Merged[1].Delete)
			assert.Equal(t, "tell", rep.Merged[2].Delete, "root pair last")
			assert.Equal(t, "Asia/Iraq/Tell Surezha/Operation 1/Locus 1", rep.Merged[0].DeletePath)
			assert.Equal(t, 2, rep.RedirectedAssertions)
			assert.Equal(t, 1, rep.RedirectedSpaceTime)
			assert.Equal(t, 1, rep.ReparentedChildren)

			loci, err := b.Store.FindNodes(ctx, graph.NodeFilter{Label: "Locus 1"})
			require.NoError(t, err)
			require.Len(t, loci, 1)
			assert.Equal(t, "locus1", loci[0].ID)
			assert.Equal(t, "Asia/Iraq/Surezha/Operation 1/Locus 1", loci[0].Path)

			for _, id := range []string{"tell", "op1b", "locus1b"} {
				_, err := b.Store.GetNode(ctx, id)
				assert.ErrorIs(t, err, graph.ErrNotFound, id)
			}

			refs, err := b.Store.FindAssertions(ctx, graph.AssertionFilter{References: []string{"locus1"}})
			require.NoError(t, err)
			assert.Len(t, refs, 2)
			gone, err := b.Store.FindAssertions(ctx, graph.AssertionFilter{References: []string{"locus1b"}})
			require.NoError(t, err)
			assert.Empty(t, gone)

			op2, err := b.Store.GetNode(ctx, "op2")
			require.NoError(t, err)
			assert.Equal(t, "surezha", op2.ContextID)
			assert.Equal(t, "Asia/Iraq/Surezha/Operation 2", op2.Path)

			facts, err := b.Store.FindSpaceTime(ctx, "surezha")
			require.NoError(t, err)
			assert.Len(t, facts, 1)
		})
	}
}

func TestMerge_DryRunWritesNothing(t *testing.T) {
	b := surezha(t)
	ctx := context.Background()
	m := New(b.Store, nil, nil, nil)

	rep, err := m.Merge(ctx, "surezha", "tell", Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Len(t, rep.Merged, 3)
	assert.Zero(t, rep.RedirectedAssertions)

	_, err = b.Store.GetNode(ctx, "locus1b")
	assert.NoError(t, err)
}

func TestMerge_AmbiguousCounterpartIsReported(t *testing.T) {
	b := surezha(t)
	b.Subject("locus1c", "Locus 1", "op1b")
	ctx := context.Background()
	m := New(b.Store, nil, nil, nil)

	rep, err := m.Merge(ctx, "surezha", "tell", Options{})
	require.NoError(t, err)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], graph.ErrAmbiguousMatch.Error())
	require.Len(t, rep.Merged, 2, "the run continues past the ambiguity")
	assert.Len(t, rep.Warnings, 2, "both unmatched loci land beside the kept one")

	loci, err := b.Store.FindNodes(ctx, graph.NodeFilter{ContextID: "op1", Label: "Locus 1"})
	require.NoError(t, err)
	assert.Len(t, loci, 3, "never auto-resolved")
}

func TestMerge_ClassificationMustMatch(t *testing.T) {
	b := surezha(t)
	b.Type("feature", "Feature")
	b.Node(&graph.Node{ID: "locus1b", ItemType: graph.ItemTypeSubject, Label: "Locus 1", ContextID: "op1b", ItemClassID: "feature"})
	ctx := context.Background()
	m := New(b.Store, nil, nil, nil)

	rep, err := m.Merge(ctx, "surezha", "tell", Options{})
	require.NoError(t, err)
	require.Len(t, rep.Merged, 2)
	n, err := b.Store.GetNode(ctx, "locus1b")
	require.NoError(t, err)
	assert.Equal(t, "op1", n.ContextID, "unmatched child is reparented, not merged")
}

func TestMerge_RedirectsClassReferences(t *testing.T) {
	b := surezha(t)
	b.Node(&graph.Node{ID: "classed", ItemType: graph.ItemTypeSubject, Label: "Sample", ItemClassID: "locus1b"})
	ctx := context.Background()
	m := New(b.Store, nil, nil, nil)

	rep, err := m.Merge(ctx, "surezha", "tell", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RedirectedClasses)
	n, err := b.Store.GetNode(ctx, "classed")
	require.NoError(t, err)
	assert.Equal(t, "locus1", n.ItemClassID)
}

func TestMerge_RefusesNestedRoots(t *testing.T) {
	b := surezha(t)
	m := New(b.Store, nil, nil, nil)

	_, err := m.Merge(context.Background(), "surezha", "locus1", Options{})
	assert.ErrorIs(t, err, graph.ErrConstraintViolation)
	_, err = m.Merge(context.Background(), "locus1", "surezha", Options{})
	assert.ErrorIs(t, err, graph.ErrConstraintViolation)
	_, err = m.Merge(context.Background(), "surezha", "surezha", Options{})
	assert.ErrorIs(t, err, graph.ErrConstraintViolation)
	_, err = m.Merge(context.Background(), "surezha", "missing", Options{})
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestMerge_ResumesAfterMarker(t *testing.T) {
	b := surezha(t)
	ctx := context.Background()
	cp := jobs.NewMemoryCheckpoints()
	require.NoError(t, cp.Save(ctx, jobs.Marker{Job: JobName, Scope: "surezha|tell", LastID: "locus1b", Count: 1}))
	m := New(b.Store, nil, cp, nil)

	rep, err := m.Merge(ctx, "surezha", "tell", Options{})
	require.NoError(t, err)
	require.Len(t, rep.Merged, 2)
	assert.Equal(t, "op1b", rep.Merged[0].Delete)

	_, err = cp.Load(ctx, JobName, "surezha|tell")
	assert.ErrorIs(t, err, jobs.ErrNoCheckpoint)
}
