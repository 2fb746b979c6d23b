package sensitivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/stratum/api"
	"github.com/agentic-research/stratum/internal/equivalence"
	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/graph/graphtest"
	"github.com/agentic-research/stratum/internal/jobs"
)

const (
	sameAsURI  = "http://www.w3.org/2002/07/owl#sameAs"
	broaderURI = "http://www.w3.org/2004/02/skos/core#broader"
	remainsURI = "http://opencontext.org/vocabularies/oc-general/human-remains"
	bonesURI   = "http://vocab.getty.edu/aat/300020519"
)

// site has one record flagged by class, one through an equivalent
// controlled term, one through a direct linked-data object, and one clear.
func site(t *testing.T) *graphtest.Builder {
	b := graphtest.New(t)
	b.Vocab("sameas", graph.ItemTypePredicate, "same as", sameAsURI)
	b.Vocab("hr", graph.ItemTypeClass, "Human remains", remainsURI)
	b.Vocab("aat", graph.ItemTypeURI, "human bone", bonesURI)

	b.Predicate("material", "Material", graph.DataTypeID)
	b.Predicate("depicts", "Depicts", graph.DataTypeID)
	b.Predicate("has-doc", "Has report", graph.DataTypeID)
	b.Type("t-bone", "Bone (human)")
	b.Link("t-bone", "sameas", "aat")

	b.Node(&graph.Node{ID: "burial", ItemType: graph.ItemTypeSubject, Label: "Burial 1", ItemClassID: "hr"})
	b.Subject("bag", "Bag 1", "")
	b.Link("bag", "material", "t-bone")
	b.Subject("bag2", "Bag 2", "")
	b.Link("bag2", "material", "aat")
	b.Subject("trench", "Trench A", "")

	b.Media("photo", "Photo of burial")
	b.Link("photo", "depicts", "burial")
	b.Media("photo2", "Trench overview")
	b.Link("trench", "depicts", "photo2")
	b.Media("photo3", "Detail of photo")
	b.Link("photo3", "depicts", "photo")
	b.Node(&graph.Node{ID: "report", ItemType: graph.ItemTypeDocument, Label: "Excavation report"})
	b.Link("burial", "has-doc", "report")
	return b
}

func newPropagator(b *graphtest.Builder, cp jobs.Checkpoints, every int) *Propagator {
	eng := equivalence.New(b.Store, equivalence.Config{
		BootstrapProject: graphtest.BootstrapProject,
		EquivalenceURIs:  []string{sameAsURI},
	}, nil, equivalence.CacheObserver{})
	return New(b.Store, eng, jobs.NewProjectLocks(), cp, Options{
		ClassURIs:       []string{remainsURI},
		LinkedDataURIs:  []string{bonesURI},
		CheckpointEvery: every,
	})
}

func flagged(t *testing.T, s graph.Reader, id string) bool {
	t.Helper()
	n, err := s.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n.Meta.HumanRemains()
}

func TestPropagate_FlagsRecordsThenMedia(t *testing.T) {
	b := site(t)
	p := newPropagator(b, nil, 0)

	rep, err := p.Propagate(context.Background(), b.Project)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Flagged)
	assert.ElementsMatch(t, []string{"bag", "bag2", "burial", "photo", "report"}, rep.FlaggedIDs)
	assert.Equal(t, 8, rep.Checked)
	assert.False(t, rep.Resumed)

	for _, id := range []string{"bag", "bag2", "burial", "photo", "report"} {
		assert.True(t, flagged(t, b.Store, id), id)
	}
	assert.False(t, flagged(t, b.Store, "trench"))
	assert.False(t, flagged(t, b.Store, "photo2"))
	assert.False(t, flagged(t, b.Store, "photo3"), "media is never followed through other media")
}

func TestPropagate_Monotonic(t *testing.T) {
	b := site(t)
	p := newPropagator(b, nil, 0)
	ctx := context.Background()

	_, err := p.Propagate(ctx, b.Project)
	require.NoError(t, err)
	rep, err := p.Propagate(ctx, b.Project)
	require.NoError(t, err)
	assert.Zero(t, rep.Flagged, "fixed point after one run")
	assert.Equal(t, 5, rep.AlreadyFlagged)
	assert.True(t, flagged(t, b.Store, "burial"))
}

func TestPropagate_ExistingFlagKeptAndCascades(t *testing.T) {
	b := site(t)
	yes := true
	b.Node(&graph.Node{ID: "trench", ItemType: graph.ItemTypeSubject, Label: "Trench A",
		Meta: graph.Meta{FlagHumanRemains: &yes}})
	p := newPropagator(b, nil, 0)

	rep, err := p.Propagate(context.Background(), b.Project)
	require.NoError(t, err)
	assert.True(t, flagged(t, b.Store, "trench"), "flags are never removed")
	assert.True(t, flagged(t, b.Store, "photo2"), "flagged record re-evaluates its media")
	assert.Equal(t, 1, rep.AlreadyFlagged)
	assert.Equal(t, 6, rep.Flagged)
}

func TestPropagate_SubTypeOfSensitiveTerm(t *testing.T) {
	for _, tc := range []struct {
		name     string
		subTypes []string
		want     bool
	}{
		{"broader configured", []string{broaderURI}, true},
		{"broader not configured", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := graphtest.New(t)
			b.Vocab("broader", graph.ItemTypePredicate, "broader", broaderURI)
			b.Vocab("aat", graph.ItemTypeURI, "human bone", bonesURI)
			b.Predicate("material", "Material", graph.DataTypeID)
			b.Type("t-femur", "Femur (human)")
			b.Link("t-femur", "broader", "aat")
			b.Subject("bag", "Bag 1", "")
			b.Link("bag", "material", "t-femur")

			eng := equivalence.New(b.Store, equivalence.Config{
				BootstrapProject: graphtest.BootstrapProject,
				EquivalenceURIs:  []string{sameAsURI},
				SubTypeURIs:      tc.subTypes,
			}, nil, equivalence.CacheObserver{})
			p := New(b.Store, eng, nil, nil, Options{LinkedDataURIs: []string{bonesURI}})

			rep, err := p.Propagate(context.Background(), b.Project)
			require.NoError(t, err)
			assert.Equal(t, tc.want, flagged(t, b.Store, "bag"))
			if tc.want {
				assert.Equal(t, []string{"bag"}, rep.FlaggedIDs)
			}
		})
	}
}

func TestEvaluateRecord_SettlesOncePerRun(t *testing.T) {
	b := site(t)
	p := newPropagator(b, nil, 0)
	ctx := context.Background()
	newRun := func() *run {
		r := &run{project: b.Project, memo: newState(), report: &api.SensitivityReport{}}
		require.NoError(t, p.prepare(ctx, r))
		return r
	}

	r := newRun()
	trench, err := b.Store.GetNode(ctx, "trench")
	require.NoError(t, err)
	got, err := p.evaluateRecord(ctx, r, trench)
	require.NoError(t, err)
	assert.False(t, got)

	b.Link("trench", "material", "aat")
	got, err = p.evaluateRecord(ctx, r, trench)
	require.NoError(t, err)
	assert.False(t, got, "settled as clear for the rest of the run")
	assert.Equal(t, uint64(1), r.memo.clear.GetCardinality())
	assert.True(t, r.memo.flagged.IsEmpty())

	got, err = p.evaluateRecord(ctx, newRun(), trench)
	require.NoError(t, err)
	assert.True(t, got, "a new run sees the new statement")
}

func TestPropagate_ResumesFromMarker(t *testing.T) {
	b := site(t)
	cp := jobs.NewMemoryCheckpoints()
	ctx := context.Background()
	require.NoError(t, cp.Save(ctx, jobs.Marker{Job: JobName, Scope: b.Project, Phase: phaseRecords, LastID: "bag2", Count: 2}))
	p := newPropagator(b, cp, 0)

	rep, err := p.Propagate(ctx, b.Project)
	require.NoError(t, err)
	assert.True(t, rep.Resumed)
	assert.False(t, flagged(t, b.Store, "bag"), "covered by the marker")
	assert.False(t, flagged(t, b.Store, "bag2"), "covered by the marker")
	assert.True(t, flagged(t, b.Store, "burial"))
	assert.True(t, flagged(t, b.Store, "photo"))

	_, err = cp.Load(ctx, JobName, b.Project)
	assert.ErrorIs(t, err, jobs.ErrNoCheckpoint, "marker cleared on completion")
}

type recorder struct {
	*jobs.MemoryCheckpoints
	saved []jobs.Marker
}

func (r *recorder) Save(ctx context.Context, m jobs.Marker) error {
	r.saved = append(r.saved, m)
	return r.MemoryCheckpoints.Save(ctx, m)
}

func TestPropagate_CheckpointsEveryBatch(t *testing.T) {
	b := site(t)
	cp := &recorder{MemoryCheckpoints: jobs.NewMemoryCheckpoints()}
	p := newPropagator(b, cp, 2)

	_, err := p.Propagate(context.Background(), b.Project)
	require.NoError(t, err)
	require.NotEmpty(t, cp.saved)

	var phases []int
	var recordIDs []string
	for _, m := range cp.saved {
		phases = append(phases, m.Phase)
		if m.Phase == phaseRecords {
			recordIDs = append(recordIDs, m.LastID)
		}
	}
	assert.IsNonDecreasing(t, phases, "records settle before media")
	assert.Equal(t, []string{"bag2", "trench"}, recordIDs)
}

func TestPropagate_WithoutContextMap(t *testing.T) {
	b := site(t)
	p := New(b.Store, nil, nil, nil, Options{LinkedDataURIs: []string{bonesURI}})

	_, err := p.Propagate(context.Background(), b.Project)
	require.NoError(t, err)
	assert.False(t, flagged(t, b.Store, "bag"), "equivalent term needs the context map")
	assert.True(t, flagged(t, b.Store, "bag2"))
	assert.False(t, flagged(t, b.Store, "burial"), "no sensitive classes configured")
}

func TestPropagate_WaitsForProjectLock(t *testing.T) {
	b := site(t)
	locks := jobs.NewProjectLocks()
	p := New(b.Store, nil, locks, nil, Options{})
	unlock, err := locks.Lock(context.Background(), b.Project)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Propagate(ctx, b.Project)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPropagate_UnknownProject(t *testing.T) {
	b := site(t)
	p := New(b.Store, nil, nil, nil, Options{})
	_, err := p.Propagate(context.Background(), "nope")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}
