package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, roots []string, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(roots...))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "stratum.db"), roots...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func mustNode(t *testing.T, s Store, n *Node) *Node {
	t.Helper()
	out, err := s.UpsertNode(context.Background(), n)
	require.NoError(t, err, "upsert %s", n.ID)
	return out
}

func seedVocabulary(t *testing.T, s Store) {
	mustNode(t, s, &Node{ID: "proj", ItemType: ItemTypeProject, Label: "Project"})
	mustNode(t, s, &Node{ID: "has-type", ItemType: ItemTypePredicate, DataType: DataTypeID, Label: "Has type", ProjectID: "proj"})
	mustNode(t, s, &Node{ID: "note", ItemType: ItemTypePredicate, DataType: DataTypeString, Label: "Note", ProjectID: "proj"})
	mustNode(t, s, &Node{ID: "count", ItemType: ItemTypePredicate, DataType: DataTypeInteger, Label: "Count", ProjectID: "proj"})
	mustNode(t, s, &Node{ID: "bone", ItemType: ItemTypeType, Label: "Bone", ProjectID: "proj"})
	mustNode(t, s, &Node{ID: "locus", ItemType: ItemTypeSubject, Label: "Locus 1", ProjectID: "proj"})
}

func TestStore_IdempotentAssertionUpsert(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)

		first, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "has-type", ObjectID: "bone", Sort: 1})
		require.NoError(t, err)
		second, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "has-type", ObjectID: "bone", Sort: 2, SourceID: "reimport"})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.Created.UnixNano(), second.Created.UnixNano(), "created survives an overwrite")

		all, err := s.FindAssertions(ctx, AssertionFilter{SubjectIDs: []string{"locus"}})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 2.0, all[0].Sort, "last write wins on non-key fields")
		assert.Equal(t, "reimport", all[0].SourceID)
		assert.Equal(t, "proj", all[0].ProjectID, "project defaults to the subject's")
	})
}

func TestStore_AssertionIdentityIsCaseSensitive(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)
		mustNode(t, s, &Node{ID: "Locus", ItemType: ItemTypeSubject, Label: "Locus 2", ProjectID: "proj"})

		upper, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "Locus", PredicateID: "note", Literal: StringLiteral("x")})
		require.NoError(t, err)
		lower, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "note", Literal: StringLiteral("x")})
		require.NoError(t, err)
		assert.NotEqual(t, upper.ID, lower.ID)

		for _, id := range []string{"Locus", "locus"} {
			got, err := s.FindAssertions(ctx, AssertionFilter{SubjectIDs: []string{id}})
			require.NoError(t, err)
			require.Len(t, got, 1, "statements on %s", id)
			assert.Equal(t, id, got[0].SubjectID)
		}
	})
}

func TestStore_LiteralTyping(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)

		_, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "note", Literal: StringLiteral("burnt")})
		require.NoError(t, err)

		cases := map[string]*Assertion{
			"literal on reference predicate": {SubjectID: "locus", PredicateID: "has-type", Literal: StringLiteral("bone")},
			"object on literal predicate":    {SubjectID: "locus", PredicateID: "note", ObjectID: "bone"},
			"wrong literal column":           {SubjectID: "locus", PredicateID: "count", Literal: StringLiteral("3")},
			"subject as predicate":           {SubjectID: "locus", PredicateID: "bone", ObjectID: "locus"},
			"explicit id mismatch":           {ID: "not-the-hash", SubjectID: "locus", PredicateID: "count", Literal: IntLiteral(3)},
		}
		for name, a := range cases {
			_, err := s.UpsertAssertion(ctx, a)
			assert.ErrorIs(t, err, ErrConstraintViolation, name)
		}

		_, err = s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "has-type", ObjectID: "missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_LiteralRoundTrip(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)

		a, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "count", Literal: IntLiteral(42), Hidden: true})
		require.NoError(t, err)

		got, err := s.GetAssertion(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Literal.Integer)
		assert.Equal(t, int64(42), *got.Literal.Integer)
		assert.True(t, got.Hidden)

		visible, err := s.FindAssertions(ctx, AssertionFilter{SubjectIDs: []string{"locus"}, VisibleOnly: true})
		require.NoError(t, err)
		assert.Empty(t, visible)
	})
}

func TestStore_PathMaterialization(t *testing.T) {
	eachStore(t, []string{"world"}, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustNode(t, s, &Node{ID: "world", ItemType: ItemTypeSubject, Label: "World"})
		mustNode(t, s, &Node{ID: "asia", ItemType: ItemTypeSubject, Label: "Asia", ContextID: "world"})
		mustNode(t, s, &Node{ID: "iraq", ItemType: ItemTypeSubject, Label: "Iraq", ContextID: "asia"})
		mustNode(t, s, &Node{ID: "site", ItemType: ItemTypeSubject, Label: "Surezha", ContextID: "iraq"})
		mustNode(t, s, &Node{ID: "op", ItemType: ItemTypeSubject, Label: "Operation 1", ContextID: "site"})

		op, err := s.GetNode(ctx, "op")
		require.NoError(t, err)
		assert.Equal(t, "Asia/Iraq/Surezha/Operation 1", op.Path, "root marker label is excluded")

		// Renaming an ancestor re-paths every descendant.
		mustNode(t, s, &Node{ID: "site", ItemType: ItemTypeSubject, Label: "Tell Surezha", ContextID: "iraq"})
		op, err = s.GetNode(ctx, "op")
		require.NoError(t, err)
		assert.Equal(t, "Asia/Iraq/Tell Surezha/Operation 1", op.Path)

		under, err := s.FindNodes(ctx, NodeFilter{PathPrefix: "Asia/Iraq/"})
		require.NoError(t, err)
		assert.Len(t, under, 2)
	})
}

func TestStore_FailedRepathLeavesNodesUntouched(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		mustNode(t, s, &Node{ID: "a", ItemType: ItemTypeSubject, Label: "A"})
		mustNode(t, s, &Node{ID: "b", ItemType: ItemTypeSubject, Label: "B", ContextID: "a"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.UpsertNode(ctx, &Node{ID: "a", ItemType: ItemTypeSubject, Label: "Z"})
		require.ErrorIs(t, err, context.Canceled)

		a, err := s.GetNode(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, "A", a.Label)
		assert.Equal(t, "A", a.Path)
		b, err := s.GetNode(context.Background(), "b")
		require.NoError(t, err)
		assert.Equal(t, "A/B", b.Path)

		children, err := s.FindNodes(context.Background(), NodeFilter{ContextID: "a"})
		require.NoError(t, err)
		assert.Len(t, children, 1)
	})
}

func TestStore_RefusesContextLoop(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustNode(t, s, &Node{ID: "a", ItemType: ItemTypeSubject, Label: "A"})
		mustNode(t, s, &Node{ID: "b", ItemType: ItemTypeSubject, Label: "B", ContextID: "a"})

		_, err := s.UpsertNode(ctx, &Node{ID: "a", ItemType: ItemTypeSubject, Label: "A", ContextID: "b"})
		assert.ErrorIs(t, err, ErrDepthExceeded)

		_, err = s.UpsertNode(ctx, &Node{ID: "c", ItemType: ItemTypeSubject, Label: "C", ContextID: "c"})
		assert.ErrorIs(t, err, ErrDepthExceeded)

		_, err = s.UpsertNode(ctx, &Node{ID: "d", ItemType: ItemTypeSubject, Label: "D", ContextID: "nowhere"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_MetaRoundTripAndValidation(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		flag, spec := true, -1
		mustNode(t, s, &Node{ID: "x", ItemType: ItemTypeSubject, Label: "X", Meta: Meta{FlagHumanRemains: &flag, GeoSpecificity: &spec}})

		got, err := s.GetNode(ctx, "x")
		require.NoError(t, err)
		assert.True(t, got.Meta.HumanRemains())
		require.NotNil(t, got.Meta.GeoSpecificity)
		assert.Equal(t, -1, *got.Meta.GeoSpecificity)

		_, err = s.UpsertNode(ctx, &Node{ID: "p", ItemType: ItemTypePredicate, Label: "P", Meta: Meta{FlagHumanRemains: &flag}})
		assert.ErrorIs(t, err, ErrConstraintViolation)
	})
}

func TestStore_DeleteRefusesOrphans(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)
		mustNode(t, s, &Node{ID: "child", ItemType: ItemTypeSubject, Label: "Child", ContextID: "locus"})
		a, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "child", PredicateID: "has-type", ObjectID: "bone"})
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteNode(ctx, "locus"), ErrConstraintViolation, "has a child")
		assert.ErrorIs(t, s.DeleteNode(ctx, "bone"), ErrConstraintViolation, "is referenced")

		require.NoError(t, s.DeleteAssertion(ctx, a.ID))
		require.NoError(t, s.DeleteNode(ctx, "child"))
		require.NoError(t, s.DeleteNode(ctx, "locus"))

		_, err = s.GetNode(ctx, "locus")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteAssertion(ctx, a.ID), ErrNotFound)
	})
}

func TestStore_ReferenceIndex(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)
		mustNode(t, s, &Node{ID: "obs", ItemType: ItemTypeObservation, Label: "Obs 1", ProjectID: "proj"})
		_, err := s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "has-type", ObjectID: "bone", ObservationID: "obs"})
		require.NoError(t, err)
		_, err = s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "note", Literal: StringLiteral("x")})
		require.NoError(t, err)

		byObs, err := s.FindAssertions(ctx, AssertionFilter{References: []string{"obs"}})
		require.NoError(t, err)
		assert.Len(t, byObs, 1)

		byLocus, err := s.FindAssertions(ctx, AssertionFilter{References: []string{"locus"}})
		require.NoError(t, err)
		assert.Len(t, byLocus, 2)

		_, err = s.UpsertAssertion(ctx, &Assertion{SubjectID: "locus", PredicateID: "has-type", ObjectID: "bone", ObservationID: "bone"})
		assert.ErrorIs(t, err, ErrConstraintViolation, "observation column must hold an observation")
	})
}

func TestStore_SpaceTime(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)
		lat, lon := 36.35, 43.95
		st, err := s.UpsertSpaceTime(ctx, &SpaceTime{ItemID: "locus", FeatureID: 2, Latitude: &lat, Longitude: &lon})
		require.NoError(t, err)
		again, err := s.UpsertSpaceTime(ctx, &SpaceTime{ItemID: "locus", FeatureID: 2, Latitude: &lon, Longitude: &lat})
		require.NoError(t, err)
		assert.Equal(t, st.ID, again.ID)

		start, stop := -5000.0, -4500.0
		_, err = s.UpsertSpaceTime(ctx, &SpaceTime{ItemID: "locus", FeatureID: 1, Start: &start, Stop: &stop})
		require.NoError(t, err)

		facts, err := s.FindSpaceTime(ctx, "locus")
		require.NoError(t, err)
		require.Len(t, facts, 2)
		assert.Equal(t, 1, facts[0].FeatureID, "ordered by rank")
		assert.Equal(t, lon, *facts[1].Latitude)

		_, err = s.UpsertSpaceTime(ctx, &SpaceTime{ItemID: "note", Start: &start, Stop: &stop})
		assert.ErrorIs(t, err, ErrConstraintViolation, "predicates carry no spacetime")

		assert.ErrorIs(t, s.DeleteNode(ctx, "locus"), ErrConstraintViolation)
	})
}

func TestStore_FindNodesFilters(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedVocabulary(t, s)
		mustNode(t, s, &Node{ID: "cls", ItemType: ItemTypeClass, Label: "Sample", URI: "http://example.org/sample"})

		preds, err := s.FindNodes(ctx, NodeFilter{ItemTypes: []ItemType{ItemTypePredicate}, ProjectID: "proj"})
		require.NoError(t, err)
		require.Len(t, preds, 3)
		assert.Equal(t, "count", preds[0].ID, "ordered by id")

		after, err := s.FindNodes(ctx, NodeFilter{ItemTypes: []ItemType{ItemTypePredicate}, AfterID: "count", Limit: 1})
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, "has-type", after[0].ID)

		byURI, err := s.FindNodes(ctx, NodeFilter{URIs: []string{"http://example.org/sample"}})
		require.NoError(t, err)
		require.Len(t, byURI, 1)

		excl, err := s.FindNodes(ctx, NodeFilter{Label: "Locus 1", ExcludeIDs: []string{"locus"}})
		require.NoError(t, err)
		assert.Empty(t, excl)
	})
}

func TestHotSwapStore_Swap(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryStore(), NewMemoryStore()
	mustNode(t, a, &Node{ID: "only-in-a", ItemType: ItemTypeSubject, Label: "A"})

	h := NewHotSwapStore(a)
	_, err := h.GetNode(ctx, "only-in-a")
	require.NoError(t, err)

	old := h.Swap(b)
	assert.Same(t, a, old)
	_, err = h.GetNode(ctx, "only-in-a")
	assert.ErrorIs(t, err, ErrNotFound)
}
