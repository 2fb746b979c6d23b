package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/stratum/internal/graph"
)

const siteDoc = `{
  "nodes": [
    {"id": "locus1", "item_type": "subjects", "label": "Locus 1", "context_id": "op1", "project_id": "proj"},
    {"id": "op1", "item_type": "subjects", "label": "Operation 1", "context_id": "surezha", "project_id": "proj"},
    {"id": "surezha", "item_type": "subjects", "label": "Surezha", "project_id": "proj",
     "meta": {"geo_specificity": -1, "geo_note": "approximate"}},
    {"id": "proj", "item_type": "projects", "label": "Surezha Excavations"},
    {"id": "note", "item_type": "predicates", "data_type": "xsd:string", "label": "Note", "project_id": "proj"},
    {"id": "count", "item_type": "predicates", "data_type": "xsd:integer", "label": "Count", "project_id": "proj"},
    {"id": "contains", "item_type": "predicates", "label": "Contains", "project_id": "proj"}
  ],
  "assertions": [
    {"subject_id": "locus1", "predicate_id": "note", "obj_string": "ashy fill", "language": "en", "sort": 2},
    {"subject_id": "locus1", "predicate_id": "count", "obj_integer": 14, "visible": false},
    {"subject_id": "op1", "predicate_id": "contains", "object_id": "locus1"}
  ],
  "spacetime": [
    {"item_id": "surezha", "feature_id": 1, "latitude": 36.35, "longitude": 43.95,
     "geometry_type": "Point", "geometry": {"type": "Point", "coordinates": [43.95, 36.35]}},
    {"item_id": "op1", "start": -5200, "stop": -4500}
  ]
}`

func TestLoad_Document(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	sum := &Summary{}

	require.NoError(t, NewLoader(s, nil).Load(ctx, []byte(siteDoc), sum))
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 7, sum.Nodes)
	assert.Equal(t, 3, sum.Assertions)
	assert.Equal(t, 2, sum.SpaceTime)

	locus, err := s.GetNode(ctx, "locus1")
	require.NoError(t, err)
	assert.Equal(t, "Surezha/Operation 1/Locus 1", locus.Path, "children listed before parents still load")

	site, err := s.GetNode(ctx, "surezha")
	require.NoError(t, err)
	require.NotNil(t, site.Meta.GeoSpecificity)
	assert.Equal(t, -1, *site.Meta.GeoSpecificity)

	stated, err := s.FindAssertions(ctx, graph.AssertionFilter{SubjectIDs: []string{"locus1"}})
	require.NoError(t, err)
	require.Len(t, stated, 2)
	for _, a := range stated {
		switch a.PredicateID {
		case "note":
			assert.Equal(t, "ashy fill", a.Literal.Text())
			assert.Equal(t, "en", a.Language)
			assert.Equal(t, 2.0, a.Sort)
			assert.Equal(t, "proj", a.ProjectID)
		case "count":
			require.NotNil(t, a.Literal.Integer)
			assert.Equal(t, int64(14), *a.Literal.Integer)
			assert.True(t, a.Hidden)
		}
	}

	facts, err := s.FindSpaceTime(ctx, "surezha")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].HasGeometry())
	geo, err := oj.ParseString(facts[0].Geometry)
	require.NoError(t, err)
	assert.Equal(t, "Point", geo.(map[string]any)["type"])
}

func TestLoad_IsIdempotent(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()
	l := NewLoader(s, nil)
	require.NoError(t, l.Load(ctx, []byte(siteDoc), &Summary{}))
	require.NoError(t, l.Load(ctx, []byte(siteDoc), &Summary{}))

	all, err := s.FindAssertions(ctx, graph.AssertionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLoad_BadRecordsDoNotStopTheBatch(t *testing.T) {
	doc := `{
	  "nodes": [
	    {"id": "proj", "item_type": "projects", "label": "P"},
	    {"id": "a", "item_type": "subjects", "label": "A", "project_id": "proj"},
	    {"id": "bad", "item_type": "subjects", "label": "Bad", "meta": {"not_a_key": 1}},
	    {"id": "note", "item_type": "predicates", "data_type": "xsd:string", "label": "Note"}
	  ],
	  "assertions": [
	    {"subject_id": "a", "predicate_id": "note", "obj_integer": 3},
	    {"subject_id": "a", "predicate_id": "note", "obj_string": "ok"},
	    {"subject_id": "a", "predicate_id": "missing", "obj_string": "x"}
	  ]
	}`
	s := graph.NewMemoryStore()
	sum := &Summary{}
	require.NoError(t, NewLoader(s, nil).Load(context.Background(), []byte(doc), sum))
	assert.Equal(t, 3, sum.Nodes)
	assert.Equal(t, 1, sum.Assertions)
	assert.Len(t, sum.Errors, 3)
}

func TestLoad_RejectsMalformedJSON(t *testing.T) {
	err := NewLoader(graph.NewMemoryStore(), nil).Load(context.Background(), []byte(`{"nodes": [`), &Summary{})
	assert.Error(t, err)
}

func TestIngest_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.json"), []byte(siteDoc), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "z-more"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z-more", "extra.json"),
		[]byte(`{"nodes": [{"id": "op2", "item_type": "subjects", "label": "Operation 2", "context_id": "surezha", "project_id": "proj"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not json"), 0o644))

	s := graph.NewMemoryStore()
	sum, err := NewLoader(s, nil).Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 8, sum.Nodes)
}

func TestJSONWalker(t *testing.T) {
	data, err := oj.ParseString(`{"users": [{"name": "Alice"}, {"name": "Bob"}], "meta": {"version": "1.0"}}`)
	require.NoError(t, err)
	w := NewJSONWalker()

	t.Run("select list of objects", func(t *testing.T) {
		recs, err := w.Query(data, "$.users[*]")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "Bob", recs[1].str("name"))
	})

	t.Run("missing selection is empty", func(t *testing.T) {
		recs, err := w.Query(data, "$.nodes[*]")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("primitive is rejected", func(t *testing.T) {
		_, err := w.Query(data, "$.meta.version")
		assert.Error(t, err)
	})

	t.Run("invalid selector", func(t *testing.T) {
		_, err := w.Query(data, "$.users[")
		assert.Error(t, err)
	})
}
