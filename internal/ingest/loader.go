// Package ingest loads JSON batches of nodes, assertions and spacetime
// facts into a graph store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/stratum/internal/graph"
)

// Selectors locate the three record kinds inside a document.
type Selectors struct {
	Nodes      string
	Assertions string
	SpaceTime  string
}

// DefaultSelectors reads {"nodes": [...], "assertions": [...], "spacetime": [...]}.
func DefaultSelectors() Selectors {
	return Selectors{
		Nodes:      "$.nodes[*]",
		Assertions: "$.assertions[*]",
		SpaceTime:  "$.spacetime[*]",
	}
}

// Summary counts what a load wrote. A bad record is recorded in Errors
// and never stops the rest of the batch.
type Summary struct {
	Files      int      `json:"files"`
	Nodes      int      `json:"nodes"`
	Assertions int      `json:"assertions"`
	SpaceTime  int      `json:"spacetime"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Summary) fail(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Loader drives ingestion into a store.
type Loader struct {
	store     graph.Writer
	walker    Walker
	selectors Selectors
	logger    *slog.Logger
}

func NewLoader(store graph.Writer, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, walker: NewJSONWalker(), selectors: DefaultSelectors(), logger: logger}
}

// WithSelectors overrides where records are found in each document.
func (l *Loader) WithSelectors(s Selectors) *Loader {
	l.selectors = s
	return l
}

// Ingest processes a .json file or every .json file under a directory.
func (l *Loader) Ingest(ctx context.Context, path string) (*Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	if !info.IsDir() {
		return sum, l.ingestFile(ctx, path, sum)
	}
	err = filepath.Walk(path, func(p string, d os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		return l.ingestFile(ctx, p, sum)
	})
	return sum, err
}

func (l *Loader) ingestFile(ctx context.Context, path string, sum *Summary) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := l.Load(ctx, content, sum); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	sum.Files++
	l.logger.Debug("ingested", slog.String("file", path))
	return nil
}

// Load parses one document and writes its records: nodes first (projects,
// then parents before children), then assertions, then spacetime facts.
func (l *Loader) Load(ctx context.Context, content []byte, sum *Summary) error {
	data, err := oj.Parse(content)
	if err != nil {
		return fmt.Errorf("failed to parse json: %w", err)
	}

	nodes, err := l.walker.Query(data, l.selectors.Nodes)
	if err != nil {
		return err
	}
	for _, rec := range orderNodes(nodes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := nodeFrom(rec)
		if err == nil {
			_, err = l.store.UpsertNode(ctx, n)
		}
		if err != nil {
			sum.fail("node %s: %v", rec.str("id"), err)
			continue
		}
		sum.Nodes++
	}

	assertions, err := l.walker.Query(data, l.selectors.Assertions)
	if err != nil {
		return err
	}
	for i, rec := range assertions {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := assertionFrom(rec)
		if err == nil {
			_, err = l.store.UpsertAssertion(ctx, a)
		}
		if err != nil {
			sum.fail("assertion %d (%s): %v", i, rec.str("subject_id"), err)
			continue
		}
		sum.Assertions++
	}

	facts, err := l.walker.Query(data, l.selectors.SpaceTime)
	if err != nil {
		return err
	}
	for i, rec := range facts {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := spaceTimeFrom(rec)
		if err == nil {
			_, err = l.store.UpsertSpaceTime(ctx, st)
		}
		if err != nil {
			sum.fail("spacetime %d (%s): %v", i, rec.str("item_id"), err)
			continue
		}
		sum.SpaceTime++
	}
	return nil
}

// orderNodes sorts projects first, then by depth of the context chain
// inside the batch, keeping document order otherwise. Chains that loop
// inside the batch sort last and fail on write.
func orderNodes(recs []Record) []Record {
	byID := make(map[string]Record, len(recs))
	for _, r := range recs {
		byID[r.str("id")] = r
	}
	depth := make(map[string]int, len(recs))
	var depthOf func(id string, seen int) int
	depthOf = func(id string, seen int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		r, ok := byID[id]
		if !ok {
			return -1
		}
		parent := r.str("context_id")
		d := 0
		if parent != "" {
			if seen > graph.MaxHierarchyDepth {
				return graph.MaxHierarchyDepth + 1
			}
			d = depthOf(parent, seen+1) + 1
		}
		depth[id] = d
		return d
	}
	for id := range byID {
		depthOf(id, 0)
	}

	out := make([]Record, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool {
		pi := out[i].str("item_type") == string(graph.ItemTypeProject)
		pj := out[j].str("item_type") == string(graph.ItemTypeProject)
		if pi != pj {
			return pi
		}
		return depth[out[i].str("id")] < depth[out[j].str("id")]
	})
	return out
}

func nodeFrom(r Record) (*graph.Node, error) {
	n := &graph.Node{
		ID:          r.str("id"),
		ItemType:    graph.ItemType(r.str("item_type")),
		DataType:    graph.DataType(r.str("data_type")),
		Label:       r.str("label"),
		Slug:        r.str("slug"),
		URI:         r.str("uri"),
		ItemKey:     r.str("item_key"),
		ItemClassID: r.str("item_class_id"),
		ProjectID:   r.str("project_id"),
		PublisherID: r.str("publisher_id"),
		ContextID:   r.str("context_id"),
		SourceID:    r.str("source_id"),
	}
	if bag, ok := r["meta"].(map[string]any); ok {
		meta, err := graph.ParseMeta(n.ItemType, bag)
		if err != nil {
			return nil, err
		}
		n.Meta = meta
	}
	return n, nil
}

func assertionFrom(r Record) (*graph.Assertion, error) {
	a := &graph.Assertion{
		ID:               r.str("id"),
		ProjectID:        r.str("project_id"),
		SubjectID:        r.str("subject_id"),
		PredicateID:      r.str("predicate_id"),
		ObjectID:         r.str("object_id"),
		ObservationID:    r.str("observation_id"),
		EventID:          r.str("event_id"),
		AttributeGroupID: r.str("attribute_group_id"),
		Language:         r.str("language"),
		SourceID:         r.str("source_id"),
	}
	if s, ok := r["obj_string"].(string); ok {
		a.Literal.String = &s
	}
	if b, ok, err := r.boolean("obj_boolean"); err != nil {
		return nil, err
	} else if ok {
		a.Literal.Boolean = &b
	}
	if i, ok, err := r.integer("obj_integer"); err != nil {
		return nil, err
	} else if ok {
		a.Literal.Integer = &i
	}
	d, err := r.float("obj_double")
	if err != nil {
		return nil, err
	}
	a.Literal.Double = d
	if s := r.str("obj_datetime"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			if t, err = time.Parse(time.DateOnly, s); err != nil {
				return nil, fmt.Errorf("field \"obj_datetime\": %w", err)
			}
		}
		a.Literal.Datetime = &t
	}
	sortKey, err := r.float("sort")
	if err != nil {
		return nil, err
	}
	if sortKey != nil {
		a.Sort = *sortKey
	}
	if visible, ok, err := r.boolean("visible"); err != nil {
		return nil, err
	} else if ok {
		a.Hidden = !visible
	}
	return a, nil
}

func spaceTimeFrom(r Record) (*graph.SpaceTime, error) {
	st := &graph.SpaceTime{
		ID:           r.str("id"),
		ItemID:       r.str("item_id"),
		EventID:      r.str("event_id"),
		GeometryType: r.str("geometry_type"),
		SourceID:     r.str("source_id"),
	}
	rank, _, err := r.integer("feature_id")
	if err != nil {
		return nil, err
	}
	st.FeatureID = int(rank)
	for _, f := range []struct {
		key string
		dst **float64
	}{
		{"latitude", &st.Latitude},
		{"longitude", &st.Longitude},
		{"earliest", &st.Earliest},
		{"start", &st.Start},
		{"stop", &st.Stop},
		{"latest", &st.Latest},
	} {
		v, err := r.float(f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	switch g := r["geometry"].(type) {
	case nil:
	case string:
		st.Geometry = g
	default:
		st.Geometry = oj.JSON(g)
	}
	return st, nil
}
