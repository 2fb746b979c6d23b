// Package hierarchy computes effective spatial and chronological attributes
// for an item by walking its context ancestors.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentic-research/stratum/api"
	"github.com/agentic-research/stratum/internal/graph"
)

// Options configures a Resolver.
type Options struct {
	// RootIDs are root markers; the walk stops on reaching one and does not
	// read its facts.
	RootIDs []string
	// MaxDepth caps the walk. Zero or anything above graph.MaxHierarchyDepth
	// means graph.MaxHierarchyDepth.
	MaxDepth int
	Logger   *slog.Logger
}

// Resolver is stateless apart from its configuration and safe for
// concurrent use.
type Resolver struct {
	store    graph.Reader
	roots    map[string]bool
	maxDepth int
	logger   *slog.Logger
}

func New(store graph.Reader, opts Options) *Resolver {
	r := &Resolver{
		store:    store,
		roots:    make(map[string]bool, len(opts.RootIDs)),
		maxDepth: opts.MaxDepth,
		logger:   opts.Logger,
	}
	for _, id := range opts.RootIDs {
		r.roots[id] = true
	}
	if r.maxDepth <= 0 || r.maxDepth > graph.MaxHierarchyDepth {
		r.maxDepth = graph.MaxHierarchyDepth
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Resolve returns the effective geometry and chronology of the item.
// Missing data is a normal outcome described by Reason; only an unknown
// item or cancellation is an error.
func (r *Resolver) Resolve(ctx context.Context, itemID string) (*api.Spacetime, error) {
	item, err := r.store.GetNode(ctx, itemID)
	if err != nil {
		return nil, err
	}
	out := &api.Spacetime{ItemID: item.ID}
	if !item.ItemType.IsGeoEligible() {
		out.Reason = fmt.Sprintf("%s items do not inherit spatial or temporal attributes", item.ItemType)
		return out, nil
	}

	if err := r.walk(ctx, item, out); err != nil {
		return nil, err
	}
	if err := r.geoSpecificity(ctx, item, out); err != nil {
		return nil, err
	}
	if out.Geometry == nil && out.Chronology == nil && out.Reason == "" {
		out.Reason = "no spatial or temporal facts on the item or its ancestors"
	}
	return out, nil
}

// walk fills geometry and chronology level by level. A filled attribute is
// never overwritten by a more distant level.
func (r *Resolver) walk(ctx context.Context, item *graph.Node, out *api.Spacetime) error {
	cur := item
	seen := map[string]bool{item.ID: true}
	for level := 0; ; level++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if level > 0 && r.roots[cur.ID] {
			return nil
		}

		facts, err := r.store.FindSpaceTime(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("spacetime of %s: %w", cur.ID, err)
		}
		r.fill(item, cur, level, facts, out)
		if out.Geometry != nil && out.Chronology != nil {
			return nil
		}

		if cur.ContextID == "" {
			return nil
		}
		if level+1 > r.maxDepth || seen[cur.ContextID] {
			out.Truncated = true
			out.Reason = fmt.Sprintf("context chain of %s stopped at %s: %v", item.ID, cur.ID, graph.ErrDepthExceeded)
			r.logger.Warn("hierarchy walk truncated",
				slog.String("item", item.ID), slog.String("at", cur.ID), slog.Int("level", level))
			return nil
		}
		parent, err := r.store.GetNode(ctx, cur.ContextID)
		if errors.Is(err, graph.ErrNotFound) {
			out.Truncated = true
			out.Reason = fmt.Sprintf("context %s of %s is missing", cur.ContextID, cur.ID)
			r.logger.Warn("dangling context", slog.String("item", item.ID), slog.String("context", cur.ContextID))
			return nil
		}
		if err != nil {
			return err
		}
		seen[parent.ID] = true
		cur = parent
	}
}

// fill takes the lowest-ranked usable fact for each still-missing
// attribute. Facts arrive ordered by feature rank, then id.
func (r *Resolver) fill(item, at *graph.Node, level int, facts []*graph.SpaceTime, out *api.Spacetime) {
	prov := provenance(item, at, level)
	for _, f := range facts {
		if out.Geometry == nil && f.HasGeometry() {
			typ := f.GeometryType
			if typ == "" {
				typ = "Point"
			}
			out.Geometry = &api.Geometry{
				Type:       typ,
				Latitude:   *f.Latitude,
				Longitude:  *f.Longitude,
				GeoJSON:    f.Geometry,
				FeatureID:  f.FeatureID,
				Provenance: prov,
			}
		}
		if out.Chronology == nil && f.HasChronology() {
			out.Chronology = &api.Chronology{
				Earliest:   f.Earliest,
				Start:      *f.Start,
				Stop:       *f.Stop,
				Latest:     f.Latest,
				FeatureID:  f.FeatureID,
				Provenance: prov,
			}
		}
	}
}

func provenance(item, at *graph.Node, level int) api.Provenance {
	if level == 0 {
		return api.Provenance{
			Kind: api.Given, SourceID: item.ID, SourceLabel: item.Label,
			Note: "given for " + item.Label,
		}
	}
	return api.Provenance{
		Kind: api.Inferred, SourceID: at.ID, SourceLabel: at.Label, Level: level,
		Note: "inferred from " + at.Label,
	}
}

// geoSpecificity applies node → project default → absent, independent of
// which level supplied the coordinates.
func (r *Resolver) geoSpecificity(ctx context.Context, item *graph.Node, out *api.Spacetime) error {
	if item.Meta.GeoSpecificity != nil {
		v := *item.Meta.GeoSpecificity
		out.GeoSpecificity = &v
	}
	if item.Meta.GeoNote != nil {
		out.GeoNote = *item.Meta.GeoNote
	}
	if out.GeoSpecificity != nil && out.GeoNote != "" {
		return nil
	}
	if item.ItemType == graph.ItemTypeProject {
		return nil
	}
	project, err := graph.ProjectOf(ctx, r.store, item)
	if errors.Is(err, graph.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if project == nil {
		return nil
	}
	if out.GeoSpecificity == nil && project.Meta.GeoSpecificity != nil {
		v := *project.Meta.GeoSpecificity
		out.GeoSpecificity = &v
	}
	if out.GeoNote == "" && project.Meta.GeoNote != nil {
		out.GeoNote = *project.Meta.GeoNote
	}
	return nil
}

// ResolveMany resolves each id independently; one failure never blocks
// the others.
func (r *Resolver) ResolveMany(ctx context.Context, ids []string) []api.Result[*api.Spacetime] {
	out := make([]api.Result[*api.Spacetime], len(ids))
	for i, id := range ids {
		out[i].ID = id
		st, err := r.Resolve(ctx, id)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Value = st
	}
	return out
}
