// Package sensitivity marks items associated with human remains, including
// media and documents one hop away from a flagged location or record.
package sensitivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/stratum/api"
	"github.com/agentic-research/stratum/internal/equivalence"
	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/jobs"
)

// JobName scopes this propagator's progress markers.
const JobName = "sensitivity"

const (
	phaseRecords = 1
	phaseMedia   = 2
)

// ContextMaps supplies the equivalence projection used for controlled terms.
type ContextMaps interface {
	ContextMap(ctx context.Context, projectID string) (*equivalence.ContextMap, error)
}

// Options configures a Propagator.
type Options struct {
	// ClassURIs flag an item whose classification node carries one of them.
	ClassURIs []string
	// LinkedDataURIs flag an item with a statement whose object carries one
	// of them, directly or through the Context Map.
	LinkedDataURIs []string
	// CheckpointEvery is the batch size between progress markers.
	CheckpointEvery int
	Logger          *slog.Logger
}

type Propagator struct {
	store       graph.Store
	maps        ContextMaps
	locks       *jobs.ProjectLocks
	checkpoints jobs.Checkpoints
	opts        Options
	logger      *slog.Logger
}

func New(store graph.Store, maps ContextMaps, locks *jobs.ProjectLocks, checkpoints jobs.Checkpoints, opts Options) *Propagator {
	if opts.CheckpointEvery < 1 {
		opts.CheckpointEvery = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = jobs.NewProjectLocks()
	}
	if checkpoints == nil {
		checkpoints = jobs.NewMemoryCheckpoints()
	}
	return &Propagator{store: store, maps: maps, locks: locks, checkpoints: checkpoints, opts: opts, logger: logger}
}

// state is a per-run memo. Items get a dense index on first sight; an
// indexed item is in exactly one of the two bitmaps once settled. Records
// settle on direct evidence alone, so no item is ever revisited while its
// evaluation is still open.
type state struct {
	index   map[string]uint32
	flagged *roaring.Bitmap
	clear   *roaring.Bitmap
}

func newState() *state {
	return &state{
		index:   make(map[string]uint32),
		flagged: roaring.New(),
		clear:   roaring.New(),
	}
}

func (s *state) idx(id string) uint32 {
	i, ok := s.index[id]
	if !ok {
		i = uint32(len(s.index))
		s.index[id] = i
	}
	return i
}

// run carries the lookups resolved once per propagation.
type run struct {
	project    string
	classIDs   map[string]bool
	linkedData map[string]bool
	cm         *equivalence.ContextMap
	memo       *state
	report     *api.SensitivityReport
}

// Propagate evaluates every location/record of the project, then every
// media/document, persisting flag_human_remains on each flagged node.
// Existing flags are never removed. An interrupted run resumes from its
// last progress marker.
func (p *Propagator) Propagate(ctx context.Context, projectID string) (*api.SensitivityReport, error) {
	if _, err := p.store.GetNode(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	unlock, err := p.locks.Lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r := &run{
		project: projectID,
		memo:    newState(),
		report:  &api.SensitivityReport{ProjectID: projectID, FlaggedIDs: []string{}},
	}
	if err := p.prepare(ctx, r); err != nil {
		return nil, err
	}

	marker, err := p.checkpoints.Load(ctx, JobName, projectID)
	switch {
	case errors.Is(err, jobs.ErrNoCheckpoint):
		marker = jobs.Marker{Job: JobName, Scope: projectID, Phase: phaseRecords}
	case err != nil:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	default:
		r.report.Resumed = true
		p.logger.Info("resuming sensitivity propagation",
			slog.String("project", projectID), slog.Int("phase", marker.Phase), slog.String("after", marker.LastID))
	}

	if marker.Phase <= phaseRecords {
		if err := p.scan(ctx, r, marker, phaseRecords, []graph.ItemType{graph.ItemTypeSubject}, p.evaluateRecord); err != nil {
			return r.report, err
		}
		marker = jobs.Marker{Job: JobName, Scope: projectID, Phase: phaseMedia}
	}
	mediaTypes := []graph.ItemType{graph.ItemTypeMedia, graph.ItemTypeDocument}
	if err := p.scan(ctx, r, marker, phaseMedia, mediaTypes, p.evaluateMedia); err != nil {
		return r.report, err
	}

	if err := p.checkpoints.Clear(ctx, JobName, projectID); err != nil {
		return r.report, fmt.Errorf("clear checkpoint: %w", err)
	}
	p.logger.Info("sensitivity propagation done",
		slog.String("project", projectID),
		slog.Int("flagged", r.report.Flagged),
		slog.Int("already_flagged", r.report.AlreadyFlagged),
		slog.Int("checked", r.report.Checked))
	return r.report, nil
}

func (p *Propagator) prepare(ctx context.Context, r *run) error {
	r.classIDs = make(map[string]bool)
	if len(p.opts.ClassURIs) > 0 {
		classes, err := p.store.FindNodes(ctx, graph.NodeFilter{URIs: p.opts.ClassURIs})
		if err != nil {
			return fmt.Errorf("sensitive classes: %w", err)
		}
		for _, c := range classes {
			r.classIDs[c.ID] = true
		}
	}
	r.linkedData = make(map[string]bool, len(p.opts.LinkedDataURIs))
	for _, u := range p.opts.LinkedDataURIs {
		r.linkedData[u] = true
	}
	if p.maps != nil {
		cm, err := p.maps.ContextMap(ctx, r.project)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.logger.Warn("context map unavailable, controlled terms not expanded",
				slog.String("project", r.project), slog.String("error", err.Error()))
		}
		r.cm = cm
	}
	return nil
}

type evalFunc func(ctx context.Context, r *run, n *graph.Node) (bool, error)

// scan walks the project's nodes of the given types in id order, batch by
// batch. Flags for a batch are written before the marker covering it.
func (p *Propagator) scan(ctx context.Context, r *run, from jobs.Marker, phase int, types []graph.ItemType, eval evalFunc) error {
	after := ""
	if from.Phase == phase {
		after = from.LastID
	}
	count := from.Count
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := p.store.FindNodes(ctx, graph.NodeFilter{
			ProjectID: r.project,
			ItemTypes: types,
			AfterID:   after,
			Limit:     p.opts.CheckpointEvery,
		})
		if err != nil {
			return fmt.Errorf("scan phase %d: %w", phase, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, n := range batch {
			flagged, err := eval(ctx, r, n)
			if err != nil {
				return err
			}
			r.report.Checked++
			if flagged {
				if err := p.flag(ctx, r, n); err != nil {
					return err
				}
			}
		}
		after = batch[len(batch)-1].ID
		count += len(batch)
		if err := p.checkpoints.Save(ctx, jobs.Marker{
			Job: JobName, Scope: r.project, Phase: phase, LastID: after, Count: count, Updated: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		if len(batch) < p.opts.CheckpointEvery {
			return nil
		}
	}
}

// flag persists the flag unless the node already carries it.
func (p *Propagator) flag(ctx context.Context, r *run, n *graph.Node) error {
	if n.Meta.HumanRemains() {
		r.report.AlreadyFlagged++
		return nil
	}
	next := n.Clone()
	v := true
	next.Meta.FlagHumanRemains = &v
	if _, err := p.store.UpsertNode(ctx, next); err != nil {
		return fmt.Errorf("flag %s: %w", n.ID, err)
	}
	r.report.Flagged++
	r.report.FlaggedIDs = append(r.report.FlaggedIDs, n.ID)
	p.logger.Debug("flagged", slog.String("item", n.ID), slog.String("type", string(n.ItemType)))
	return nil
}

// evaluateRecord settles a location/record node. It is flagged only by
// direct evidence.
func (p *Propagator) evaluateRecord(ctx context.Context, r *run, n *graph.Node) (bool, error) {
	i := r.memo.idx(n.ID)
	switch {
	case r.memo.flagged.Contains(i):
		return true, nil
	case r.memo.clear.Contains(i):
		return false, nil
	}
	flagged := n.Meta.HumanRemains()
	if !flagged {
		var err error
		if flagged, err = p.direct(ctx, r, n); err != nil {
			return false, err
		}
	}
	if flagged {
		r.memo.flagged.Add(i)
	} else {
		r.memo.clear.Add(i)
	}
	return flagged, nil
}

// evaluateMedia flags a media/document node on direct evidence or when a
// location/record one hop away in either direction is flagged. Other
// media are never followed.
func (p *Propagator) evaluateMedia(ctx context.Context, r *run, n *graph.Node) (bool, error) {
	if n.Meta.HumanRemains() {
		return true, nil
	}
	flagged, err := p.direct(ctx, r, n)
	if err != nil || flagged {
		return flagged, err
	}

	edges, err := p.store.FindAssertions(ctx, graph.AssertionFilter{References: []string{n.ID}})
	if err != nil {
		return false, fmt.Errorf("neighbours of %s: %w", n.ID, err)
	}
	var ids []string
	for _, a := range edges {
		for _, id := range []string{a.SubjectID, a.ObjectID} {
			if id == "" || id == n.ID {
				continue
			}
			if i, ok := r.memo.index[id]; ok && r.memo.flagged.Contains(i) {
				return true, nil
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}
	// Records settled by an earlier, interrupted run are only visible
	// through their persisted flag.
	neighbours, err := p.store.FindNodes(ctx, graph.NodeFilter{IDs: ids, ItemTypes: []graph.ItemType{graph.ItemTypeSubject}})
	if err != nil {
		return false, fmt.Errorf("neighbours of %s: %w", n.ID, err)
	}
	for _, nb := range neighbours {
		if nb.Meta.HumanRemains() {
			return true, nil
		}
	}
	return false, nil
}

// direct checks the item's own classification and statements.
func (p *Propagator) direct(ctx context.Context, r *run, n *graph.Node) (bool, error) {
	if n.ItemClassID != "" {
		if r.classIDs[n.ItemClassID] || p.relatedSensitive(r, n.ItemClassID) {
			return true, nil
		}
	}
	if len(r.linkedData) == 0 {
		return false, nil
	}

	statements, err := p.store.FindAssertions(ctx, graph.AssertionFilter{SubjectIDs: []string{n.ID}})
	if err != nil {
		return false, fmt.Errorf("statements of %s: %w", n.ID, err)
	}
	var objIDs []string
	for _, a := range statements {
		if a.ObjectID == "" {
			continue
		}
		if p.relatedSensitive(r, a.ObjectID) {
			return true, nil
		}
		objIDs = append(objIDs, a.ObjectID)
	}
	if len(objIDs) == 0 {
		return false, nil
	}
	objs, err := p.store.FindNodes(ctx, graph.NodeFilter{IDs: objIDs})
	if err != nil {
		return false, fmt.Errorf("objects of %s: %w", n.ID, err)
	}
	for _, o := range objs {
		if o.URI != "" && r.linkedData[o.URI] {
			return true, nil
		}
	}
	return false, nil
}

// relatedSensitive reports whether a controlled term has an equivalence or
// sub-type edge to a sensitive linked-data URI.
func (p *Propagator) relatedSensitive(r *run, termID string) bool {
	if r.cm == nil {
		return false
	}
	for _, e := range r.cm.Related(termID) {
		if r.linkedData[e.CanonicalURI] {
			return true
		}
	}
	return false
}
