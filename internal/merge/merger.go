// Package merge folds a duplicated containment subtree into its twin.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/stratum/api"
	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/jobs"
)

// JobName scopes the merger's progress markers.
const JobName = "merge"

// Options tunes one merge run.
type Options struct {
	// DryRun plans the pairs and reports them without writing.
	DryRun bool
}

type Merger struct {
	store       graph.Store
	locks       *jobs.ProjectLocks
	checkpoints jobs.Checkpoints
	logger      *slog.Logger
}

func New(store graph.Store, locks *jobs.ProjectLocks, checkpoints jobs.Checkpoints, logger *slog.Logger) *Merger {
	if locks == nil {
		locks = jobs.NewProjectLocks()
	}
	if checkpoints == nil {
		checkpoints = jobs.NewMemoryCheckpoints()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{store: store, locks: locks, checkpoints: checkpoints, logger: logger}
}

// pair is one planned (keep, delete) alignment.
type pair struct {
	keep, del *graph.Node
}

// subtree is the set of descendants under a root, with their depth below it.
type subtree struct {
	nodes []*graph.Node
	depth map[string]int
	index map[string]uint32
	set   *roaring.Bitmap
}

func (s *subtree) contains(id string) bool {
	i, ok := s.index[id]
	return ok && s.set.Contains(i)
}

// Merge aligns the descendants of deleteRootID with those of keepRootID,
// deepest first, and folds each duplicate into its counterpart, finishing
// with the roots themselves. Problems with individual pairs are collected
// in the report; only unusable roots or cancellation fail the call.
func (m *Merger) Merge(ctx context.Context, keepRootID, deleteRootID string, opts Options) (*api.MergeReport, error) {
	keep, err := m.store.GetNode(ctx, keepRootID)
	if err != nil {
		return nil, fmt.Errorf("keep root %s: %w", keepRootID, err)
	}
	del, err := m.store.GetNode(ctx, deleteRootID)
	if err != nil {
		return nil, fmt.Errorf("delete root %s: %w", deleteRootID, err)
	}
	if keep.ID == del.ID {
		return nil, fmt.Errorf("cannot merge %s into itself: %w", keep.ID, graph.ErrConstraintViolation)
	}
	if err := m.checkDisjoint(ctx, keep, del); err != nil {
		return nil, err
	}

	unlock, err := m.locks.LockAll(ctx, keep.ProjectID, del.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report := &api.MergeReport{KeepRootID: keep.ID, DeleteRootID: del.ID, DryRun: opts.DryRun, Merged: []api.MergePair{}}
	pairs, err := m.plan(ctx, keep, del, report)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		for _, p := range pairs {
			report.Merged = append(report.Merged, mergePair(p))
		}
		return report, nil
	}

	scope := keep.ID + "|" + del.ID
	pairs = m.skipDone(ctx, scope, pairs)
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.apply(ctx, p, report); err != nil {
			report.Errors = append(report.Errors, err.Error())
			m.logger.Warn("merge pair failed",
				slog.String("keep", p.keep.ID), slog.String("delete", p.del.ID), slog.String("error", err.Error()))
			continue
		}
		report.Merged = append(report.Merged, mergePair(p))
		if err := m.checkpoints.Save(ctx, jobs.Marker{
			Job: JobName, Scope: scope, LastID: p.del.ID, Count: i + 1, Updated: time.Now().UTC(),
		}); err != nil {
			return report, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	if err := m.checkpoints.Clear(ctx, JobName, scope); err != nil {
		return report, fmt.Errorf("clear checkpoint: %w", err)
	}
	m.logger.Info("subtree merge done",
		slog.String("keep", keep.ID), slog.String("delete", del.ID),
		slog.Int("merged", len(report.Merged)), slog.Int("errors", len(report.Errors)))
	return report, nil
}

func mergePair(p pair) api.MergePair {
	return api.MergePair{Keep: p.keep.ID, Delete: p.del.ID, KeepPath: p.keep.Path, DeletePath: p.del.Path}
}

// checkDisjoint refuses roots where one contains the other.
func (m *Merger) checkDisjoint(ctx context.Context, keep, del *graph.Node) error {
	for _, c := range []struct{ from, other *graph.Node }{{keep, del}, {del, keep}} {
		chain, err := graph.Ancestors(ctx, m.store, c.from.ID, 0, nil)
		if err != nil {
			return fmt.Errorf("ancestors of %s: %w", c.from.ID, err)
		}
		for _, a := range chain {
			if a.ID == c.other.ID {
				return fmt.Errorf("%s contains %s: %w", c.other.ID, c.from.ID, graph.ErrConstraintViolation)
			}
		}
	}
	return nil
}

// descendants collects root's subtree breadth first, bounded by
// graph.MaxHierarchyDepth.
func (m *Merger) descendants(ctx context.Context, root *graph.Node) (*subtree, error) {
	st := &subtree{depth: make(map[string]int), index: make(map[string]uint32), set: roaring.New()}
	frontier := []string{root.ID}
	for d := 1; len(frontier) > 0; d++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d > graph.MaxHierarchyDepth {
			return nil, fmt.Errorf("subtree of %s: %w", root.ID, graph.ErrDepthExceeded)
		}
		var next []string
		for _, parent := range frontier {
			kids, err := m.store.FindNodes(ctx, graph.NodeFilter{ContextID: parent})
			if err != nil {
				return nil, fmt.Errorf("children of %s: %w", parent, err)
			}
			for _, k := range kids {
				if _, seen := st.index[k.ID]; seen || k.ID == root.ID {
					continue
				}
				i := uint32(len(st.index))
				st.index[k.ID] = i
				st.set.Add(i)
				st.depth[k.ID] = d
				st.nodes = append(st.nodes, k)
				next = append(next, k.ID)
			}
		}
		frontier = next
	}
	return st, nil
}

// plan pairs every keep descendant with its counterpart under the delete
// root, deepest first, and appends the root pair last.
func (m *Merger) plan(ctx context.Context, keep, del *graph.Node, report *api.MergeReport) ([]pair, error) {
	keepTree, err := m.descendants(ctx, keep)
	if err != nil {
		return nil, err
	}
	delTree, err := m.descendants(ctx, del)
	if err != nil {
		return nil, err
	}

	ordered := keepTree.nodes
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := keepTree.depth[ordered[i].ID], keepTree.depth[ordered[j].ID]
		if di != dj {
			return di > dj
		}
		if ordered[i].Path != ordered[j].Path {
			return ordered[i].Path < ordered[j].Path
		}
		return ordered[i].ID < ordered[j].ID
	})

	var pairs []pair
	claimed := make(map[string]bool)
	for _, kd := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := del.Path + strings.TrimPrefix(kd.Path, keep.Path)
		found, err := m.store.FindNodes(ctx, graph.NodeFilter{
			Path:       target,
			Label:      kd.Label,
			ProjectID:  kd.ProjectID,
			ExcludeIDs: []string{kd.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("counterpart of %s: %w", kd.ID, err)
		}
		var matches []*graph.Node
		for _, c := range found {
			if c.ItemClassID == kd.ItemClassID && delTree.contains(c.ID) {
				matches = append(matches, c)
			}
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
		default:
			ids := make([]string, len(matches))
			for i, c := range matches {
				ids[i] = c.ID
			}
			err := fmt.Errorf("%s (%s) has %d counterparts %v: %w", kd.ID, kd.Path, len(matches), ids, graph.ErrAmbiguousMatch)
			report.Errors = append(report.Errors, err.Error())
			m.logger.Warn("ambiguous merge counterpart", slog.String("keep", kd.ID), slog.Any("candidates", ids))
			continue
		}
		c := matches[0]
		if claimed[c.ID] {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s already paired, skipped for %s", c.ID, kd.ID))
			continue
		}
		claimed[c.ID] = true
		pairs = append(pairs, pair{keep: kd, del: c})
	}
	return append(pairs, pair{keep: keep, del: del}), nil
}

// skipDone drops pairs already applied by an interrupted run.
func (m *Merger) skipDone(ctx context.Context, scope string, pairs []pair) []pair {
	marker, err := m.checkpoints.Load(ctx, JobName, scope)
	if err != nil {
		if !errors.Is(err, jobs.ErrNoCheckpoint) {
			m.logger.Warn("checkpoint unreadable, merging from the start", slog.String("error", err.Error()))
		}
		return pairs
	}
	for i, p := range pairs {
		if p.del.ID == marker.LastID {
			m.logger.Info("resuming merge", slog.String("scope", scope), slog.String("after", marker.LastID))
			return pairs[i+1:]
		}
	}
	return pairs
}

// apply folds p.del into p.keep: statements, facts, class references and
// leftover children move over, then p.del is removed.
func (m *Merger) apply(ctx context.Context, p pair, report *api.MergeReport) error {
	keep, del := p.keep.ID, p.del.ID

	refs, err := m.store.FindAssertions(ctx, graph.AssertionFilter{References: []string{del}})
	if err != nil {
		return fmt.Errorf("statements referencing %s: %w", del, err)
	}
	for _, a := range refs {
		moved := a.Clone()
		moved.ReplaceReference(del, keep)
		moved.ID = ""
		if _, err := m.store.UpsertAssertion(ctx, moved); err != nil {
			return fmt.Errorf("redirect %s: %w", a.ID, err)
		}
		if err := m.store.DeleteAssertion(ctx, a.ID); err != nil && !graph.IsNotFound(err) {
			return fmt.Errorf("drop %s: %w", a.ID, err)
		}
		report.RedirectedAssertions++
	}

	if err := m.moveSpaceTime(ctx, keep, del, report); err != nil {
		return err
	}

	classed, err := m.store.FindNodes(ctx, graph.NodeFilter{ItemClassID: del})
	if err != nil {
		return fmt.Errorf("nodes classed by %s: %w", del, err)
	}
	for _, n := range classed {
		next := n.Clone()
		next.ItemClassID = keep
		if _, err := m.store.UpsertNode(ctx, next); err != nil {
			return fmt.Errorf("reclass %s: %w", n.ID, err)
		}
		report.RedirectedClasses++
	}

	children, err := m.store.FindNodes(ctx, graph.NodeFilter{ContextID: del})
	if err != nil {
		return fmt.Errorf("children of %s: %w", del, err)
	}
	for _, c := range children {
		clash, err := m.store.FindNodes(ctx, graph.NodeFilter{ContextID: keep, Label: c.Label, Limit: 1})
		if err != nil {
			return fmt.Errorf("siblings of %s: %w", c.ID, err)
		}
		if len(clash) > 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s moved beside %s with the same label %q but no match", c.ID, clash[0].ID, c.Label))
		}
		next := c.Clone()
		next.ContextID = keep
		if _, err := m.store.UpsertNode(ctx, next); err != nil {
			return fmt.Errorf("reparent %s: %w", c.ID, err)
		}
		report.ReparentedChildren++
	}

	if err := m.store.DeleteNode(ctx, del); err != nil {
		return fmt.Errorf("delete %s: %w", del, err)
	}
	m.logger.Debug("merged", slog.String("keep", keep), slog.String("delete", del))
	return nil
}

// moveSpaceTime re-homes del's facts. A fact whose rank and event the kept
// node already has is dropped with a warning; the kept fact wins.
func (m *Merger) moveSpaceTime(ctx context.Context, keep, del string, report *api.MergeReport) error {
	facts, err := m.store.FindSpaceTime(ctx, del)
	if err != nil {
		return fmt.Errorf("spacetime of %s: %w", del, err)
	}
	if len(facts) == 0 {
		return nil
	}
	existing, err := m.store.FindSpaceTime(ctx, keep)
	if err != nil {
		return fmt.Errorf("spacetime of %s: %w", keep, err)
	}
	have := make(map[string]bool, len(existing))
	for _, f := range existing {
		have[f.ID] = true
	}
	for _, f := range facts {
		moved := f.Clone()
		moved.ItemID = keep
		moved.ID = graph.SpaceTimeID(moved)
		if have[moved.ID] {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("spacetime %s of %s dropped: %s already has feature %d", f.ID, del, keep, f.FeatureID))
		} else if _, err := m.store.UpsertSpaceTime(ctx, moved); err != nil {
			return fmt.Errorf("redirect spacetime %s: %w", f.ID, err)
		} else {
			report.RedirectedSpaceTime++
		}
		if err := m.store.DeleteSpaceTime(ctx, f.ID); err != nil && !graph.IsNotFound(err) {
			return fmt.Errorf("drop spacetime %s: %w", f.ID, err)
		}
	}
	return nil
}
