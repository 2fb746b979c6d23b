// Package service is the facade the CLI and MCP server call. It applies
// permission checks, keeps the Context Map cache coherent with writes and
// records metrics around every resolver.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/stratum/api"
	"github.com/agentic-research/stratum/internal/config"
	"github.com/agentic-research/stratum/internal/equivalence"
	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/hierarchy"
	"github.com/agentic-research/stratum/internal/jobs"
	"github.com/agentic-research/stratum/internal/merge"
	"github.com/agentic-research/stratum/internal/metrics"
	"github.com/agentic-research/stratum/internal/sensitivity"
)

// Options carries optional collaborators; zero values pick defaults.
type Options struct {
	Auth        Authorizer
	Checkpoints jobs.Checkpoints
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Service struct {
	store      *graph.HotSwapStore
	cfg        *config.Config
	resolver   *hierarchy.Resolver
	engine     *equivalence.Engine
	propagator *sensitivity.Propagator
	merger     *merge.Merger
	auth       Authorizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	relations  map[string]bool
}

// EquivalenceConfig converts the file configuration.
func EquivalenceConfig(c config.EquivalenceConfig) equivalence.Config {
	rules := make([]equivalence.DefaultRule, len(c.Defaults))
	for i, r := range c.Defaults {
		rules[i] = equivalence.DefaultRule{
			Class:            r.Class,
			Predicate:        r.Predicate,
			DefaultPredicate: r.DefaultPredicate,
			DefaultObject:    r.DefaultObject,
		}
	}
	return equivalence.Config{
		BootstrapProject: c.BootstrapProject,
		EquivalenceURIs:  c.EquivalenceURIs,
		MapsFromURIs:     c.MapsFromURIs,
		SubTypeURIs:      c.SubTypeURIs,
		MaxAge:           c.MaxAge,
		Defaults:         rules,
	}
}

func New(store graph.Store, cfg *config.Config, opts Options) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = AllowAll{}
	}
	var observer equivalence.CacheObserver
	if opts.Metrics != nil {
		observer = opts.Metrics.CacheObserver()
	}

	hot := graph.NewHotSwapStore(store)
	locks := jobs.NewProjectLocks()
	eqCfg := EquivalenceConfig(cfg.Equivalence)
	engine := equivalence.New(hot, eqCfg, logger, observer)

	s := &Service{
		store: hot,
		cfg:   cfg,
		resolver: hierarchy.New(hot, hierarchy.Options{
			RootIDs:  cfg.Hierarchy.RootIDs,
			MaxDepth: cfg.Hierarchy.MaxDepth,
			Logger:   logger,
		}),
		engine: engine,
		propagator: sensitivity.New(hot, engine, locks, opts.Checkpoints, sensitivity.Options{
			ClassURIs:       cfg.Sensitivity.ClassURIs,
			LinkedDataURIs:  cfg.Sensitivity.LinkedDataURIs,
			CheckpointEvery: cfg.Sensitivity.CheckpointEvery,
			Logger:          logger,
		}),
		merger:    merge.New(hot, locks, opts.Checkpoints, logger),
		auth:      auth,
		metrics:   opts.Metrics,
		logger:    logger,
		relations: make(map[string]bool),
	}
	for _, u := range engine.RelationURIs() {
		s.relations[u] = true
	}
	return s
}

// Store exposes the read side of the current backend.
func (s *Service) Store() graph.Reader { return s.store }

// Swap replaces the backing store, e.g. after a full reload into a fresh
// database, and drops every cached Context Map. The old store is returned
// for the caller to close.
func (s *Service) Swap(next graph.Store) graph.Store {
	old := s.store.Swap(next)
	s.engine.InvalidateAll()
	s.logger.Info("store swapped")
	return old
}

// Close closes the current store.
func (s *Service) Close() error { return s.store.Close() }

func (s *Service) observe(op string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.Observe(op, start, err)
	}
}

func (s *Service) canView(ctx context.Context, projectID string) error {
	if !s.auth.CanView(ctx, ActorFrom(ctx), projectID) {
		return fmt.Errorf("view %s: %w", projectID, ErrForbidden)
	}
	return nil
}

func (s *Service) canEdit(ctx context.Context, projectID string) error {
	if !s.auth.CanEdit(ctx, ActorFrom(ctx), projectID) {
		return fmt.Errorf("edit %s: %w", projectID, ErrForbidden)
	}
	return nil
}

// viewable loads an item and checks the actor may see its project.
func (s *Service) viewable(ctx context.Context, id string) (*graph.Node, error) {
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	project := n.ProjectID
	if n.ItemType == graph.ItemTypeProject {
		project = n.ID
	}
	if err := s.canView(ctx, project); err != nil {
		return nil, err
	}
	return n, nil
}

// ResolveSpacetime resolves each item independently.
func (s *Service) ResolveSpacetime(ctx context.Context, ids ...string) []api.Result[*api.Spacetime] {
	out := make([]api.Result[*api.Spacetime], len(ids))
	for i, id := range ids {
		out[i].ID = id
		st, err := s.resolveOne(ctx, id)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Value = st
	}
	return out
}

func (s *Service) resolveOne(ctx context.Context, id string) (st *api.Spacetime, err error) {
	defer s.observe("resolve", time.Now(), &err)
	if _, err = s.viewable(ctx, id); err != nil {
		return nil, err
	}
	st, err = s.resolver.Resolve(ctx, id)
	if err == nil && st.Truncated && s.metrics != nil {
		s.metrics.Truncations.Inc()
	}
	return st, err
}

// SynthesizeEquivalents synthesizes canonical statements for each item.
func (s *Service) SynthesizeEquivalents(ctx context.Context, ids ...string) []api.Result[[]api.Statement] {
	out := make([]api.Result[[]api.Statement], len(ids))
	for i, id := range ids {
		out[i].ID = id
		sts, err := s.synthesizeOne(ctx, id)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Value = sts
	}
	return out
}

func (s *Service) synthesizeOne(ctx context.Context, id string) (sts []api.Statement, err error) {
	defer s.observe("synthesize", time.Now(), &err)
	if _, err = s.viewable(ctx, id); err != nil {
		return nil, err
	}
	return s.engine.Synthesize(ctx, id)
}

// ContextMap returns the project's current Context Map.
func (s *Service) ContextMap(ctx context.Context, projectID string) (*equivalence.ContextMap, error) {
	if err := s.canView(ctx, projectID); err != nil {
		return nil, err
	}
	return s.engine.ContextMap(ctx, projectID)
}

// PropagateSensitivity runs the propagator over one project.
func (s *Service) PropagateSensitivity(ctx context.Context, projectID string) (rep *api.SensitivityReport, err error) {
	defer s.observe("propagate_sensitivity", time.Now(), &err)
	if err = s.canEdit(ctx, projectID); err != nil {
		return nil, err
	}
	rep, err = s.propagator.Propagate(ctx, projectID)
	if rep != nil && s.metrics != nil {
		s.metrics.Flagged.Add(float64(rep.Flagged))
	}
	return rep, err
}

// MergeDuplicateSubtrees folds deleteRootID's subtree into keepRootID's.
func (s *Service) MergeDuplicateSubtrees(ctx context.Context, keepRootID, deleteRootID string, dryRun bool) (rep *api.MergeReport, err error) {
	defer s.observe("merge", time.Now(), &err)
	var projects []string
	for _, id := range []string{keepRootID, deleteRootID} {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.canEdit(ctx, n.ProjectID); err != nil {
			return nil, err
		}
		projects = append(projects, n.ProjectID)
	}
	rep, err = s.merger.Merge(ctx, keepRootID, deleteRootID, merge.Options{DryRun: dryRun})
	if rep == nil || dryRun {
		return rep, err
	}
	for _, p := range projects {
		s.invalidate(p)
	}
	if s.metrics != nil {
		s.metrics.Merged.Add(float64(len(rep.Merged)))
	}
	return rep, err
}

// invalidate drops one project's map; a change to the bootstrap project
// can reach every project.
func (s *Service) invalidate(projectID string) {
	if projectID != "" && projectID == s.cfg.Equivalence.BootstrapProject {
		s.engine.InvalidateAll()
		return
	}
	s.engine.Invalidate(projectID)
}

func isVocabulary(t graph.ItemType) bool {
	return t.IsVocabulary() || t == graph.ItemTypePredicate || t == graph.ItemTypeType
}

// UpsertNode writes a node. Vocabulary changes invalidate the project's
// Context Map.
func (s *Service) UpsertNode(ctx context.Context, n *graph.Node) (*graph.Node, error) {
	project := n.ProjectID
	if n.ItemType == graph.ItemTypeProject {
		project = n.ID
	}
	if err := s.canEdit(ctx, project); err != nil {
		return nil, err
	}
	out, err := s.store.UpsertNode(ctx, n)
	if err != nil {
		return nil, err
	}
	if isVocabulary(out.ItemType) {
		s.invalidate(out.ProjectID)
	}
	return out, nil
}

// UpsertAssertion writes an assertion. Equivalence links and statements
// using vocabulary terms invalidate the project's Context Map.
func (s *Service) UpsertAssertion(ctx context.Context, a *graph.Assertion) (*graph.Assertion, error) {
	subject, err := s.store.GetNode(ctx, a.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", a.SubjectID, err)
	}
	if err := s.canEdit(ctx, subject.ProjectID); err != nil {
		return nil, err
	}
	out, err := s.store.UpsertAssertion(ctx, a)
	if err != nil {
		return nil, err
	}
	if s.touchesVocabulary(ctx, out) {
		s.invalidate(out.ProjectID)
	}
	return out, nil
}

// DeleteAssertion removes an assertion, invalidating like UpsertAssertion.
func (s *Service) DeleteAssertion(ctx context.Context, id string) error {
	a, err := s.store.GetAssertion(ctx, id)
	if err != nil {
		return err
	}
	if err := s.canEdit(ctx, a.ProjectID); err != nil {
		return err
	}
	if err := s.store.DeleteAssertion(ctx, id); err != nil {
		return err
	}
	if s.touchesVocabulary(ctx, a) {
		s.invalidate(a.ProjectID)
	}
	return nil
}

// UpsertSpaceTime writes a spacetime fact. Resolution reads facts live,
// so no cache is involved.
func (s *Service) UpsertSpaceTime(ctx context.Context, st *graph.SpaceTime) (*graph.SpaceTime, error) {
	item, err := s.store.GetNode(ctx, st.ItemID)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", st.ItemID, err)
	}
	if err := s.canEdit(ctx, item.ProjectID); err != nil {
		return nil, err
	}
	return s.store.UpsertSpaceTime(ctx, st)
}

func (s *Service) touchesVocabulary(ctx context.Context, a *graph.Assertion) bool {
	for _, id := range []string{a.PredicateID, a.ObjectID} {
		if id == "" {
			continue
		}
		n, err := s.store.GetNode(ctx, id)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return true
		}
		if s.relations[n.URI] || isVocabulary(n.ItemType) {
			return true
		}
	}
	return false
}
