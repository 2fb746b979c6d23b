package equivalence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/stratum/api"
	"github.com/agentic-research/stratum/internal/graph"
)

// DefaultRule injects (DefaultPredicate, DefaultObject) into items whose
// classification matches Class when no statement uses Predicate.
type DefaultRule struct {
	// Class is a class URI or an item type such as "subjects".
	Class            string
	Predicate        string
	DefaultPredicate string
	DefaultObject    string
}

// Config selects the relation predicates and backfill table.
type Config struct {
	BootstrapProject string
	EquivalenceURIs  []string
	MapsFromURIs     []string
	SubTypeURIs      []string
	MaxAge           time.Duration
	Defaults         []DefaultRule
}

// Engine synthesizes canonical statements from real ones. It never writes
// to the store.
type Engine struct {
	store  graph.Reader
	cfg    Config
	cache  *Cache
	logger *slog.Logger
}

// New returns an engine with its own Context Map cache.
func New(store graph.Reader, cfg Config, logger *slog.Logger, observer CacheObserver) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, cfg: cfg, logger: logger}
	e.cache = NewCache(func(ctx context.Context, projectID string) (*ContextMap, error) {
		return Build(ctx, store, cfg, projectID)
	}, cfg.MaxAge, observer)
	return e
}

// ContextMap returns the cached Context Map for projectID.
func (e *Engine) ContextMap(ctx context.Context, projectID string) (*ContextMap, error) {
	return e.cache.Get(ctx, projectID)
}

// Invalidate drops the cached map of one project.
func (e *Engine) Invalidate(projectID string) { e.cache.Invalidate(projectID) }

// InvalidateAll drops every cached map.
func (e *Engine) InvalidateAll() { e.cache.InvalidateAll() }

// RelationURIs returns every configured relation predicate URI.
func (e *Engine) RelationURIs() []string {
	out := make([]string, 0, len(e.cfg.EquivalenceURIs)+len(e.cfg.MapsFromURIs)+len(e.cfg.SubTypeURIs))
	out = append(out, e.cfg.EquivalenceURIs...)
	out = append(out, e.cfg.MapsFromURIs...)
	return append(out, e.cfg.SubTypeURIs...)
}

// synthesis collects statements for one item, dropping repeats by id.
type synthesis struct {
	seen map[string]bool
	out  []api.Statement
}

func (s *synthesis) add(st api.Statement) {
	if s.seen[st.ID] {
		return
	}
	s.seen[st.ID] = true
	s.out = append(s.out, st)
}

// statementID hashes (item, predicate, object|literal). The predicate is
// identified by the canonical node, or by URI for default backfill.
func statementID(item, predicate, value string) string {
	return graph.ContentID("synthesized/v1", item, predicate, value)
}

func term(n *graph.Node) api.Term {
	return api.Term{ID: n.ID, URI: n.URI, Label: n.Label}
}

func canonicalTerm(e Entry) api.Term {
	return api.Term{ID: e.CanonicalID, URI: e.CanonicalURI, Label: e.CanonicalLabel}
}

// Synthesize returns the derived canonical statements for itemID. When
// the Context Map cannot be had the result is empty, not an error.
func (e *Engine) Synthesize(ctx context.Context, itemID string) ([]api.Statement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := e.store.GetNode(ctx, itemID)
	if err != nil {
		return nil, err
	}
	cm, err := e.cache.Get(ctx, item.ProjectID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Warn("context map unavailable, no synthesis",
			slog.String("item", item.ID), slog.String("project", item.ProjectID), slog.String("error", err.Error()))
		return []api.Statement{}, nil
	}

	stated, err := e.store.FindAssertions(ctx, graph.AssertionFilter{SubjectIDs: []string{item.ID}, VisibleOnly: true})
	if err != nil {
		return nil, fmt.Errorf("statements of %s: %w", item.ID, err)
	}

	s := &synthesis{seen: make(map[string]bool)}
	objects := make(map[string]*graph.Node)
	for _, a := range stated {
		preds := cm.Canonical(a.PredicateID)
		if len(preds) == 0 {
			continue
		}
		for _, p := range preds {
			if err := e.synthesizeOne(ctx, cm, item, a, p, objects, s); err != nil {
				return nil, err
			}
		}
	}

	if err := e.backfill(ctx, item, stated, s); err != nil {
		return nil, err
	}
	return s.out, nil
}

func (e *Engine) synthesizeOne(ctx context.Context, cm *ContextMap, item *graph.Node, a *graph.Assertion, p Entry, objects map[string]*graph.Node, s *synthesis) error {
	base := api.Statement{
		SubjectID:         item.ID,
		Predicate:         canonicalTerm(p),
		SourceAssertionID: a.ID,
		LocalPredicateID:  a.PredicateID,
		Created:           a.Created,
		Updated:           a.Updated,
	}

	if a.ObjectID == "" {
		st := base
		st.Literal = a.Literal.Text()
		st.DataType = string(a.Literal.DataType())
		st.Language = a.Language
		st.ID = statementID(item.ID, p.CanonicalID, graph.KeyOf(a).Literal)
		s.add(st)
		return nil
	}

	if canon := cm.Canonical(a.ObjectID); len(canon) > 0 {
		for _, o := range canon {
			st := base
			obj := canonicalTerm(o)
			st.Object = &obj
			st.ID = statementID(item.ID, p.CanonicalID, "o:"+o.CanonicalID)
			s.add(st)
		}
		return nil
	}

	local, ok := objects[a.ObjectID]
	if !ok {
		n, err := e.store.GetNode(ctx, a.ObjectID)
		if err != nil {
			return fmt.Errorf("object %s of %s: %w", a.ObjectID, a.ID, err)
		}
		objects[a.ObjectID] = n
		local = n
	}
	st := base
	obj := term(local)
	st.Object = &obj
	st.ID = statementID(item.ID, p.CanonicalID, "o:"+local.ID)
	s.add(st)
	return nil
}

// classKeys returns the values a DefaultRule.Class may match for item.
func (e *Engine) classKeys(ctx context.Context, item *graph.Node) (map[string]bool, error) {
	keys := map[string]bool{string(item.ItemType): true}
	class, err := graph.ClassOf(ctx, e.store, item)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return nil, err
	}
	if class != nil && class.URI != "" {
		keys[class.URI] = true
	}
	return keys, nil
}

// backfill injects one default statement per matching rule whose
// predicate is absent from both real and synthesized statements.
func (e *Engine) backfill(ctx context.Context, item *graph.Node, stated []*graph.Assertion, s *synthesis) error {
	if len(e.cfg.Defaults) == 0 {
		return nil
	}
	keys, err := e.classKeys(ctx, item)
	if err != nil {
		return err
	}

	present := make(map[string]bool)
	for _, st := range s.out {
		if st.Predicate.URI != "" {
			present[st.Predicate.URI] = true
		}
	}
	predIDs := make([]string, 0, len(stated))
	for _, a := range stated {
		predIDs = append(predIDs, a.PredicateID)
	}
	if len(predIDs) > 0 {
		preds, err := e.store.FindNodes(ctx, graph.NodeFilter{IDs: predIDs})
		if err != nil {
			return fmt.Errorf("predicates of %s: %w", item.ID, err)
		}
		for _, p := range preds {
			if p.URI != "" {
				present[p.URI] = true
			}
		}
	}

	for _, rule := range e.cfg.Defaults {
		if !keys[rule.Class] || present[rule.Predicate] {
			continue
		}
		pred, err := e.termFor(ctx, rule.DefaultPredicate)
		if err != nil {
			return err
		}
		obj, err := e.termFor(ctx, rule.DefaultObject)
		if err != nil {
			return err
		}
		s.add(api.Statement{
			ID:        statementID(item.ID, rule.DefaultPredicate, "o:"+rule.DefaultObject),
			SubjectID: item.ID,
			Predicate: pred,
			Object:    &obj,
			Default:   true,
			Created:   item.Created,
			Updated:   item.Updated,
		})
		present[rule.DefaultPredicate] = true
	}
	return nil
}

// termFor describes a configured URI, using the store's node when one
// carries it.
func (e *Engine) termFor(ctx context.Context, uri string) (api.Term, error) {
	nodes, err := e.store.FindNodes(ctx, graph.NodeFilter{URIs: []string{uri}, Limit: 1})
	if err != nil {
		return api.Term{}, fmt.Errorf("term %s: %w", uri, err)
	}
	if len(nodes) == 0 {
		return api.Term{URI: uri}, nil
	}
	return term(nodes[0]), nil
}

// SynthesizeMany synthesizes each item independently.
func (e *Engine) SynthesizeMany(ctx context.Context, ids []string) []api.Result[[]api.Statement] {
	out := make([]api.Result[[]api.Statement], len(ids))
	for i, id := range ids {
		out[i].ID = id
		sts, err := e.Synthesize(ctx, id)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Value = sts
	}
	return out
}
