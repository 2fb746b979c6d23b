package graph

import (
	"context"
	"sync"
)

// HotSwapStore is a thread-safe wrapper that allows swapping the underlying
// store instance, e.g. after a full reload into a fresh database.
type HotSwapStore struct {
	mu      sync.RWMutex
	current Store
}

func NewHotSwapStore(initial Store) *HotSwapStore {
	return &HotSwapStore{current: initial}
}

// Swap atomically replaces the current store and returns the old one.
// The caller decides when the old store is safe to close.
func (h *HotSwapStore) Swap(next Store) Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.current
	h.current = next
	return old
}

func (h *HotSwapStore) get() Store {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// GetNode delegates to the current store.
func (h *HotSwapStore) GetNode(ctx context.Context, id string) (*Node, error) {
	return h.get().GetNode(ctx, id)
}

// FindNodes delegates to the current store.
func (h *HotSwapStore) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	return h.get().FindNodes(ctx, f)
}

// GetAssertion delegates to the current store.
func (h *HotSwapStore) GetAssertion(ctx context.Context, id string) (*Assertion, error) {
	return h.get().GetAssertion(ctx, id)
}

// FindAssertions delegates to the current store.
func (h *HotSwapStore) FindAssertions(ctx context.Context, f AssertionFilter) ([]*Assertion, error) {
	return h.get().FindAssertions(ctx, f)
}

// FindSpaceTime delegates to the current store.
func (h *HotSwapStore) FindSpaceTime(ctx context.Context, itemIDs ...string) ([]*SpaceTime, error) {
	return h.get().FindSpaceTime(ctx, itemIDs...)
}

func (h *HotSwapStore) UpsertNode(ctx context.Context, n *Node) (*Node, error) {
	return h.get().UpsertNode(ctx, n)
}

func (h *HotSwapStore) UpsertAssertion(ctx context.Context, a *Assertion) (*Assertion, error) {
	return h.get().UpsertAssertion(ctx, a)
}

func (h *HotSwapStore) UpsertSpaceTime(ctx context.Context, st *SpaceTime) (*SpaceTime, error) {
	return h.get().UpsertSpaceTime(ctx, st)
}

func (h *HotSwapStore) DeleteNode(ctx context.Context, id string) error {
	return h.get().DeleteNode(ctx, id)
}

func (h *HotSwapStore) DeleteAssertion(ctx context.Context, id string) error {
	return h.get().DeleteAssertion(ctx, id)
}

func (h *HotSwapStore) DeleteSpaceTime(ctx context.Context, id string) error {
	return h.get().DeleteSpaceTime(ctx, id)
}

// Close closes the current store.
func (h *HotSwapStore) Close() error {
	return h.get().Close()
}
