// Package jobs holds the coordination pieces shared by mutating runs:
// per-project mutual exclusion and resumable progress markers.
package jobs

import (
	"context"
	"sort"
	"sync"
)

// ProjectLocks hands out one exclusive token per project. Holders of
// different projects never block each other.
type ProjectLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{slots: make(map[string]chan struct{})}
}

func (l *ProjectLocks) slot(project string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[project]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[project] = ch
	}
	return ch
}

// Lock blocks until project is free or ctx is done. The returned func
// releases the token and must be called exactly once.
func (l *ProjectLocks) Lock(ctx context.Context, project string) (func(), error) {
	ch := l.slot(project)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the token only if it is free right now.
func (l *ProjectLocks) TryLock(project string) (func(), bool) {
	ch := l.slot(project)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return nil, false
	}
}

// LockAll takes every listed project in sorted order so two runs over
// overlapping sets cannot deadlock. Duplicates are taken once.
func (l *ProjectLocks) LockAll(ctx context.Context, projects ...string) (func(), error) {
	uniq := make([]string, 0, len(projects))
	seen := make(map[string]bool, len(projects))
	for _, p := range projects {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	releases := make([]func(), 0, len(uniq))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, p := range uniq {
		release, err := l.Lock(ctx, p)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
