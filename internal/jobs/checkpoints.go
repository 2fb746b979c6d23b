package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoCheckpoint is returned by Load when no marker is stored.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Marker is a coarse progress marker for a long scope-wide run. Everything
// up to and including LastID in Phase is done.
type Marker struct {
	Job     string    `json:"job"`
	Scope   string    `json:"scope"`
	Phase   int       `json:"phase"`
	LastID  string    `json:"last_id"`
	Count   int       `json:"count"`
	Updated time.Time `json:"updated"`
}

// Checkpoints persists progress markers keyed by (job, scope).
type Checkpoints interface {
	Load(ctx context.Context, job, scope string) (Marker, error)
	Save(ctx context.Context, m Marker) error
	Clear(ctx context.Context, job, scope string) error
}

// MemoryCheckpoints keeps markers for the life of the process.
type MemoryCheckpoints struct {
	mu      sync.Mutex
	markers map[string]Marker
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{markers: make(map[string]Marker)}
}

func checkpointKey(job, scope string) string {
	return "checkpoint/" + job + "/" + scope
}

func (c *MemoryCheckpoints) Load(_ context.Context, job, scope string) (Marker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markers[checkpointKey(job, scope)]
	if !ok {
		return Marker{}, ErrNoCheckpoint
	}
	return m, nil
}

func (c *MemoryCheckpoints) Save(_ context.Context, m Marker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Updated.IsZero() {
		m.Updated = time.Now().UTC()
	}
	c.markers[checkpointKey(m.Job, m.Scope)] = m
	return nil
}

func (c *MemoryCheckpoints) Clear(_ context.Context, job, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, checkpointKey(job, scope))
	return nil
}
