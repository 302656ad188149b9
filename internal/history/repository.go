// Package history persists aggregate health snapshots.
package history

import (
	"context"
	"errors"
	"sync"

	"github.com/precheck/monitor/internal/monitor"
)

// DefaultLimit is the number of snapshots returned when no limit is given.
const DefaultLimit = 100

// Repository errors.
var (
	ErrNoSnapshots = errors.New("no snapshots recorded")
)

// Repository defines the interface for snapshot persistence.
type Repository interface {
	// Save stores a snapshot. Saving the same ID twice is a no-op.
	Save(ctx context.Context, snapshot *monitor.AggregateHealth) error

	// List returns up to limit snapshots, newest first.
	List(ctx context.Context, limit int) ([]*monitor.AggregateHealth, error)
}

var (
	_ Repository       = (*InMemoryRepository)(nil)
	_ monitor.Recorder = (Repository)(nil)
)

// Latest returns the newest snapshot in repo.
func Latest(ctx context.Context, repo Repository) (*monitor.AggregateHealth, error) {
	snaps, err := repo.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoSnapshots
	}
	return snaps[0], nil
}

// compact drops the per-probe results, which duplicate Services.
func compact(s *monitor.AggregateHealth) *monitor.AggregateHealth {
	cp := *s
	cp.Results = nil
	cp.Stale = false
	return &cp
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// InMemoryRepository keeps the most recent snapshots in a bounded buffer.
type InMemoryRepository struct {
	mu       sync.RWMutex
	capacity int
	ids      map[string]struct{}
	// snapshots is ordered oldest first.
	snapshots []*monitor.AggregateHealth
}

// NewInMemoryRepository creates a repository holding at most capacity
// snapshots.
func NewInMemoryRepository(capacity int) *InMemoryRepository {
	return &InMemoryRepository{
		capacity: normalizeLimit(capacity),
		ids:      make(map[string]struct{}),
	}
}

// Save stores a snapshot, evicting the oldest when full.
func (r *InMemoryRepository) Save(_ context.Context, snapshot *monitor.AggregateHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[snapshot.ID]; ok {
		return nil
	}

	r.snapshots = append(r.snapshots, compact(snapshot))
	r.ids[snapshot.ID] = struct{}{}

	if over := len(r.snapshots) - r.capacity; over > 0 {
		for _, old := range r.snapshots[:over] {
			delete(r.ids, old.ID)
		}
		r.snapshots = append([]*monitor.AggregateHealth(nil), r.snapshots[over:]...)
	}
	return nil
}

// List returns up to limit snapshots, newest first.
func (r *InMemoryRepository) List(_ context.Context, limit int) ([]*monitor.AggregateHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit = normalizeLimit(limit)
	out := make([]*monitor.AggregateHealth, 0, min(limit, len(r.snapshots)))
	for i := len(r.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.snapshots[i])
	}
	return out, nil
}

// Len returns the number of stored snapshots.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshots)
}

// Nop discards every snapshot.
type Nop struct{}

// Save implements Repository.
func (Nop) Save(context.Context, *monitor.AggregateHealth) error { return nil }

// List implements Repository.
func (Nop) List(context.Context, int) ([]*monitor.AggregateHealth, error) { return nil, nil }
