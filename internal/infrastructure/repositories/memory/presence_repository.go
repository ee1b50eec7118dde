package memory

import (
	"context"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

// MemoryPresenceRepository keeps presence records in a mutex-guarded map.
// Touch and RemoveExpired run under the same write lock, so a heartbeat can
// never interleave with a sweep eviction of the same peer.
type MemoryPresenceRepository struct {
	records map[domain.PeerID]*domain.PeerRecord
	mu      sync.RWMutex
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		records: make(map[domain.PeerID]*domain.PeerRecord),
	}
}

func (r *MemoryPresenceRepository) Upsert(ctx context.Context, rec *domain.PeerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-registration overwrites: one record per peer id, last display name wins.
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *MemoryPresenceRepository) Touch(ctx context.Context, id domain.PeerID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		return domain.ErrPeerNotFound
	}

	rec.LastSeenAt = now
	return nil
}

func (r *MemoryPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return domain.ErrPeerNotFound
	}

	delete(r.records, id)
	return nil
}

func (r *MemoryPresenceRepository) List(ctx context.Context) ([]*domain.PeerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.PeerRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryPresenceRepository) RemoveExpired(ctx context.Context, cutoff time.Time) ([]domain.PeerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []domain.PeerID
	for id, rec := range r.records {
		if rec.LastSeenAt.Before(cutoff) {
			delete(r.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}
