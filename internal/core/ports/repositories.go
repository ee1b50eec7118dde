package ports

import (
	"context"
	"time"

	"huddle/internal/core/domain"
)

// PresenceRepository stores peer presence records. Touch and RemoveExpired
// must be atomic with respect to each other so a heartbeat can never be lost
// against a concurrent sweep of the same peer.
type PresenceRepository interface {
	// Upsert inserts or overwrites the record for rec.ID.
	Upsert(ctx context.Context, rec *domain.PeerRecord) error

	// Touch refreshes LastSeenAt. Returns domain.ErrPeerNotFound if the
	// record is absent (for example already swept).
	Touch(ctx context.Context, id domain.PeerID, now time.Time) error

	// Remove deletes the record. Returns domain.ErrPeerNotFound if absent.
	Remove(ctx context.Context, id domain.PeerID) error

	// List returns all current records.
	List(ctx context.Context) ([]*domain.PeerRecord, error)

	// RemoveExpired deletes every record with LastSeenAt before cutoff and
	// returns the evicted ids. Backends with native expiry may return nil.
	RemoveExpired(ctx context.Context, cutoff time.Time) ([]domain.PeerID, error)
}
