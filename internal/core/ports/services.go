package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// PresenceService is the authoritative directory of reachable peers.
// Operations never panic across this boundary; expected races (heartbeat on a
// swept peer, repeated unregister) surface as domain.ErrPeerNotFound.
type PresenceService interface {
	Register(ctx context.Context, id domain.PeerID, displayName string) error
	Unregister(ctx context.Context, id domain.PeerID) error
	Heartbeat(ctx context.Context, id domain.PeerID) error
	ListPeers(ctx context.Context) ([]domain.PeerInfo, error)

	// StartSweeper runs the background eviction loop until ctx is cancelled.
	StartSweeper(ctx context.Context)
}
