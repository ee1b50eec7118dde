package domain

import "time"

type PeerID string

// PeerRecord is the registry-owned presence entry for one peer. A record
// exists exactly while the peer is registered and inside the staleness window.
type PeerRecord struct {
	ID          PeerID    `json:"peer_id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// PeerInfo is the read-only view handed out by listPeers.
type PeerInfo struct {
	ID          PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
}

func (r *PeerRecord) Info() PeerInfo {
	return PeerInfo{ID: r.ID, DisplayName: r.DisplayName}
}

// Expired reports whether the record has outlived the staleness timeout.
func (r *PeerRecord) Expired(now time.Time, staleness time.Duration) bool {
	return now.Sub(r.LastSeenAt) > staleness
}
