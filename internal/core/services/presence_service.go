package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// SweepMetrics receives eviction statistics from the background sweeper.
type SweepMetrics interface {
	RecordSweep(evicted int)
	SetPeerCount(n int)
}

type presenceService struct {
	repo      ports.PresenceRepository
	staleness time.Duration
	interval  time.Duration
	metrics   SweepMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// Option configures a presence service.
type Option func(*presenceService)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *presenceService) { s.now = now }
}

// WithSweepMetrics attaches an eviction metrics sink.
func WithSweepMetrics(m SweepMetrics) Option {
	return func(s *presenceService) { s.metrics = m }
}

func NewPresenceService(repo ports.PresenceRepository, staleness, sweepInterval time.Duration, logger *zap.SugaredLogger, opts ...Option) ports.PresenceService {
	s := &presenceService{
		repo:      repo,
		staleness: staleness,
		interval:  sweepInterval,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *presenceService) Register(ctx context.Context, id domain.PeerID, displayName string) error {
	if strings.TrimSpace(string(id)) == "" {
		return domain.ErrInvalidPeerID
	}
	if strings.TrimSpace(displayName) == "" {
		return domain.ErrInvalidName
	}

	rec := &domain.PeerRecord{
		ID:          id,
		DisplayName: displayName,
		LastSeenAt:  s.now(),
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return err
	}

	s.logger.Infow("peer registered", "peer_id", id, "display_name", displayName)
	return nil
}

func (s *presenceService) Unregister(ctx context.Context, id domain.PeerID) error {
	err := s.repo.Remove(ctx, id)
	if errors.Is(err, domain.ErrPeerNotFound) {
		// Repeated unregister is idempotent; callers map this to success.
		return domain.ErrPeerNotFound
	}
	if err != nil {
		return err
	}

	s.logger.Infow("peer unregistered", "peer_id", id)
	return nil
}

func (s *presenceService) Heartbeat(ctx context.Context, id domain.PeerID) error {
	return s.repo.Touch(ctx, id, s.now())
}

func (s *presenceService) ListPeers(ctx context.Context) ([]domain.PeerInfo, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	peers := make([]domain.PeerInfo, 0, len(records))
	for _, rec := range records {
		peers = append(peers, rec.Info())
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

// StartSweeper runs the eviction loop until ctx is cancelled. Each pass
// removes every record older than the staleness timeout.
func (s *presenceService) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *presenceService) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.staleness)

	evicted, err := s.repo.RemoveExpired(ctx, cutoff)
	if err != nil {
		s.logger.Warnw("presence sweep failed", "error", err)
		return
	}

	if len(evicted) > 0 {
		s.logger.Infow("swept stale peers", "count", len(evicted), "peer_ids", evicted)
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(len(evicted))
		if records, err := s.repo.List(ctx); err == nil {
			s.metrics.SetPeerCount(len(records))
		}
	}
}
