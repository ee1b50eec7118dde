package memory

import (
	"context"
	"testing"
	"time"

	"huddle/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestMemoryPresenceRepository_Upsert(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	t.Run("registers a new peer", func(t *testing.T) {
		err := repo.Upsert(ctx, &domain.PeerRecord{
			ID:          "peer-1",
			DisplayName: "Alice",
			LastSeenAt:  time.Now(),
		})
		assert.NoError(t, err)

		records, err := repo.List(ctx)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, domain.PeerID("peer-1"), records[0].ID)
		assert.Equal(t, "Alice", records[0].DisplayName)
	})

	t.Run("re-registration overwrites the record", func(t *testing.T) {
		err := repo.Upsert(ctx, &domain.PeerRecord{
			ID:          "peer-1",
			DisplayName: "Alice v2",
			LastSeenAt:  time.Now(),
		})
		assert.NoError(t, err)

		records, err := repo.List(ctx)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.Equal(t, "Alice v2", records[0].DisplayName)
	})
}

func TestMemoryPresenceRepository_Touch(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	registered := time.Now().Add(-time.Minute)
	err := repo.Upsert(ctx, &domain.PeerRecord{
		ID:          "peer-1",
		DisplayName: "Alice",
		LastSeenAt:  registered,
	})
	assert.NoError(t, err)

	t.Run("advances last seen time", func(t *testing.T) {
		now := time.Now()
		err := repo.Touch(ctx, "peer-1", now)
		assert.NoError(t, err)

		records, err := repo.List(ctx)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.True(t, records[0].LastSeenAt.Equal(now))
	})

	t.Run("unknown peer returns not found", func(t *testing.T) {
		err := repo.Touch(ctx, "missing", time.Now())
		assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	})
}

func TestMemoryPresenceRepository_Remove(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	err := repo.Upsert(ctx, &domain.PeerRecord{ID: "peer-1", DisplayName: "Alice", LastSeenAt: time.Now()})
	assert.NoError(t, err)

	t.Run("removes an existing peer", func(t *testing.T) {
		err := repo.Remove(ctx, "peer-1")
		assert.NoError(t, err)

		records, err := repo.List(ctx)
		assert.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("second remove returns not found", func(t *testing.T) {
		err := repo.Remove(ctx, "peer-1")
		assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	})
}

func TestMemoryPresenceRepository_RemoveExpired(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-time.Minute)

	assert.NoError(t, repo.Upsert(ctx, &domain.PeerRecord{ID: "stale-peer", DisplayName: "Old", LastSeenAt: stale}))
	assert.NoError(t, repo.Upsert(ctx, &domain.PeerRecord{ID: "live-peer", DisplayName: "Fresh", LastSeenAt: now}))

	evicted, err := repo.RemoveExpired(ctx, now.Add(-30*time.Second))
	assert.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"stale-peer"}, evicted)

	records, err := repo.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, domain.PeerID("live-peer"), records[0].ID)
}

func TestMemoryPresenceRepository_ListReturnsCopies(t *testing.T) {
	repo := NewMemoryPresenceRepository()
	ctx := context.Background()

	assert.NoError(t, repo.Upsert(ctx, &domain.PeerRecord{ID: "peer-1", DisplayName: "Alice", LastSeenAt: time.Now()}))

	records, err := repo.List(ctx)
	assert.NoError(t, err)
	records[0].DisplayName = "mutated"

	records, err = repo.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "Alice", records[0].DisplayName)
}
