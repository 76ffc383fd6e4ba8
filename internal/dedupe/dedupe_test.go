package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ClaimOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Claim(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.Claim(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, second, "replayed delivery must be reported as duplicate")

	other, err := s.Claim(ctx, "evt_2", time.Hour)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryStore_ClaimExpires(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "evt_1", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(ctx, "evt_1", time.Minute)
	assert.True(t, ok, "claim should be available again after TTL")
}

func TestMemoryStore_Release(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, _ := s.Claim(ctx, "evt_1", time.Hour)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, "evt_1"))

	ok, _ = s.Claim(ctx, "evt_1", time.Hour)
	assert.True(t, ok, "released key should be claimable")
}
