package challenge

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "challenges.json"))
	require.NoError(t, err)
	return c
}

func TestRegisterIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ch := Challenge{ChallengeID: "abc12345", Difficulty: "0000ffff"}
	require.NoError(t, c.Register(ch))
	require.NoError(t, c.Register(ch))
	require.Len(t, c.Valid(0), 1)
}

func TestExpiresAtIsDiscoveredPlus24h(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Register(Challenge{ChallengeID: "c1"}))
	valid := c.Valid(0)
	require.Len(t, valid, 1)
	require.WithinDuration(t, valid[0].DiscoveredAt.Add(24*time.Hour), valid[0].ExpiresAt, time.Second)
}

func TestValidExcludesNearExpiry(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.mu.Lock()
	c.byID["soon"] = Challenge{ChallengeID: "soon", DiscoveredAt: now.Add(-23*time.Hour - 30*time.Minute), ExpiresAt: now.Add(30 * time.Minute)}
	c.byID["fresh"] = Challenge{ChallengeID: "fresh", DiscoveredAt: now, ExpiresAt: now.Add(24 * time.Hour)}
	require.NoError(t, c.saveLocked())
	c.mu.Unlock()

	valid := c.Valid(time.Hour)
	require.Len(t, valid, 1)
	require.Equal(t, "fresh", valid[0].ChallengeID)
}

func TestCleanupRemovesExpired(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.mu.Lock()
	c.byID["old"] = Challenge{ChallengeID: "old", DiscoveredAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-1 * time.Hour)}
	require.NoError(t, c.saveLocked())
	c.mu.Unlock()

	removed := c.Cleanup(time.Hour)
	require.Equal(t, 1, removed)
	require.Empty(t, c.Valid(0))
}
