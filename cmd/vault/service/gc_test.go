package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/repository"
	"github.com/SoftwareHeritage/swh-vault/common/config"
	"github.com/SoftwareHeritage/swh-vault/common/logger"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

const retention = 30 * 24 * time.Hour

func newGCEnv(t *testing.T) (*vaultEnv, *GCService) {
	t.Helper()

	env := newVaultEnv(t)
	cfg := &config.Config{}
	cfg.GC.Retention = retention
	gc := NewGCService(env.store, env.artifacts, cfg, logger.New("error", "text"))
	return env, gc
}

// cookDone drives a bundle through dispatch and completion
func cookDone(t *testing.T, env *vaultEnv, hex string, sticky bool) *models.BundleRequest {
	t.Helper()

	ctx := context.Background()
	bundle, err := env.svc.Cook(ctx, directoryType(t), testObjectID(t, hex), "", sticky)
	require.NoError(t, err)
	require.NoError(t, env.svc.RecordSuccess(ctx, bundle.ID, *bundle.ExternalJobID, []byte("tarball")))

	done, err := env.svc.GetStatus(ctx, bundle.ID)
	require.NoError(t, err)
	return done
}

func TestSweep_EvictsStaleBundles(t *testing.T) {
	ctx := context.Background()
	env, gc := newGCEnv(t)
	bundle := cookDone(t, env, dirHex, false)

	evicted, err := gc.Sweep(ctx, time.Now().Add(31*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = env.svc.GetStatus(ctx, bundle.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = env.artifacts.Get(ctx, bundle.ID)
	assert.Error(t, err, "artifact bytes are removed with the row")

	subs, err := env.store.ListSubscriptions(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSweep_KeepsFreshBundles(t *testing.T) {
	ctx := context.Background()
	env, gc := newGCEnv(t)
	bundle := cookDone(t, env, dirHex, false)

	evicted, err := gc.Sweep(ctx, time.Now().Add(29*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)

	_, err = env.svc.GetStatus(ctx, bundle.ID)
	require.NoError(t, err)
}

func TestSweep_StickyBundlesAreExempt(t *testing.T) {
	ctx := context.Background()
	env, gc := newGCEnv(t)
	bundle := cookDone(t, env, dirHex, true)

	evicted, err := gc.Sweep(ctx, time.Now().Add(365*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)

	// Unpinning makes the bundle evictable again
	require.NoError(t, env.svc.SetSticky(ctx, bundle.ID, false))

	evicted, err = gc.Sweep(ctx, time.Now().Add(365*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
}

func TestSweep_LeavesInFlightBundles(t *testing.T) {
	ctx := context.Background()
	env, gc := newGCEnv(t)

	bundle, err := env.svc.Cook(ctx, directoryType(t), testObjectID(t, dirHex), "", false)
	require.NoError(t, err)

	evicted, err := gc.Sweep(ctx, time.Now().Add(365*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)

	got, err := env.svc.GetStatus(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

// staleListStore replays a captured expiry listing, standing in for a
// sweep whose listing went stale before the deletes ran
type staleListStore struct {
	*repository.MemoryBundleStore
	expired []*models.BundleRequest
}

func (s *staleListStore) ListExpired(ctx context.Context, now time.Time, retention time.Duration) ([]*models.BundleRequest, error) {
	return s.expired, nil
}

func TestSweep_SkipsRowResetSinceListing(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)

	bundle, err := env.svc.Cook(ctx, directoryType(t), testObjectID(t, dirHex), "a@example.org", false)
	require.NoError(t, err)
	require.NoError(t, env.svc.RecordFailure(ctx, bundle.ID, *bundle.ExternalJobID, "archive unreachable"))

	// The sweep lists the failed row as expired
	expired, err := env.store.ListExpired(ctx, time.Now().Add(365*24*time.Hour), retention)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// A retry resets the row to pending before the delete lands
	retried, err := env.svc.Cook(ctx, directoryType(t), testObjectID(t, dirHex), "", false)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, retried.Status)

	cfg := &config.Config{}
	cfg.GC.Retention = retention
	gc := NewGCService(&staleListStore{MemoryBundleStore: env.store, expired: expired}, env.artifacts, cfg, logger.New("error", "text"))

	evicted, err := gc.Sweep(ctx, time.Now().Add(365*24*time.Hour), retention)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted, "a reset row must not count as evicted")

	got, err := env.svc.GetStatus(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	subs, err := env.store.ListSubscriptions(ctx, bundle.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1, "the retry keeps its recipients")
}

func TestExpireOldest_EvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	env, gc := newGCEnv(t)

	first := cookDone(t, env, "1bd0e65f7d2ff14ae994de17a1e7fe65111dcad8", false)
	second := cookDone(t, env, "2bd0e65f7d2ff14ae994de17a1e7fe65111dcad8", false)

	// Touching the first bundle leaves the second as the oldest
	require.NoError(t, env.store.TouchAccess(ctx, first.ID))

	evicted, err := gc.ExpireOldest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = env.svc.GetStatus(ctx, second.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = env.svc.GetStatus(ctx, first.ID)
	require.NoError(t, err)
}
